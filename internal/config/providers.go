package config

import "time"

// =============================================================================
// PROVIDER / BUDGET CONFIG
// =============================================================================

// ModelTier classifies a configured model for the selection function.
type ModelTier string

const (
	TierCheap        ModelTier = "cheap"         // low-complexity default
	TierLargeContext ModelTier = "large_context" // oversized prompts
	TierStrong       ModelTier = "strong"        // multi-step reasoning
)

// ProviderConfig describes one configured provider/model pair.
type ProviderConfig struct {
	Name    string `yaml:"name"`    // "gemini", "openai", "stub"
	Model   string `yaml:"model"`   // provider model id
	APIKey  string `yaml:"api_key"` // usually from env override
	BaseURL string `yaml:"base_url"`

	Tier          ModelTier `yaml:"tier"`
	ContextTokens int       `yaml:"context_tokens"` // model window size

	// CostPerKTokenCents approximates blended input+output cost, used for
	// budget accounting (exact metering belongs to the billing pipeline).
	CostPerKTokenCents int64 `yaml:"cost_per_ktoken_cents"`
}

// ProvidersConfig configures the model router.
type ProvidersConfig struct {
	// Configured is every known provider/model pair.
	Configured []ProviderConfig `yaml:"configured"`

	// Order is the failover order, cheapest-first.
	Order []string `yaml:"order"`

	// CallTimeout is the hard per-call timeout.
	CallTimeout string `yaml:"call_timeout"`

	// RetriesPerAlternate caps retries when failing over (one per spec).
	RetriesPerAlternate int `yaml:"retries_per_alternate"`
}

// BudgetConfig configures per-tenant monthly spend enforcement.
type BudgetConfig struct {
	// DefaultMonthlyCents applies to tenants without an explicit budget.
	DefaultMonthlyCents int64 `yaml:"default_monthly_cents"`

	// PerTenantCents overrides by tenant id.
	PerTenantCents map[string]int64 `yaml:"per_tenant_cents"`
}

// DefaultProvidersConfig returns the stock provider roster.
func DefaultProvidersConfig() ProvidersConfig {
	return ProvidersConfig{
		Configured: []ProviderConfig{
			{
				Name:               "gemini",
				Model:              "gemini-2.0-flash-lite",
				Tier:               TierCheap,
				ContextTokens:      128_000,
				CostPerKTokenCents: 1,
			},
			{
				Name:               "gemini",
				Model:              "gemini-2.5-flash",
				Tier:               TierLargeContext,
				ContextTokens:      1_000_000,
				CostPerKTokenCents: 3,
			},
			{
				Name:               "gemini",
				Model:              "gemini-2.5-pro",
				Tier:               TierStrong,
				ContextTokens:      1_000_000,
				CostPerKTokenCents: 12,
			},
		},
		Order:               []string{"gemini-2.0-flash-lite", "gemini-2.5-flash", "gemini-2.5-pro"},
		CallTimeout:         "30s",
		RetriesPerAlternate: 1,
	}
}

// CallTimeoutDuration returns the parsed per-call timeout.
func (p ProvidersConfig) CallTimeoutDuration() time.Duration {
	return parseDuration(p.CallTimeout, 30*time.Second)
}

func (p ProvidersConfig) byName(model string) (ProviderConfig, bool) {
	for _, pc := range p.Configured {
		if pc.Model == model || pc.Name == model {
			return pc, true
		}
	}
	return ProviderConfig{}, false
}

// ByModel returns the configured entry for a model id.
func (p ProvidersConfig) ByModel(model string) (ProviderConfig, bool) {
	for _, pc := range p.Configured {
		if pc.Model == model {
			return pc, true
		}
	}
	return ProviderConfig{}, false
}

func (p *ProvidersConfig) setAPIKey(providerName, key string) {
	for i := range p.Configured {
		if p.Configured[i].Name == providerName {
			p.Configured[i].APIKey = key
		}
	}
}

// MonthlyBudgetCents returns the tenant's monthly budget.
func (b BudgetConfig) MonthlyBudgetCents(tenantID string) int64 {
	if b.PerTenantCents != nil {
		if v, ok := b.PerTenantCents[tenantID]; ok {
			return v
		}
	}
	return b.DefaultMonthlyCents
}
