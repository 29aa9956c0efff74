// Package config holds the unified cartbot configuration: engine limits,
// session/reference windows, classifier thresholds, checkout guards,
// grounding rules, retrieval fan-out, providers and budgets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all cartbot configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// DataDir is where SQLite databases, budgets and logs live.
	DataDir string `yaml:"data_dir"`

	// Engine settings (worker pool, idempotency)
	Engine EngineConfig `yaml:"engine"`

	// Session/reference memory windows
	Session SessionConfig `yaml:"session"`

	// Intent classification
	Intent IntentConfig `yaml:"intent"`

	// Checkout state machine guards
	Checkout CheckoutConfig `yaml:"checkout"`

	// Response grounding/validation
	Grounding GroundingConfig `yaml:"grounding"`

	// Retrieval fan-out
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Model/provider routing
	Providers ProvidersConfig `yaml:"providers"`

	// Tenant budgets
	Budget BudgetConfig `yaml:"budget"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// EngineConfig configures the orchestration core.
type EngineConfig struct {
	// Workers is the size of the cross-conversation worker pool.
	Workers int `yaml:"workers"`

	// MailboxDepth bounds each per-conversation queue.
	MailboxDepth int `yaml:"mailbox_depth"`

	// IdempotencyTTL is how long processed message ids are remembered.
	IdempotencyTTL string `yaml:"idempotency_ttl"`
}

// SessionConfig configures reference contexts and session boundaries.
type SessionConfig struct {
	// ReferenceTTL is how long a displayed list stays resolvable.
	ReferenceTTL string `yaml:"reference_ttl"`

	// IdleThreshold is the gap that starts a new session.
	IdleThreshold string `yaml:"idle_threshold"`

	// CheckoutIdleTimeout abandons a stale checkout session.
	CheckoutIdleTimeout string `yaml:"checkout_idle_timeout"`
}

// IntentConfig configures the classifier.
type IntentConfig struct {
	// ConfidenceThreshold below which the router clarifies instead of acting.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// MaxClarifications before escalating to human handoff.
	MaxClarifications int `yaml:"max_clarifications"`

	// KeywordTablePath points at the YAML keyword tables (optional;
	// built-in tables are used when empty).
	KeywordTablePath string `yaml:"keyword_table_path"`

	// HotReload watches the keyword table file for changes.
	HotReload bool `yaml:"hot_reload"`
}

// CheckoutConfig configures the purchase FSM.
type CheckoutConfig struct {
	// MaxQuantity is the sane upper bound for a single line quantity.
	MaxQuantity int `yaml:"max_quantity"`

	// MessageCap from product_selected to payment_initiated; exceeding
	// emits a monitoring signal, it never blocks.
	MessageCap int `yaml:"message_cap"`
}

// GroundingConfig configures response validation.
type GroundingConfig struct {
	// EchoSimilarity is the fuzzy-echo threshold.
	EchoSimilarity float64 `yaml:"echo_similarity"`

	// SentenceCap for non-list responses.
	SentenceCap int `yaml:"sentence_cap"`

	// DisclaimerPatterns is the configurable denylist (lowercase substrings).
	DisclaimerPatterns []string `yaml:"disclaimer_patterns"`
}

// RetrievalConfig configures the RAG synthesizer.
type RetrievalConfig struct {
	TopK     int     `yaml:"top_k"`
	MinScore float64 `yaml:"min_score"`
	Timeout  string  `yaml:"timeout"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	Debug      bool            `yaml:"debug"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "cartbot",
		Version: "1.0",
		DataDir: ".cartbot",
		Engine: EngineConfig{
			Workers:        8,
			MailboxDepth:   64,
			IdempotencyTTL: "24h",
		},
		Session: SessionConfig{
			ReferenceTTL:        "5m",
			IdleThreshold:       "24h",
			CheckoutIdleTimeout: "30m",
		},
		Intent: IntentConfig{
			ConfidenceThreshold: 0.65,
			MaxClarifications:   2,
			HotReload:           false,
		},
		Checkout: CheckoutConfig{
			MaxQuantity: 100,
			MessageCap:  3,
		},
		Grounding: GroundingConfig{
			EchoSimilarity: 0.8,
			SentenceCap:    3,
			DisclaimerPatterns: []string{
				"as an ai",
				"as a language model",
				"i cannot guarantee",
				"i'm just a bot",
				"please note that i",
				"i do not have access to real-time",
			},
		},
		Retrieval: RetrievalConfig{
			TopK:     5,
			MinScore: 0.5,
			Timeout:  "10s",
		},
		Providers: DefaultProvidersConfig(),
		Budget: BudgetConfig{
			DefaultMonthlyCents: 5000,
		},
		Logging: LoggingConfig{
			Debug: false,
			Level: "info",
		},
	}
}

// Load reads a config file, applying defaults for missing fields and
// environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnvOverrides lets environment variables override file values.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Providers.setAPIKey("gemini", key)
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Providers.setAPIKey("openai", key)
	}
	if dir := os.Getenv("CARTBOT_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if lvl := os.Getenv("CARTBOT_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
		c.Logging.Debug = true
	}
}

// Validate checks invariants that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive")
	}
	if c.Intent.ConfidenceThreshold <= 0 || c.Intent.ConfidenceThreshold > 1 {
		return fmt.Errorf("intent.confidence_threshold must be in (0,1]")
	}
	if c.Checkout.MaxQuantity <= 0 {
		return fmt.Errorf("checkout.max_quantity must be positive")
	}
	if c.Grounding.EchoSimilarity <= 0 || c.Grounding.EchoSimilarity > 1 {
		return fmt.Errorf("grounding.echo_similarity must be in (0,1]")
	}
	if len(c.Providers.Order) == 0 {
		return fmt.Errorf("providers.order must list at least one provider")
	}
	for _, name := range c.Providers.Order {
		if _, ok := c.Providers.byName(name); !ok {
			return fmt.Errorf("providers.order references unknown provider %q", name)
		}
	}
	return nil
}

// parseDuration parses a duration string, falling back on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// ReferenceTTL returns the parsed reference context TTL.
func (c *Config) ReferenceTTL() time.Duration {
	return parseDuration(c.Session.ReferenceTTL, 5*time.Minute)
}

// IdleThreshold returns the parsed session-boundary gap.
func (c *Config) IdleThreshold() time.Duration {
	return parseDuration(c.Session.IdleThreshold, 24*time.Hour)
}

// CheckoutIdleTimeout returns the parsed stale-checkout timeout.
func (c *Config) CheckoutIdleTimeout() time.Duration {
	return parseDuration(c.Session.CheckoutIdleTimeout, 30*time.Minute)
}

// IdempotencyTTL returns the parsed idempotency retention window.
func (c *Config) IdempotencyTTL() time.Duration {
	return parseDuration(c.Engine.IdempotencyTTL, 24*time.Hour)
}

// RetrievalTimeout returns the parsed retrieval fan-out timeout.
func (c *Config) RetrievalTimeout() time.Duration {
	return parseDuration(c.Retrieval.Timeout, 10*time.Second)
}
