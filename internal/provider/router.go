package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cartbot/internal/budget"
	"cartbot/internal/config"
	"cartbot/internal/logging"
	"cartbot/internal/tenant"
	"cartbot/internal/types"
)

// =============================================================================
// MODEL ROUTER
// =============================================================================

// Router selects a model per call, fails over across alternates in cost
// order and records spend against the tenant's monthly budget.
type Router struct {
	cfg     config.ProvidersConfig
	clients map[string]Client // keyed by model id
	tracker *budget.Tracker
	audit   tenant.AuditSink

	now func() time.Time
}

// NewRouter wires the router. clients must cover every model named in
// cfg.Order; unknown models are skipped with a warning at call time.
func NewRouter(cfg config.ProvidersConfig, clients map[string]Client, tracker *budget.Tracker, audit tenant.AuditSink) *Router {
	return &Router{
		cfg:     cfg,
		clients: clients,
		tracker: tracker,
		audit:   audit,
		now:     time.Now,
	}
}

// BuildClients instantiates real clients for every configured provider.
// Unknown provider names are skipped.
func BuildClients(cfg config.ProvidersConfig) (map[string]Client, error) {
	clients := make(map[string]Client, len(cfg.Configured))
	for _, pc := range cfg.Configured {
		var (
			client Client
			err    error
		)
		switch pc.Name {
		case "gemini":
			client, err = NewGeminiClient(pc)
		case "openai":
			client, err = NewOpenAIClient(pc)
		case "stub":
			client = NewStubClient(pc.Name, pc.Model, "")
		default:
			logging.ProviderWarn("unknown provider %q for model %q, skipping", pc.Name, pc.Model)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s/%s: %w", pc.Name, pc.Model, err)
		}
		clients[pc.Model] = client
	}
	return clients, nil
}

// selectTier maps the request shape to a model tier. A tenant near its
// budget ceiling is pinned to the cheap tier regardless of shape.
func (r *Router) selectTier(tenantID string, req Request) config.ModelTier {
	if r.tracker != nil && r.tracker.ForceCheapest(tenantID) {
		logging.Budget("tenant %s near monthly budget, forcing cheap tier", tenantID)
		return config.TierCheap
	}
	if req.Complexity == ComplexityReasoning {
		return config.TierStrong
	}
	if cheap, ok := r.tierModel(config.TierCheap); ok && req.EstTokens > 0 && req.EstTokens > cheap.ContextTokens {
		return config.TierLargeContext
	}
	return config.TierCheap
}

func (r *Router) tierModel(tier config.ModelTier) (config.ProviderConfig, bool) {
	for _, pc := range r.cfg.Configured {
		if pc.Tier == tier {
			return pc, true
		}
	}
	return config.ProviderConfig{}, false
}

// candidates returns the failover order for a request: the selected tier's
// model first, then the remaining configured order, skipping models whose
// context window cannot hold the prompt.
func (r *Router) candidates(tenantID string, req Request) []string {
	var out []string
	seen := make(map[string]bool)
	push := func(model string) {
		if model == "" || seen[model] {
			return
		}
		if pc, ok := r.cfg.ByModel(model); ok && req.EstTokens > 0 && pc.ContextTokens > 0 && req.EstTokens > pc.ContextTokens {
			return
		}
		seen[model] = true
		out = append(out, model)
	}

	if primary, ok := r.tierModel(r.selectTier(tenantID, req)); ok {
		push(primary.Model)
	}
	for _, model := range r.cfg.Order {
		push(model)
	}
	return out
}

// Complete routes one completion. Billing is attributed to tenantID; a
// tenant over budget gets ErrBudgetExhausted without any model call so the
// caller can degrade to rule-only behavior.
func (r *Router) Complete(ctx context.Context, tenantID string, req Request) (Response, error) {
	if tenantID == "" {
		return Response{}, types.ErrTenantScopeMissing
	}
	if r.tracker != nil && r.tracker.Exceeded(tenantID) {
		logging.Budget("tenant %s over monthly budget, refusing model call", tenantID)
		return Response{}, fmt.Errorf("tenant %s: %w", tenantID, types.ErrBudgetExhausted)
	}

	candidates := r.candidates(tenantID, req)
	if len(candidates) == 0 {
		return Response{}, types.ErrModelUnavailable
	}

	var lastErr error
	for i, model := range candidates {
		client, ok := r.clients[model]
		if !ok {
			logging.ProviderWarn("no client wired for model %q, skipping", model)
			continue
		}

		tries := 1
		if i > 0 {
			tries += r.cfg.RetriesPerAlternate
		}
		for attempt := 0; attempt < tries; attempt++ {
			resp, err := r.callOnce(ctx, tenantID, client, req)
			if err == nil {
				if i > 0 || attempt > 0 {
					logging.Provider("failover succeeded on %s (candidate %d attempt %d)", model, i, attempt)
				}
				return resp, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				// Parent context is gone; further candidates cannot succeed.
				return Response{}, fmt.Errorf("%w: %v", types.ErrProviderExhausted, lastErr)
			}
		}
	}
	if lastErr == nil {
		return Response{}, types.ErrModelUnavailable
	}
	return Response{}, fmt.Errorf("%w: %v", types.ErrProviderExhausted, lastErr)
}

// callOnce performs one attempt under the hard per-call timeout and records
// cost on success.
func (r *Router) callOnce(ctx context.Context, tenantID string, client Client, req Request) (Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeoutDuration())
	defer cancel()

	start := r.now()
	resp, err := client.Complete(callCtx, req)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		logging.ProviderWarn("model %s failed in %dms: %v", client.Model(), latency, err)
		if r.audit != nil {
			r.audit.RecordProviderCost(types.ProviderCostRecord{
				TenantID:  tenantID,
				Provider:  client.Provider(),
				Model:     client.Model(),
				LatencyMs: latency,
				Success:   false,
				At:        r.now(),
			})
		}
		return Response{}, fmt.Errorf("%s: %w", client.Model(), err)
	}

	resp.LatencyMs = latency
	resp.CostCents = r.costCents(client.Model(), resp.InputTokens+resp.OutputTokens)
	if r.tracker != nil && resp.CostCents > 0 {
		r.tracker.Track(tenantID, client.Provider(), client.Model(), resp.CostCents)
	}
	if r.audit != nil {
		r.audit.RecordProviderCost(types.ProviderCostRecord{
			TenantID:  tenantID,
			Provider:  client.Provider(),
			Model:     client.Model(),
			CostCents: resp.CostCents,
			LatencyMs: latency,
			Success:   true,
			At:        r.now(),
		})
	}
	return resp, nil
}

// costCents approximates call cost from the blended per-kilotoken rate.
// Any non-zero token count bills at least one cent so spend is never
// invisible.
func (r *Router) costCents(model string, totalTokens int) int64 {
	pc, ok := r.cfg.ByModel(model)
	if !ok || totalTokens <= 0 {
		return 0
	}
	cents := pc.CostPerKTokenCents * int64(totalTokens) / 1000
	if cents == 0 {
		cents = 1
	}
	return cents
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
