package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"cartbot/internal/budget"
	"cartbot/internal/config"
	"cartbot/internal/tenant"
	"cartbot/internal/types"
)

func testProvidersConfig() config.ProvidersConfig {
	return config.ProvidersConfig{
		Configured: []config.ProviderConfig{
			{Name: "stub", Model: "stub-cheap", Tier: config.TierCheap, ContextTokens: 1000, CostPerKTokenCents: 1},
			{Name: "stub", Model: "stub-large", Tier: config.TierLargeContext, ContextTokens: 100000, CostPerKTokenCents: 3},
			{Name: "stub", Model: "stub-strong", Tier: config.TierStrong, ContextTokens: 100000, CostPerKTokenCents: 12},
		},
		Order:               []string{"stub-cheap", "stub-large", "stub-strong"},
		CallTimeout:         "5s",
		RetriesPerAlternate: 1,
	}
}

func testRouter(t *testing.T) (*Router, map[string]*StubClient, *tenant.MemoryAudit) {
	t.Helper()
	stubs := map[string]*StubClient{
		"stub-cheap":  NewStubClient("stub", "stub-cheap", "cheap says hi"),
		"stub-large":  NewStubClient("stub", "stub-large", "large says hi"),
		"stub-strong": NewStubClient("stub", "stub-strong", "strong says hi"),
	}
	clients := make(map[string]Client, len(stubs))
	for k, v := range stubs {
		clients[k] = v
	}
	tracker, err := budget.NewTracker(t.TempDir(), config.BudgetConfig{DefaultMonthlyCents: 1000})
	if err != nil {
		t.Fatal(err)
	}
	audit := &tenant.MemoryAudit{}
	return NewRouter(testProvidersConfig(), clients, tracker, audit), stubs, audit
}

func TestCheapModelByDefault(t *testing.T) {
	r, _, _ := testRouter(t)
	resp, err := r.Complete(context.Background(), "tenant-1", Request{Prompt: "classify this"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Model != "stub-cheap" {
		t.Errorf("model = %s, want stub-cheap", resp.Model)
	}
}

func TestReasoningGoesToStrongTier(t *testing.T) {
	r, _, _ := testRouter(t)
	resp, err := r.Complete(context.Background(), "tenant-1", Request{
		Prompt:     "synthesize",
		Complexity: ComplexityReasoning,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Model != "stub-strong" {
		t.Errorf("model = %s, want stub-strong", resp.Model)
	}
}

func TestOversizedPromptGoesToLargeContext(t *testing.T) {
	r, _, _ := testRouter(t)
	resp, err := r.Complete(context.Background(), "tenant-1", Request{
		Prompt:    "big",
		EstTokens: 50000, // over the cheap model's 1000-token window
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Model != "stub-large" {
		t.Errorf("model = %s, want stub-large", resp.Model)
	}
}

func TestFailoverInCostOrder(t *testing.T) {
	r, stubs, _ := testRouter(t)
	stubs["stub-cheap"].FailNext(1)

	resp, err := r.Complete(context.Background(), "tenant-1", Request{Prompt: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Model != "stub-large" {
		t.Errorf("failover landed on %s, want stub-large (next cheapest)", resp.Model)
	}
}

func TestAllProvidersExhausted(t *testing.T) {
	r, stubs, audit := testRouter(t)
	for _, s := range stubs {
		s.FailNext(10)
	}

	_, err := r.Complete(context.Background(), "tenant-1", Request{Prompt: "hello"})
	if !errors.Is(err, types.ErrProviderExhausted) {
		t.Fatalf("expected ErrProviderExhausted, got %v", err)
	}

	// Cheap gets 1 try, each alternate gets 1+1.
	if got := stubs["stub-cheap"].Calls(); got != 1 {
		t.Errorf("cheap tries = %d, want 1", got)
	}
	if got := stubs["stub-large"].Calls(); got != 2 {
		t.Errorf("large tries = %d, want 2", got)
	}

	// Failures are still audited (with cost 0).
	if len(audit.Costs) == 0 {
		t.Error("failed calls should be audited")
	}
	for _, rec := range audit.Costs {
		if rec.Success || rec.CostCents != 0 {
			t.Errorf("failed call recorded as %+v", rec)
		}
	}
}

func TestNearBudgetForcesCheapTier(t *testing.T) {
	r, _, _ := testRouter(t)
	r.tracker.Track("tenant-1", "stub", "stub-strong", 850) // past the 80% brake

	resp, err := r.Complete(context.Background(), "tenant-1", Request{
		Prompt:     "synthesize",
		Complexity: ComplexityReasoning,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Model != "stub-cheap" {
		t.Errorf("near-budget reasoning routed to %s, want stub-cheap", resp.Model)
	}
}

func TestBudgetExhaustedSkipsModelEntirely(t *testing.T) {
	r, stubs, _ := testRouter(t)
	r.tracker.Track("tenant-1", "stub", "stub-cheap", 1000) // at the cap

	_, err := r.Complete(context.Background(), "tenant-1", Request{Prompt: "hello"})
	if !errors.Is(err, types.ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
	if stubs["stub-cheap"].Calls() != 0 {
		t.Error("no model may be called once the budget is spent")
	}
}

func TestCostRecordedAgainstTenant(t *testing.T) {
	r, _, audit := testRouter(t)
	resp, err := r.Complete(context.Background(), "tenant-1", Request{
		Prompt: "a reasonably sized prompt for accounting purposes",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.CostCents < 1 {
		t.Errorf("cost = %d, want >= 1 (never invisible)", resp.CostCents)
	}
	if got := r.tracker.SpentCents("tenant-1"); got != resp.CostCents {
		t.Errorf("tracked = %d, response cost = %d", got, resp.CostCents)
	}
	if len(audit.Costs) != 1 || !audit.Costs[0].Success {
		t.Errorf("audit = %+v", audit.Costs)
	}
}

func TestTenantScopeRequired(t *testing.T) {
	r, _, _ := testRouter(t)
	_, err := r.Complete(context.Background(), "", Request{Prompt: "hello"})
	if !errors.Is(err, types.ErrTenantScopeMissing) {
		t.Errorf("expected ErrTenantScopeMissing, got %v", err)
	}
}

func TestCancelledContextStopsFailover(t *testing.T) {
	r, stubs, _ := testRouter(t)
	for _, s := range stubs {
		s.FailNext(10)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := r.Complete(ctx, "tenant-1", Request{Prompt: "hello"})
	if !errors.Is(err, types.ErrProviderExhausted) {
		t.Fatalf("got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancelled context must not spin through retries")
	}
}
