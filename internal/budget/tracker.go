// Package budget tracks per-tenant monthly model spend and enforces the
// budget ceiling the provider router consults. Counters persist as JSON in
// the data directory with debounced auto-save.
package budget

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cartbot/internal/config"
	"cartbot/internal/logging"
)

// TenantSpend aggregates one tenant's spend for the current month.
type TenantSpend struct {
	SpentCents int64            `json:"spent_cents"`
	Calls      int64            `json:"calls"`
	ByProvider map[string]int64 `json:"by_provider"`
	ByModel    map[string]int64 `json:"by_model"`
}

// Data is the persisted tracker state.
type Data struct {
	Version string                  `json:"version"`
	Month   string                  `json:"month"` // "2026-08"; counters reset on rollover
	Tenants map[string]*TenantSpend `json:"tenants"`
}

// Tracker manages spend recording and persistence. Cross-conversation
// callers share it, so every access goes through the mutex.
type Tracker struct {
	mu       sync.Mutex
	data     Data
	filePath string
	dirty    bool
	budgets  config.BudgetConfig

	now func() time.Time
}

// NewTracker creates a tracker persisting under dataDir.
func NewTracker(dataDir string, budgets config.BudgetConfig) (*Tracker, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	t := &Tracker{
		filePath: filepath.Join(dataDir, "budget.json"),
		budgets:  budgets,
		now:      time.Now,
		data: Data{
			Version: "1.0",
			Tenants: make(map[string]*TenantSpend),
		},
	}
	t.data.Month = t.monthKey(t.now())

	if err := t.load(); err != nil {
		logging.Budget("could not load budget file, starting fresh: %v", err)
	}
	return t, nil
}

func (t *Tracker) monthKey(at time.Time) string {
	return at.UTC().Format("2006-01")
}

func (t *Tracker) load() error {
	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := json.Unmarshal(data, &t.data); err != nil {
		return err
	}
	if t.data.Tenants == nil {
		t.data.Tenants = make(map[string]*TenantSpend)
	}
	return nil
}

// Save writes the tracker state to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.filePath, data, 0644)
}

// rolloverLocked resets all counters when the month changes.
func (t *Tracker) rolloverLocked(now time.Time) {
	key := t.monthKey(now)
	if t.data.Month == key {
		return
	}
	logging.Budget("month rollover %s -> %s, resetting tenant counters", t.data.Month, key)
	t.data.Month = key
	t.data.Tenants = make(map[string]*TenantSpend)
}

// Track records one model call's cost for a tenant.
func (t *Tracker) Track(tenantID, provider, model string, costCents int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rolloverLocked(t.now())

	ts, ok := t.data.Tenants[tenantID]
	if !ok {
		ts = &TenantSpend{
			ByProvider: make(map[string]int64),
			ByModel:    make(map[string]int64),
		}
		t.data.Tenants[tenantID] = ts
	}
	ts.SpentCents += costCents
	ts.Calls++
	ts.ByProvider[provider] += costCents
	ts.ByModel[model] += costCents

	// Debounced auto-save.
	if !t.dirty {
		t.dirty = true
		time.AfterFunc(5*time.Second, func() {
			t.Save()
			t.mu.Lock()
			t.dirty = false
			t.mu.Unlock()
		})
	}
}

// SpentCents returns the tenant's spend for the current month.
func (t *Tracker) SpentCents(tenantID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked(t.now())
	if ts, ok := t.data.Tenants[tenantID]; ok {
		return ts.SpentCents
	}
	return 0
}

// RemainingCents returns what is left of the tenant's monthly budget.
// Never negative.
func (t *Tracker) RemainingCents(tenantID string) int64 {
	remaining := t.budgets.MonthlyBudgetCents(tenantID) - t.SpentCents(tenantID)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Exceeded reports whether the tenant's monthly budget is spent. The
// provider router forces the cheapest model (or rule-only behavior) once
// this flips.
func (t *Tracker) Exceeded(tenantID string) bool {
	return t.SpentCents(tenantID) >= t.budgets.MonthlyBudgetCents(tenantID)
}

// ForceCheapest reports whether the tenant has burned through enough of
// its monthly budget (80%) that the router must stop escalating to
// stronger tiers. Exceeded still cuts off model calls entirely; this is
// the softer brake before that point.
func (t *Tracker) ForceCheapest(tenantID string) bool {
	limit := t.budgets.MonthlyBudgetCents(tenantID)
	if limit <= 0 {
		return true
	}
	return t.SpentCents(tenantID)*5 >= limit*4
}

// Stats returns a copy of the tenant's spend for inspection.
func (t *Tracker) Stats(tenantID string) TenantSpend {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.data.Tenants[tenantID]
	if !ok {
		return TenantSpend{}
	}
	out := TenantSpend{
		SpentCents: ts.SpentCents,
		Calls:      ts.Calls,
		ByProvider: make(map[string]int64, len(ts.ByProvider)),
		ByModel:    make(map[string]int64, len(ts.ByModel)),
	}
	for k, v := range ts.ByProvider {
		out.ByProvider[k] = v
	}
	for k, v := range ts.ByModel {
		out.ByModel[k] = v
	}
	return out
}
