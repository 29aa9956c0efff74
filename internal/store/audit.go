package store

import (
	"encoding/json"

	"cartbot/internal/logging"
	"cartbot/internal/types"
)

// Audit is the database-backed audit sink. Writes are append-only and
// fire-and-forget: an audit failure is logged, never propagated into the
// message path.
type Audit struct {
	store *Store
}

// NewAudit creates an audit sink over the store.
func NewAudit(s *Store) *Audit {
	return &Audit{store: s}
}

func (a *Audit) RecordClassification(rec types.IntentAuditRecord) {
	slots, _ := json.Marshal(rec.Slots)
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	_, err := a.store.db.Exec(`
		INSERT INTO intent_audit (conversation_id, message_id, intent, confidence, method, slots_json, latency_ms, taxonomy_ver, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ConversationID, rec.MessageID, string(rec.Intent), rec.Confidence,
		string(rec.Method), string(slots), rec.LatencyMs, rec.TaxonomyVer, rec.At)
	if err != nil {
		logging.Store("failed to write intent audit row: %v", err)
	}
}

func (a *Audit) RecordValidation(rec types.ValidationIssueRecord) {
	issues, _ := json.Marshal(rec.Issues)
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	_, err := a.store.db.Exec(`
		INSERT INTO validation_issues (conversation_id, message_id, original, cleaned, issues_json, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ConversationID, rec.MessageID, rec.Original, rec.Cleaned, string(issues), rec.At)
	if err != nil {
		logging.Store("failed to write validation issue row: %v", err)
	}
}

func (a *Audit) RecordProviderCost(rec types.ProviderCostRecord) {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	_, err := a.store.db.Exec(`
		INSERT INTO provider_costs (tenant_id, provider, model, cost_cents, latency_ms, success, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.TenantID, rec.Provider, rec.Model, rec.CostCents, rec.LatencyMs,
		boolInt(rec.Success), rec.At)
	if err != nil {
		logging.Store("failed to write provider cost row: %v", err)
	}
}

// ClassificationCount returns how many audit rows a conversation has, for
// inspection and tests.
func (s *Store) ClassificationCount(conversationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM intent_audit WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}
