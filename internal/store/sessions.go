package store

import (
	"database/sql"
	"errors"
	"fmt"

	"cartbot/internal/types"
)

// SaveCheckoutSession upserts a checkout session.
func (s *Store) SaveCheckoutSession(cs *types.CheckoutSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO checkout_sessions (
			id, conversation_id, tenant_id, state, selected_item_id, selected_title,
			unit_price_cents, quantity, payment_method, order_ref, payment_ref,
			total_cents, message_count, started_at, updated_at, completed_at,
			abandoned_at, flagged_for_review
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			selected_item_id = excluded.selected_item_id,
			selected_title = excluded.selected_title,
			unit_price_cents = excluded.unit_price_cents,
			quantity = excluded.quantity,
			payment_method = excluded.payment_method,
			order_ref = excluded.order_ref,
			payment_ref = excluded.payment_ref,
			total_cents = excluded.total_cents,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at,
			abandoned_at = excluded.abandoned_at,
			flagged_for_review = excluded.flagged_for_review`,
		cs.ID, cs.ConversationID, cs.TenantID, string(cs.State), cs.SelectedItemID, cs.SelectedTitle,
		cs.UnitPriceCents, cs.Quantity, cs.PaymentMethod, cs.OrderRef, cs.PaymentRef,
		cs.TotalCents, cs.MessageCount, cs.StartedAt, cs.UpdatedAt, cs.CompletedAt,
		cs.AbandonedAt, boolInt(cs.FlaggedForReview))
	if err != nil {
		return fmt.Errorf("failed to save checkout session: %w", err)
	}
	return nil
}

// ActiveCheckoutSession returns the conversation's non-terminal session, if
// any. The schema allows history; the engine keeps at most one active.
func (s *Store) ActiveCheckoutSession(conversationID string) (*types.CheckoutSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanSession(s.db.QueryRow(`
		SELECT id, conversation_id, tenant_id, state, selected_item_id, selected_title,
			unit_price_cents, quantity, payment_method, order_ref, payment_ref,
			total_cents, message_count, started_at, updated_at, completed_at,
			abandoned_at, flagged_for_review
		FROM checkout_sessions
		WHERE conversation_id = ? AND state NOT IN (?, ?)
		ORDER BY updated_at DESC LIMIT 1`,
		conversationID, string(types.StateOrderComplete), string(types.StateAbandoned)))
}

// SessionByPaymentRef correlates a gateway callback to its session.
func (s *Store) SessionByPaymentRef(tenantID, paymentRef string) (*types.CheckoutSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanSession(s.db.QueryRow(`
		SELECT id, conversation_id, tenant_id, state, selected_item_id, selected_title,
			unit_price_cents, quantity, payment_method, order_ref, payment_ref,
			total_cents, message_count, started_at, updated_at, completed_at,
			abandoned_at, flagged_for_review
		FROM checkout_sessions
		WHERE tenant_id = ? AND payment_ref = ?
		ORDER BY updated_at DESC LIMIT 1`, tenantID, paymentRef))
}

func (s *Store) scanSession(row *sql.Row) (*types.CheckoutSession, error) {
	var cs types.CheckoutSession
	var state string
	var flagged int
	err := row.Scan(&cs.ID, &cs.ConversationID, &cs.TenantID, &state, &cs.SelectedItemID, &cs.SelectedTitle,
		&cs.UnitPriceCents, &cs.Quantity, &cs.PaymentMethod, &cs.OrderRef, &cs.PaymentRef,
		&cs.TotalCents, &cs.MessageCount, &cs.StartedAt, &cs.UpdatedAt, &cs.CompletedAt,
		&cs.AbandonedAt, &flagged)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkout session: %w", err)
	}
	cs.State = types.CheckoutState(state)
	cs.FlaggedForReview = flagged != 0
	return &cs, nil
}
