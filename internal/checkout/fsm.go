// Package checkout implements the purchase state machine:
//
//	browsing -> product_selected -> quantity_confirmed ->
//	payment_method_selected -> payment_initiated -> payment_confirmed ->
//	order_complete
//
// with abandoned reachable from any non-terminal state. Transitions are
// guarded; anything out of order is a typed InvalidTransition result that
// resets the session to browsing while preserving any created order.
package checkout

import (
	"time"

	"github.com/google/uuid"

	"cartbot/internal/logging"
	"cartbot/internal/types"
)

// Machine validates and applies checkout transitions. It is stateless; the
// session record carries all state, so handlers stay pure functions.
type Machine struct {
	maxQuantity int
	messageCap  int
	idleTimeout time.Duration

	// onCapExceeded receives a monitoring signal when the message budget
	// from product_selected to payment_initiated is blown. Never blocks
	// the transition.
	onCapExceeded func(sessionID string, count int)
}

// Config holds machine guards; zero values fall back to defaults.
type Config struct {
	MaxQuantity   int           // default 100
	MessageCap    int           // default 3
	IdleTimeout   time.Duration // default 30m
	OnCapExceeded func(sessionID string, count int)
}

// New creates a checkout machine.
func New(cfg Config) *Machine {
	m := &Machine{
		maxQuantity:   cfg.MaxQuantity,
		messageCap:    cfg.MessageCap,
		idleTimeout:   cfg.IdleTimeout,
		onCapExceeded: cfg.OnCapExceeded,
	}
	if m.maxQuantity <= 0 {
		m.maxQuantity = 100
	}
	if m.messageCap <= 0 {
		m.messageCap = 3
	}
	if m.idleTimeout <= 0 {
		m.idleTimeout = 30 * time.Minute
	}
	return m
}

// NewSession creates a browsing-state session for a conversation.
func (m *Machine) NewSession(conv *types.Conversation, now time.Time) *types.CheckoutSession {
	return &types.CheckoutSession{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		State:          types.StateBrowsing,
		StartedAt:      now,
		UpdatedAt:      now,
	}
}

// EnsureSession enforces the at-most-one-active invariant: an existing
// active session is reused unless it has gone stale (idle past the timeout),
// in which case it is implicitly abandoned and a fresh one returned. The
// second return reports whether a stale session was abandoned.
func (m *Machine) EnsureSession(conv *types.Conversation, existing *types.CheckoutSession, now time.Time) (*types.CheckoutSession, bool) {
	if existing.Active() {
		if now.Sub(existing.UpdatedAt) > m.idleTimeout {
			m.Abandon(existing, "idle timeout", now)
			return m.NewSession(conv, now), true
		}
		return existing, false
	}
	return m.NewSession(conv, now), false
}

// invalid rejects an out-of-order transition: the session resets to
// browsing, any created order is preserved, and the typed error returns.
// Terminal sessions never reactivate; late or redelivered events bounce
// off without touching state.
func (m *Machine) invalid(s *types.CheckoutSession, event string, now time.Time) error {
	err := &types.InvalidTransitionError{From: s.State, Event: event}
	if s.State.Terminal() {
		logging.CheckoutWarn("session %s: %v, state kept", s.ID, err)
		return err
	}
	logging.CheckoutWarn("session %s: %v, resetting to browsing (order %q preserved)",
		s.ID, err, s.OrderRef)
	s.State = types.StateBrowsing
	s.UpdatedAt = now
	return err
}

// SelectProduct moves browsing -> product_selected. Requires a reference
// already resolved to exactly one catalog item.
func (m *Machine) SelectProduct(s *types.CheckoutSession, item types.Item, now time.Time) error {
	if s.State != types.StateBrowsing {
		return m.invalid(s, "select_product", now)
	}
	s.State = types.StateProductSelected
	s.SelectedItemID = item.ID
	s.SelectedTitle = item.Title
	s.UnitPriceCents = item.PriceCents
	s.Quantity = 0
	s.MessageCount = 0
	s.UpdatedAt = now
	logging.Checkout("session %s: product_selected %s", s.ID, item.ID)
	return nil
}

// ConfirmQuantity moves product_selected -> quantity_confirmed. The quantity
// must be a positive integer within the sane bound and covered by live stock
// read at transition time.
func (m *Machine) ConfirmQuantity(s *types.CheckoutSession, quantity, liveStock int, now time.Time) error {
	if s.State != types.StateProductSelected {
		return m.invalid(s, "confirm_quantity", now)
	}
	if quantity < 1 || quantity > m.maxQuantity {
		return &QuantityError{Quantity: quantity, Max: m.maxQuantity}
	}
	if quantity > liveStock {
		return &StockError{Requested: quantity, Available: liveStock}
	}
	s.State = types.StateQuantityConfirmd
	s.Quantity = quantity
	s.UpdatedAt = now
	logging.Checkout("session %s: quantity_confirmed %d", s.ID, quantity)
	return nil
}

// AttachOrder moves quantity_confirmed -> payment_method_selected. The order
// was created atomically by the caller with unitPriceCents read at this
// transition, never cached from an earlier turn.
func (m *Machine) AttachOrder(s *types.CheckoutSession, orderRef, method string, unitPriceCents int64, now time.Time) error {
	if s.State != types.StateQuantityConfirmd {
		return m.invalid(s, "attach_order", now)
	}
	s.State = types.StatePaymentSelected
	s.OrderRef = orderRef
	s.PaymentMethod = method
	s.UnitPriceCents = unitPriceCents
	s.TotalCents = unitPriceCents * int64(s.Quantity)
	s.UpdatedAt = now
	logging.Checkout("session %s: payment_method_selected order=%s total=%d", s.ID, orderRef, s.TotalCents)
	return nil
}

// InitiatePayment moves payment_method_selected -> payment_initiated. The
// payment amount must exactly equal the order total or the transition is
// rejected and the session is flagged for manual review; amounts are never
// silently adjusted.
func (m *Machine) InitiatePayment(s *types.CheckoutSession, paymentRef string, amountCents int64, now time.Time) error {
	if s.State != types.StatePaymentSelected {
		return m.invalid(s, "initiate_payment", now)
	}
	if amountCents != s.TotalCents {
		s.FlaggedForReview = true
		s.UpdatedAt = now
		logging.CheckoutWarn("session %s: payment amount mismatch (want %d, got %d), flagged for review",
			s.ID, s.TotalCents, amountCents)
		return &types.PaymentAmountMismatchError{
			OrderRef:   s.OrderRef,
			OrderTotal: s.TotalCents,
			Requested:  amountCents,
		}
	}
	s.State = types.StatePaymentInitiated
	s.PaymentRef = paymentRef
	s.UpdatedAt = now
	logging.Checkout("session %s: payment_initiated ref=%s amount=%d", s.ID, paymentRef, amountCents)
	return nil
}

// ConfirmPayment moves payment_initiated -> payment_confirmed. It is driven
// only by the asynchronous gateway callback, never by a chat message, and
// the callback must carry the original payment reference.
func (m *Machine) ConfirmPayment(s *types.CheckoutSession, paymentRef string, now time.Time) error {
	if s.State != types.StatePaymentInitiated {
		return m.invalid(s, "confirm_payment", now)
	}
	if paymentRef != s.PaymentRef {
		return m.invalid(s, "confirm_payment: unknown payment ref", now)
	}
	s.State = types.StatePaymentConfirmed
	s.UpdatedAt = now
	logging.Checkout("session %s: payment_confirmed", s.ID)
	return nil
}

// CompleteOrder moves payment_confirmed -> order_complete and ends the
// session.
func (m *Machine) CompleteOrder(s *types.CheckoutSession, now time.Time) error {
	if s.State != types.StatePaymentConfirmed {
		return m.invalid(s, "complete_order", now)
	}
	s.State = types.StateOrderComplete
	s.UpdatedAt = now
	s.CompletedAt = &now
	logging.Checkout("session %s: order_complete", s.ID)
	return nil
}

// Abandon moves any non-terminal state to abandoned (idle timeout or
// explicit cancellation).
func (m *Machine) Abandon(s *types.CheckoutSession, reason string, now time.Time) {
	if s.State.Terminal() {
		return
	}
	s.State = types.StateAbandoned
	s.UpdatedAt = now
	s.AbandonedAt = &now
	logging.Checkout("session %s: abandoned (%s)", s.ID, reason)
}

// RecordCustomerMessage tracks the message budget between product_selected
// and payment_initiated. Exceeding the cap emits a monitoring signal; it
// never blocks the flow.
func (m *Machine) RecordCustomerMessage(s *types.CheckoutSession) {
	switch s.State {
	case types.StateProductSelected, types.StateQuantityConfirmd, types.StatePaymentSelected:
		s.MessageCount++
		if s.MessageCount > m.messageCap {
			logging.CheckoutWarn("session %s: message cap exceeded (%d > %d)", s.ID, s.MessageCount, m.messageCap)
			if m.onCapExceeded != nil {
				m.onCapExceeded(s.ID, s.MessageCount)
			}
		}
	}
}

// OrderTotalCents computes Σ(unit price × quantity) for a line.
func OrderTotalCents(unitPriceCents int64, quantity int) int64 {
	return unitPriceCents * int64(quantity)
}
