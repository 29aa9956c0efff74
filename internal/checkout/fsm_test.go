package checkout

import (
	"errors"
	"testing"
	"time"

	"cartbot/internal/types"
)

var t0 = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

func testConv() *types.Conversation {
	return &types.Conversation{ID: "conv-1", TenantID: "tenant-1"}
}

func shoes() types.Item {
	return types.Item{ID: "sku-1", Title: "Red Shoes", PriceCents: 1000, Stock: 10}
}

// walkToState drives a fresh session along the happy path up to the wanted state.
func walkToState(t *testing.T, m *Machine, want types.CheckoutState) *types.CheckoutSession {
	t.Helper()
	s := m.NewSession(testConv(), t0)
	steps := []func() error{
		func() error { return m.SelectProduct(s, shoes(), t0) },
		func() error { return m.ConfirmQuantity(s, 2, 10, t0) },
		func() error { return m.AttachOrder(s, "ord-1", "cod", 1000, t0) },
		func() error { return m.InitiatePayment(s, "pay-1", 2000, t0) },
		func() error { return m.ConfirmPayment(s, "pay-1", t0) },
		func() error { return m.CompleteOrder(s, t0) },
	}
	for _, step := range steps {
		if s.State == want {
			return s
		}
		if err := step(); err != nil {
			t.Fatalf("happy path step failed at %s: %v", s.State, err)
		}
	}
	if s.State != want {
		t.Fatalf("could not reach %s, ended at %s", want, s.State)
	}
	return s
}

func TestHappyPath(t *testing.T) {
	m := New(Config{})
	s := walkToState(t, m, types.StateOrderComplete)

	if s.TotalCents != 2000 {
		t.Errorf("total = %d, want 2000", s.TotalCents)
	}
	if s.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if !s.State.Terminal() {
		t.Error("order_complete should be terminal")
	}
}

// Checkout linearity: no input sequence can jump browsing -> payment_confirmed.
func TestLinearity(t *testing.T) {
	m := New(Config{})
	s := m.NewSession(testConv(), t0)

	err := m.ConfirmPayment(s, "pay-1", t0)
	var invalid *types.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if s.State != types.StateBrowsing {
		t.Errorf("state after invalid transition = %s, want browsing", s.State)
	}

	// Every skip-ahead from browsing is rejected.
	for name, attempt := range map[string]func(*types.CheckoutSession) error{
		"confirm_quantity": func(s *types.CheckoutSession) error { return m.ConfirmQuantity(s, 1, 10, t0) },
		"attach_order":     func(s *types.CheckoutSession) error { return m.AttachOrder(s, "o", "cod", 100, t0) },
		"initiate_payment": func(s *types.CheckoutSession) error { return m.InitiatePayment(s, "p", 100, t0) },
		"complete_order":   func(s *types.CheckoutSession) error { return m.CompleteOrder(s, t0) },
	} {
		fresh := m.NewSession(testConv(), t0)
		if err := attempt(fresh); !errors.As(err, &invalid) {
			t.Errorf("%s from browsing: expected InvalidTransitionError, got %v", name, err)
		}
	}
}

func TestInvalidTransitionPreservesOrder(t *testing.T) {
	m := New(Config{})
	s := walkToState(t, m, types.StatePaymentSelected)

	// Confirming payment before initiating is out of order.
	err := m.ConfirmPayment(s, "pay-1", t0)
	var invalid *types.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if s.State != types.StateBrowsing {
		t.Errorf("state = %s, want browsing", s.State)
	}
	if s.OrderRef != "ord-1" {
		t.Error("created order must be preserved through reset")
	}
}

// Amount integrity: payment must exactly equal Σ(price × qty).
func TestAmountIntegrity(t *testing.T) {
	m := New(Config{})
	conv := testConv()

	// Two lines priced 1000 and 250 at quantities 2 and 1 -> 2250 total.
	if got := OrderTotalCents(1000, 2) + OrderTotalCents(250, 1); got != 2250 {
		t.Fatalf("total computation = %d, want 2250", got)
	}

	s := m.NewSession(conv, t0)
	if err := m.SelectProduct(s, shoes(), t0); err != nil {
		t.Fatal(err)
	}
	if err := m.ConfirmQuantity(s, 2, 10, t0); err != nil {
		t.Fatal(err)
	}
	if err := m.AttachOrder(s, "ord-1", "cod", 1000, t0); err != nil {
		t.Fatal(err)
	}

	// Any other amount is rejected and flagged, never adjusted.
	err := m.InitiatePayment(s, "pay-1", 1999, t0)
	var mismatch *types.PaymentAmountMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected PaymentAmountMismatchError, got %v", err)
	}
	if mismatch.OrderTotal != 2000 || mismatch.Requested != 1999 {
		t.Errorf("mismatch detail: %+v", mismatch)
	}
	if !s.FlaggedForReview {
		t.Error("session must be flagged for manual review")
	}
	if s.State != types.StatePaymentSelected {
		t.Errorf("mismatch must halt, not transition: state=%s", s.State)
	}

	// Exact amount goes through.
	if err := m.InitiatePayment(s, "pay-1", 2000, t0); err != nil {
		t.Fatalf("exact amount rejected: %v", err)
	}
}

func TestQuantityGuards(t *testing.T) {
	m := New(Config{MaxQuantity: 100})
	s := walkToState(t, m, types.StateProductSelected)

	var qerr *QuantityError
	if err := m.ConfirmQuantity(s, 0, 10, t0); !errors.As(err, &qerr) {
		t.Errorf("zero quantity: %v", err)
	}
	if err := m.ConfirmQuantity(s, 101, 1000, t0); !errors.As(err, &qerr) {
		t.Errorf("over max: %v", err)
	}

	var serr *StockError
	if err := m.ConfirmQuantity(s, 5, 3, t0); !errors.As(err, &serr) {
		t.Errorf("over stock: %v", err)
	}
	// Guard failures keep the state so the customer can retry.
	if s.State != types.StateProductSelected {
		t.Errorf("state after guard failure = %s", s.State)
	}
}

func TestPaymentConfirmRequiresMatchingRef(t *testing.T) {
	m := New(Config{})
	s := walkToState(t, m, types.StatePaymentInitiated)

	var invalid *types.InvalidTransitionError
	if err := m.ConfirmPayment(s, "pay-other", t0); !errors.As(err, &invalid) {
		t.Errorf("foreign payment ref must be rejected: %v", err)
	}
}

func TestMessageCapSignalsButNeverBlocks(t *testing.T) {
	var signaled int
	m := New(Config{MessageCap: 3, OnCapExceeded: func(id string, n int) { signaled = n }})
	s := walkToState(t, m, types.StateProductSelected)

	for i := 0; i < 4; i++ {
		m.RecordCustomerMessage(s)
	}
	if signaled != 4 {
		t.Errorf("expected cap-exceeded signal at 4, got %d", signaled)
	}

	// The flow still advances past the cap.
	if err := m.ConfirmQuantity(s, 1, 10, t0); err != nil {
		t.Errorf("cap must not block transitions: %v", err)
	}
}

func TestEnsureSessionStaleAbandon(t *testing.T) {
	m := New(Config{IdleTimeout: 30 * time.Minute})
	conv := testConv()
	s := walkToState(t, m, types.StateProductSelected)

	// Fresh session: reused.
	got, abandoned := m.EnsureSession(conv, s, t0.Add(5*time.Minute))
	if got != s || abandoned {
		t.Error("active fresh session should be reused")
	}

	// Stale session: implicitly abandoned, new one returned.
	got, abandoned = m.EnsureSession(conv, s, t0.Add(31*time.Minute))
	if !abandoned {
		t.Error("stale session should be abandoned")
	}
	if s.State != types.StateAbandoned {
		t.Errorf("stale state = %s", s.State)
	}
	if got.State != types.StateBrowsing || got.ID == s.ID {
		t.Error("expected a fresh browsing session")
	}
}

func TestTerminalSessionRefusesReplay(t *testing.T) {
	m := New(Config{})
	s := walkToState(t, m, types.StateOrderComplete)

	// A redelivered gateway confirmation bounces off without reactivating
	// the session.
	var invalid *types.InvalidTransitionError
	if err := m.ConfirmPayment(s, "pay-1", t0); !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if s.State != types.StateOrderComplete {
		t.Errorf("replay moved a terminal session to %s", s.State)
	}
}

func TestAbandonTerminalIsNoOp(t *testing.T) {
	m := New(Config{})
	s := walkToState(t, m, types.StateOrderComplete)
	m.Abandon(s, "late cancel", t0)
	if s.State != types.StateOrderComplete {
		t.Error("terminal state must not be abandoned")
	}
}
