package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"cartbot/internal/checkout"
	"cartbot/internal/config"
	"cartbot/internal/grounding"
	"cartbot/internal/intent"
	"cartbot/internal/refstore"
	"cartbot/internal/retrieval"
	"cartbot/internal/router"
	"cartbot/internal/store"
	"cartbot/internal/tenant"
	"cartbot/internal/types"
)

const testTenant = "tenant-1"

// verifyNoLeaks runs goleak after t.Cleanup has closed the fixture's
// resources, ignoring the go.opencensus.io worker that a transitive
// dependency starts in package init and that can never be stopped.
func verifyNoLeaks(t *testing.T) {
	t.Helper()
	goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type fixture struct {
	e     *Engine
	mem   *tenant.Memory
	out   *tenant.CaptureRenderer
	audit *tenant.MemoryAudit
	db    *store.Store
	msgs  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Engine.Workers = 2
	cfg.Engine.MailboxDepth = 8

	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mem := tenant.NewMemory()
	mem.SeedCatalog(testTenant, []types.Item{
		{ID: "sku-1", Title: "Red Shoes", PriceCents: 1500, Stock: 10},
		{ID: "sku-2", Title: "Blue Hat", PriceCents: 900, Stock: 5},
	})
	mem.SeedPaymentMethods(testTenant, []string{"cod", "bank_transfer"})

	rt, err := router.New(router.Config{})
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}

	out := &tenant.CaptureRenderer{}
	audit := &tenant.MemoryAudit{}
	e, err := New(Deps{
		Config:     cfg,
		Store:      db,
		Refs:       refstore.New(cfg.ReferenceTTL(), cfg.IdleThreshold()),
		Classifier: intent.New(intent.NewKeywordStore(), nil, intent.Config{}),
		Router:     rt,
		FSM:        checkout.New(checkout.Config{}),
		Validator:  grounding.New(grounding.Config{}),
		Synth:      retrieval.New(retrieval.Config{}, retrieval.NewDBSource(mem)),
		Data:       tenant.DataAccess{Catalog: mem, Orders: mem, Payments: mem},
		Renderer:   out,
		Audit:      audit,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return &fixture{e: e, mem: mem, out: out, audit: audit, db: db}
}

// say pushes one customer message through the pipeline synchronously and
// returns the most recently rendered action.
func (f *fixture) say(t *testing.T, convID, text string) types.BotAction {
	t.Helper()
	f.msgs++
	f.e.process(context.Background(), types.InboundMessage{
		TenantID:       testTenant,
		ConversationID: convID,
		CustomerID:     "cust-1",
		MessageID:      fmt.Sprintf("msg-%d", f.msgs),
		Text:           text,
		Timestamp:      time.Now(),
	})
	last, ok := f.out.Last()
	if !ok {
		t.Fatalf("no action rendered after %q", text)
	}
	return last
}

func (f *fixture) session(t *testing.T, convID string) *types.CheckoutSession {
	t.Helper()
	s, err := f.db.ActiveCheckoutSession(convID)
	if err != nil {
		t.Fatalf("ActiveCheckoutSession: %v", err)
	}
	return s
}

func TestDuplicateDeliveryDropped(t *testing.T) {
	f := newFixture(t)
	msg := types.InboundMessage{
		TenantID: testTenant, ConversationID: "conv-1", CustomerID: "cust-1",
		MessageID: "msg-dup", Text: "hello", Timestamp: time.Now(),
	}
	f.e.process(context.Background(), msg)
	f.e.process(context.Background(), msg)

	if got := len(f.out.Actions); got != 1 {
		t.Errorf("redelivery rendered %d actions, want 1", got)
	}
	if got := len(f.audit.Classifications); got != 1 {
		t.Errorf("redelivery classified %d times, want 1", got)
	}
}

func TestCheckoutHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	browse := f.say(t, "conv-1", "show me your products")
	if browse.Type != types.ActionList || !strings.Contains(browse.Text, "Red Shoes") {
		t.Fatalf("browse = %+v", browse)
	}

	pick := f.say(t, "conv-1", "1")
	if !strings.Contains(pick.Text, "How many") {
		t.Fatalf("selection reply = %q", pick.Text)
	}

	qty := f.say(t, "conv-1", "2")
	if !strings.Contains(qty.Text, "2 x Red Shoes = 30.00") {
		t.Fatalf("quantity reply = %q", qty.Text)
	}

	pay := f.say(t, "conv-1", "cod")
	if !strings.Contains(pay.Text, "Shall I place the order?") {
		t.Fatalf("payment reply = %q", pay.Text)
	}
	s := f.session(t, "conv-1")
	if s.State != types.StatePaymentSelected || s.OrderRef == "" {
		t.Fatalf("after payment choice: %+v", s)
	}

	f.say(t, "conv-1", "yes")
	s = f.session(t, "conv-1")
	if s.State != types.StatePaymentInitiated || s.PaymentRef == "" || s.TotalCents != 3000 {
		t.Fatalf("after confirmation: %+v", s)
	}

	// The gateway callback is the only path to payment_confirmed.
	f.e.processCallback(ctx, types.PaymentCallback{
		TenantID: testTenant, ConversationID: "conv-1",
		PaymentRef: s.PaymentRef, Status: "confirmed", AmountCents: 3000,
		Timestamp: time.Now(),
	})

	if _, err := f.db.ActiveCheckoutSession("conv-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("session should be terminal after confirmation: %v", err)
	}
	order, err := f.mem.GetOrder(ctx, testTenant, s.OrderRef)
	if err != nil || order.Status != tenant.OrderCompleted {
		t.Errorf("order = %+v, err %v", order, err)
	}
	receipt, _ := f.out.Last()
	if !strings.Contains(receipt.Text, "Payment received") {
		t.Errorf("receipt = %q", receipt.Text)
	}
}

func TestDuplicateCallbackKeepsSessionSettled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.say(t, "conv-1", "show me your products")
	f.say(t, "conv-1", "1")
	f.say(t, "conv-1", "2")
	f.say(t, "conv-1", "cod")
	f.say(t, "conv-1", "yes")
	s := f.session(t, "conv-1")

	cb := types.PaymentCallback{
		TenantID: testTenant, ConversationID: "conv-1",
		PaymentRef: s.PaymentRef, Status: "confirmed", AmountCents: 3000,
		Timestamp: time.Now(),
	}
	f.e.processCallback(ctx, cb)
	rendered := len(f.out.Actions)

	// Gateway delivery is at-least-once; the same confirmation arrives again.
	f.e.processCallback(ctx, cb)

	settled, err := f.db.SessionByPaymentRef(testTenant, s.PaymentRef)
	if err != nil {
		t.Fatal(err)
	}
	if settled.State != types.StateOrderComplete {
		t.Errorf("redelivery moved the session to %s, want order_complete", settled.State)
	}
	if settled.FlaggedForReview {
		t.Error("redelivery must not flag a settled session")
	}
	if len(f.out.Actions) != rendered {
		t.Error("redelivery must not message the customer again")
	}
	if _, err := f.db.ActiveCheckoutSession("conv-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("redelivery resurrected the session: %v", err)
	}
}

func TestCallbackAmountMismatchFlagsForReview(t *testing.T) {
	f := newFixture(t)

	f.say(t, "conv-1", "show me your products")
	f.say(t, "conv-1", "1")
	f.say(t, "conv-1", "2")
	f.say(t, "conv-1", "cod")
	f.say(t, "conv-1", "yes")
	s := f.session(t, "conv-1")

	f.e.processCallback(context.Background(), types.PaymentCallback{
		TenantID: testTenant, ConversationID: "conv-1",
		PaymentRef: s.PaymentRef, Status: "confirmed", AmountCents: 999,
		Timestamp: time.Now(),
	})

	s = f.session(t, "conv-1")
	if !s.FlaggedForReview {
		t.Error("mismatched amount must flag the session for review")
	}
	if s.State != types.StatePaymentInitiated {
		t.Errorf("mismatch must halt, not advance: state %s", s.State)
	}
	last, _ := f.out.Last()
	if !strings.Contains(last.Text, "manual check") {
		t.Errorf("mismatch reply = %q", last.Text)
	}
}

func TestFailedPaymentInvitesRetry(t *testing.T) {
	f := newFixture(t)

	f.say(t, "conv-1", "show me your products")
	f.say(t, "conv-1", "1")
	f.say(t, "conv-1", "2")
	f.say(t, "conv-1", "cod")
	f.say(t, "conv-1", "yes")
	s := f.session(t, "conv-1")

	f.e.processCallback(context.Background(), types.PaymentCallback{
		TenantID: testTenant, ConversationID: "conv-1",
		PaymentRef: s.PaymentRef, Status: "failed", AmountCents: 3000,
		Timestamp: time.Now(),
	})

	s = f.session(t, "conv-1")
	if s.State != types.StatePaymentInitiated {
		t.Errorf("failed payment must leave the session retryable: state %s", s.State)
	}
	last, _ := f.out.Last()
	if !strings.Contains(last.Text, "didn't go through") {
		t.Errorf("failure reply = %q", last.Text)
	}
}

func TestUnknownPaymentRefIgnored(t *testing.T) {
	f := newFixture(t)
	before := len(f.out.Actions)
	f.e.processCallback(context.Background(), types.PaymentCallback{
		TenantID: testTenant, ConversationID: "conv-1",
		PaymentRef: "pay_bogus", Status: "confirmed", AmountCents: 100,
	})
	if len(f.out.Actions) != before {
		t.Error("unknown payment ref must not produce a customer message")
	}
}

func TestNeedsHumanSuppressesBot(t *testing.T) {
	f := newFixture(t)

	handoff := f.say(t, "conv-1", "talk to a human")
	if handoff.Type != types.ActionHandoff {
		t.Fatalf("handoff = %+v", handoff)
	}
	conv, err := f.db.GetConversation("conv-1")
	if err != nil || !conv.NeedsHuman {
		t.Fatalf("conv = %+v, err %v", conv, err)
	}

	rendered := len(f.out.Actions)
	f.e.process(context.Background(), types.InboundMessage{
		TenantID: testTenant, ConversationID: "conv-1", CustomerID: "cust-1",
		MessageID: "msg-after-handoff", Text: "hello", Timestamp: time.Now(),
	})
	if len(f.out.Actions) != rendered {
		t.Error("bot must stay quiet while a human owns the conversation")
	}
	// The suppressed message is still recorded.
	conv, _ = f.db.GetConversation("conv-1")
	if conv.LastCustomerMessage != "hello" {
		t.Errorf("suppressed message not persisted: %q", conv.LastCustomerMessage)
	}
}

func TestSuppressionWhilePaymentPending(t *testing.T) {
	f := newFixture(t)

	f.say(t, "conv-1", "show me your products")
	f.say(t, "conv-1", "1")
	f.say(t, "conv-1", "2")
	f.say(t, "conv-1", "cod")
	f.say(t, "conv-1", "yes")

	waiting := f.say(t, "conv-1", "hello")
	if !strings.Contains(waiting.Text, "being processed") {
		t.Errorf("pending-payment reply = %q", waiting.Text)
	}
	if s := f.session(t, "conv-1"); s.State != types.StatePaymentInitiated {
		t.Errorf("chat must not move a pending payment: state %s", s.State)
	}

	// Order status stays answerable while waiting.
	status := f.say(t, "conv-1", "order status")
	if !strings.Contains(status.Text, "Your order") {
		t.Errorf("status reply = %q", status.Text)
	}
}

func TestClarificationLadderEndsInHandoff(t *testing.T) {
	f := newFixture(t)

	first := f.say(t, "conv-1", "xyzzy plugh")
	second := f.say(t, "conv-1", "xyzzy plugh again")
	third := f.say(t, "conv-1", "xyzzy plugh once more")

	if first.Type != types.ActionClarify || second.Type != types.ActionClarify {
		t.Errorf("first two attempts should clarify: %v %v", first.Type, second.Type)
	}
	if third.Type != types.ActionHandoff {
		t.Errorf("third attempt should hand off, got %v", third.Type)
	}
	conv, _ := f.db.GetConversation("conv-1")
	if !conv.NeedsHuman {
		t.Error("handoff must mark the conversation for a human")
	}
}

func TestPriceReadLiveAtQuantityStep(t *testing.T) {
	f := newFixture(t)

	f.say(t, "conv-1", "show me your products")
	f.say(t, "conv-1", "1")
	// Reprice between the selection turn and the quantity turn.
	f.mem.SetPrice(testTenant, "sku-1", 2000)

	qty := f.say(t, "conv-1", "2")
	if !strings.Contains(qty.Text, "2 x Red Shoes = 40.00") {
		t.Fatalf("quote must use the live price: %q", qty.Text)
	}
	pay := f.say(t, "conv-1", "cod")
	if !strings.Contains(pay.Text, "40.00") {
		t.Errorf("confirmation total = %q", pay.Text)
	}
	if s := f.session(t, "conv-1"); s.TotalCents != 4000 {
		t.Errorf("session total = %d, want 4000", s.TotalCents)
	}
}

func TestPriceMovedBeforeOrderIsRequoted(t *testing.T) {
	f := newFixture(t)

	f.say(t, "conv-1", "show me your products")
	f.say(t, "conv-1", "1")
	f.say(t, "conv-1", "2")
	// Reprice between the quantity quote and the order creation.
	f.mem.SetPrice(testTenant, "sku-1", 2000)

	pay := f.say(t, "conv-1", "cod")
	if !strings.Contains(pay.Text, "your total is now 40.00") {
		t.Fatalf("customer must confirm the order's real total: %q", pay.Text)
	}

	s := f.session(t, "conv-1")
	if s.TotalCents != 4000 {
		t.Errorf("session total = %d, want 4000", s.TotalCents)
	}
	order, err := f.mem.GetOrder(context.Background(), testTenant, s.OrderRef)
	if err != nil || order.TotalCents != 4000 {
		t.Errorf("order = %+v, err %v", order, err)
	}

	// Confirmation initiates payment at the order's total, not the quote.
	f.say(t, "conv-1", "yes")
	if s := f.session(t, "conv-1"); s.State != types.StatePaymentInitiated || s.TotalCents != 4000 {
		t.Errorf("after confirmation: %+v", s)
	}
}

func TestLanguageDetectedFromKeywordMatch(t *testing.T) {
	f := newFixture(t)

	f.say(t, "conv-1", "hola")
	conv, err := f.db.GetConversation("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Language != "es" {
		t.Errorf("language = %q, want es", conv.Language)
	}

	// Code-switching moves the conversation language with it.
	f.say(t, "conv-1", "show me your products")
	conv, _ = f.db.GetConversation("conv-1")
	if conv.Language != "en" {
		t.Errorf("language after switch = %q, want en", conv.Language)
	}
}

func TestRenderFallbackToPlainText(t *testing.T) {
	f := newFixture(t)
	f.out.FailFormatted = true

	list := f.say(t, "conv-1", "show me your products")
	if len(list.StructuredPayload) != 0 {
		t.Errorf("fallback should strip the structured payload: %+v", list.StructuredPayload)
	}
	if !strings.Contains(list.Text, "Red Shoes") {
		t.Errorf("fallback lost the list text: %q", list.Text)
	}
}

func TestConversationsAreIsolated(t *testing.T) {
	f := newFixture(t)

	f.say(t, "conv-a", "show me your products")
	f.say(t, "conv-a", "1")
	f.say(t, "conv-b", "show me your products")
	f.say(t, "conv-b", "2")

	sa := f.session(t, "conv-a")
	sb := f.session(t, "conv-b")
	if sa.SelectedItemID != "sku-1" || sb.SelectedItemID != "sku-2" {
		t.Errorf("selections crossed conversations: a=%s b=%s", sa.SelectedItemID, sb.SelectedItemID)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)

	err := f.e.Submit(types.InboundMessage{ConversationID: "c", MessageID: "m"})
	if !errors.Is(err, types.ErrTenantScopeMissing) {
		t.Errorf("missing tenant: %v", err)
	}
	err = f.e.Submit(types.InboundMessage{TenantID: testTenant, ConversationID: "c", MessageID: "m"})
	if err == nil || !strings.Contains(err.Error(), "not started") {
		t.Errorf("submit before start: %v", err)
	}
}

func TestIdleMailboxReclaimed(t *testing.T) {
	t.Cleanup(func() { verifyNoLeaks(t) })
	f := newFixture(t)
	f.e.mailboxIdle = 50 * time.Millisecond
	f.e.Start()
	defer f.e.Stop()

	if err := f.e.Submit(types.InboundMessage{
		TenantID: testTenant, ConversationID: "conv-1", CustomerID: "cust-1",
		MessageID: "msg-idle-1", Text: "hello", Timestamp: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		f.e.mu.Lock()
		n := len(f.e.mailboxes)
		f.e.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("idle mailbox was never reclaimed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A later message simply gets a fresh mailbox.
	if err := f.e.Submit(types.InboundMessage{
		TenantID: testTenant, ConversationID: "conv-1", CustomerID: "cust-1",
		MessageID: "msg-idle-2", Text: "hello again", Timestamp: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
}

func TestMailboxPreservesArrivalOrder(t *testing.T) {
	t.Cleanup(func() { verifyNoLeaks(t) })
	f := newFixture(t)
	f.e.Start()
	defer f.e.Stop()

	const n = 5
	for i := 0; i < n; i++ {
		err := f.e.Submit(types.InboundMessage{
			TenantID: testTenant, ConversationID: "conv-1", CustomerID: "cust-1",
			MessageID: fmt.Sprintf("ord-%d", i), Text: "hello", Timestamp: time.Now(),
		})
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(f.audit.ClassificationLog()) < n {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for mailbox to drain")
		}
		time.Sleep(10 * time.Millisecond)
	}

	for i, rec := range f.audit.ClassificationLog()[:n] {
		if want := fmt.Sprintf("ord-%d", i); rec.MessageID != want {
			t.Errorf("position %d processed %s, want %s", i, rec.MessageID, want)
		}
	}
}
