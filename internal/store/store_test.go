package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"cartbot/internal/types"
)

var t0 = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConversationRoundTrip(t *testing.T) {
	s := openTestStore(t)

	conv := &types.Conversation{
		ID: "conv-1", TenantID: "tenant-1", CustomerID: "cust-1",
		CurrentFlow: "checkout", AwaitingResponse: "quantity",
		LastBotMessage: "How many?", Language: "en",
		SessionEpoch: 2, LastMessageAt: t0, ClarificationCount: 1,
		CreatedAt: t0,
	}
	if err := s.SaveConversation(conv); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetConversation("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.AwaitingResponse != "quantity" || got.SessionEpoch != 2 || got.ClarificationCount != 1 {
		t.Errorf("got %+v", got)
	}

	// Upsert updates in place.
	conv.AwaitingResponse = ""
	conv.NeedsHuman = true
	if err := s.SaveConversation(conv); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetConversation("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.AwaitingResponse != "" || !got.NeedsHuman {
		t.Errorf("update lost: %+v", got)
	}
}

func TestGetConversationMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetConversation("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v", err)
	}
}

func TestArchiveIsSoft(t *testing.T) {
	s := openTestStore(t)
	conv := &types.Conversation{ID: "conv-1", TenantID: "tenant-1", CustomerID: "c", CreatedAt: t0}
	if err := s.SaveConversation(conv); err != nil {
		t.Fatal(err)
	}
	if err := s.ArchiveConversation("conv-1", t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetConversation("conv-1")
	if err != nil {
		t.Fatalf("archived conversations must stay readable: %v", err)
	}
	if got.ArchivedAt == nil {
		t.Error("ArchivedAt not set")
	}
}

func TestCheckoutSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	cs := &types.CheckoutSession{
		ID: "sess-1", ConversationID: "conv-1", TenantID: "tenant-1",
		State: types.StatePaymentInitiated, SelectedItemID: "sku-1", SelectedTitle: "Red Shoes",
		UnitPriceCents: 1500, Quantity: 2, PaymentMethod: "cod",
		OrderRef: "ord-1", PaymentRef: "pay-1", TotalCents: 3000,
		StartedAt: t0, UpdatedAt: t0,
	}
	if err := s.SaveCheckoutSession(cs); err != nil {
		t.Fatal(err)
	}

	got, err := s.ActiveCheckoutSession("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalCents != 3000 || got.State != types.StatePaymentInitiated {
		t.Errorf("got %+v", got)
	}

	byRef, err := s.SessionByPaymentRef("tenant-1", "pay-1")
	if err != nil || byRef.ID != "sess-1" {
		t.Errorf("SessionByPaymentRef: %+v %v", byRef, err)
	}
	// Callback correlation is tenant-scoped.
	if _, err := s.SessionByPaymentRef("tenant-2", "pay-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant correlation must miss: %v", err)
	}

	// Terminal sessions are not "active".
	now := t0.Add(time.Hour)
	cs.State = types.StateOrderComplete
	cs.CompletedAt = &now
	if err := s.SaveCheckoutSession(cs); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ActiveCheckoutSession("conv-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("terminal session returned as active: %v", err)
	}
}

func TestIdempotencyLedger(t *testing.T) {
	s := openTestStore(t)

	first, err := s.MarkProcessed("msg-1", "conv-1", t0, time.Hour)
	if err != nil || !first {
		t.Fatalf("first delivery: first=%v err=%v", first, err)
	}
	again, err := s.MarkProcessed("msg-1", "conv-1", t0.Add(time.Minute), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if again {
		t.Error("redelivery must be detected")
	}

	// After the retention window the key can be purged and reused.
	purged, err := s.PurgeExpiredKeys(t0.Add(2 * time.Hour))
	if err != nil || purged != 1 {
		t.Fatalf("purged=%d err=%v", purged, err)
	}
	fresh, err := s.MarkProcessed("msg-1", "conv-1", t0.Add(3*time.Hour), time.Hour)
	if err != nil || !fresh {
		t.Errorf("post-purge delivery: fresh=%v err=%v", fresh, err)
	}
}

func TestAuditRowsAppend(t *testing.T) {
	s := openTestStore(t)
	audit := NewAudit(s)

	audit.RecordClassification(types.IntentAuditRecord{
		ConversationID: "conv-1", MessageID: "m1", Intent: types.IntentBrowse,
		Confidence: 0.9, Method: types.MethodRule, TaxonomyVer: types.IntentSetVersion, At: t0,
	})
	audit.RecordClassification(types.IntentAuditRecord{
		ConversationID: "conv-1", MessageID: "m2", Intent: types.IntentCheckout,
		Confidence: 0.8, Method: types.MethodModel, TaxonomyVer: types.IntentSetVersion, At: t0,
	})
	audit.RecordValidation(types.ValidationIssueRecord{
		ConversationID: "conv-1", MessageID: "m2", Original: "a", Cleaned: "b",
		Issues: []string{"verbatim_echo"}, At: t0,
	})
	audit.RecordProviderCost(types.ProviderCostRecord{
		TenantID: "tenant-1", Provider: "gemini", Model: "gemini-2.0-flash-lite",
		CostCents: 2, Success: true, At: t0,
	})

	n, err := s.ClassificationCount("conv-1")
	if err != nil || n != 2 {
		t.Errorf("classification rows = %d, err %v", n, err)
	}
}

func TestDocumentSearch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddDocument("tenant-1", "doc-1", "Returns", "Items can be returned within 30 days of delivery.", t0); err != nil {
		t.Fatal(err)
	}
	if err := s.AddDocument("tenant-1", "doc-2", "Shipping", "We ship nationwide within 2 business days.", t0); err != nil {
		t.Fatal(err)
	}
	if err := s.AddDocument("tenant-2", "doc-3", "Returns", "No returns accepted.", t0); err != nil {
		t.Fatal(err)
	}

	chunks, err := s.Search(ctx, "can I return an item", "tenant-1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) == 0 || chunks[0].DocID != "doc-1" {
		t.Errorf("chunks = %+v", chunks)
	}
	// Namespace isolation: tenant-2's conflicting policy never leaks in.
	for _, c := range chunks {
		if c.DocID == "doc-3" {
			t.Error("cross-tenant document leaked into results")
		}
	}

	if _, err := s.Search(ctx, "anything", "", 5); !errors.Is(err, types.ErrTenantScopeMissing) {
		t.Errorf("missing namespace: %v", err)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	s1.Close()

	// Reopening runs migrate again against the existing file.
	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s2.Close()
}
