package tenant

import (
	"context"
	"errors"
	"strings"
	"testing"

	"cartbot/internal/types"
)

func seededMemory() *Memory {
	m := NewMemory()
	m.SeedCatalog("tenant-1", []types.Item{
		{ID: "sku-1", Title: "Red Shoes", PriceCents: 1500, Stock: 10},
		{ID: "sku-2", Title: "Blue Shirt", PriceCents: 900, Stock: 3},
	})
	m.SeedCatalog("tenant-2", []types.Item{
		{ID: "sku-1", Title: "Green Hat", PriceCents: 500, Stock: 1},
	})
	return m
}

func TestTenantScopeRequired(t *testing.T) {
	m := seededMemory()
	ctx := context.Background()

	if _, err := m.ListItems(ctx, ""); !errors.Is(err, types.ErrTenantScopeMissing) {
		t.Errorf("ListItems without tenant: %v", err)
	}
	if _, err := m.CreateOrder(ctx, "", "conv-1", "sku-1", 1); !errors.Is(err, types.ErrTenantScopeMissing) {
		t.Errorf("CreateOrder without tenant: %v", err)
	}
	if _, err := m.Initiate(ctx, "", "ord-1", 100, "cod"); !errors.Is(err, types.ErrTenantScopeMissing) {
		t.Errorf("Initiate without tenant: %v", err)
	}
}

func TestCatalogIsolation(t *testing.T) {
	m := seededMemory()
	ctx := context.Background()

	// Same item id, different tenants, different items.
	a, err := m.GetItem(ctx, "tenant-1", "sku-1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.GetItem(ctx, "tenant-2", "sku-1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Title == b.Title {
		t.Error("tenants must not share catalog rows")
	}
}

func TestOrderLifecycle(t *testing.T) {
	m := seededMemory()
	ctx := context.Background()

	order, err := m.CreateOrder(ctx, "tenant-1", "conv-1", "sku-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if order.TotalCents != 3000 {
		t.Errorf("total = %d, want 3000 (1500 x 2)", order.TotalCents)
	}
	if order.Status != OrderPendingPayment {
		t.Errorf("status = %s", order.Status)
	}
	if !strings.HasPrefix(order.Ref, "ord_") {
		t.Errorf("ref = %s", order.Ref)
	}

	// Cross-tenant reads miss.
	if _, err := m.GetOrder(ctx, "tenant-2", order.Ref); err == nil {
		t.Error("tenant-2 must not see tenant-1 orders")
	}

	if err := m.UpdateStatus(ctx, "tenant-1", order.Ref, OrderPaid); err != nil {
		t.Fatal(err)
	}
	got, err := m.GetOrder(ctx, "tenant-1", order.Ref)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != OrderPaid {
		t.Errorf("status = %s, want paid", got.Status)
	}

	latest, ok, err := m.LatestOrder(ctx, "tenant-1", "conv-1")
	if err != nil || !ok {
		t.Fatalf("LatestOrder: ok=%v err=%v", ok, err)
	}
	if latest.Ref != order.Ref {
		t.Errorf("latest = %s, want %s", latest.Ref, order.Ref)
	}
}

func TestPaymentInitiateAndCorrelate(t *testing.T) {
	m := seededMemory()
	ctx := context.Background()

	order, err := m.CreateOrder(ctx, "tenant-1", "conv-1", "sku-2", 1)
	if err != nil {
		t.Fatal(err)
	}
	payRef, err := m.Initiate(ctx, "tenant-1", order.Ref, order.TotalCents, "cod")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(payRef, "pay_") {
		t.Errorf("payment ref = %s", payRef)
	}
	orderRef, ok := m.OrderForPayment(payRef)
	if !ok || orderRef != order.Ref {
		t.Errorf("correlation: got %s ok=%v", orderRef, ok)
	}

	// Unknown order rejected.
	if _, err := m.Initiate(ctx, "tenant-1", "ord_nope", 100, "cod"); err == nil {
		t.Error("unknown order must not accept payment")
	}
}

func TestCaptureRendererFallbackSignal(t *testing.T) {
	r := &CaptureRenderer{FailFormatted: true}
	ctx := context.Background()

	structured := types.BotAction{
		Type:              types.ActionList,
		StructuredPayload: map[string]string{"kind": "carousel"},
	}
	if err := r.Render(ctx, "conv-1", structured); err == nil {
		t.Fatal("structured payload should have been rejected")
	}

	plain := types.BotAction{Type: types.ActionList, Text: "1. Red Shoes\n2. Blue Shirt"}
	if err := r.Render(ctx, "conv-1", plain); err != nil {
		t.Fatalf("plain fallback rejected: %v", err)
	}
	last, ok := r.Last()
	if !ok || last.Text == "" {
		t.Error("fallback action not captured")
	}
}

func TestStaticCacheLookup(t *testing.T) {
	c := NewStaticCache()
	c.Put("tenant-1", "shipping", "Orders ship within 2 business days.")

	if _, ok := c.Lookup(context.Background(), "tenant-1", "returns"); ok {
		t.Error("miss expected for unseeded query")
	}
	fact, ok := c.Lookup(context.Background(), "tenant-1", "shipping")
	if !ok || fact == "" {
		t.Error("seeded fact not found")
	}
	if _, ok := c.Lookup(context.Background(), "tenant-2", "shipping"); ok {
		t.Error("cache must be tenant-scoped")
	}
}
