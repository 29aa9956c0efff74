package tenant

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"cartbot/internal/types"
)

// ============================================================================
// IN-MEMORY IMPLEMENTATIONS
// ============================================================================
// Backing store for tests and the demo CLI. Every method enforces the
// tenant-scope invariant before touching data.

// Memory implements CatalogReader, OrderWriter and PaymentInitiator over maps.
type Memory struct {
	mu       sync.RWMutex
	catalogs map[string][]types.Item // tenantID -> items
	methods  map[string][]string     // tenantID -> payment methods
	orders   map[string]Order        // orderRef -> order
	payments map[string]string       // paymentRef -> orderRef

	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		catalogs: make(map[string][]types.Item),
		methods:  make(map[string][]string),
		orders:   make(map[string]Order),
		payments: make(map[string]string),
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		now:      time.Now,
	}
}

// SeedCatalog replaces a tenant's catalog.
func (m *Memory) SeedCatalog(tenantID string, items []types.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalogs[tenantID] = append([]types.Item(nil), items...)
}

// SeedPaymentMethods replaces a tenant's accepted payment methods.
func (m *Memory) SeedPaymentMethods(tenantID string, methods []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methods[tenantID] = append([]string(nil), methods...)
}

// SetPrice adjusts the live price for one item.
func (m *Memory) SetPrice(tenantID, itemID string, priceCents int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.catalogs[tenantID]
	for i := range items {
		if items[i].ID == itemID {
			items[i].PriceCents = priceCents
		}
	}
}

// SetStock adjusts live stock for one item.
func (m *Memory) SetStock(tenantID, itemID string, stock int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.catalogs[tenantID]
	for i := range items {
		if items[i].ID == itemID {
			items[i].Stock = stock
		}
	}
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return types.ErrTenantScopeMissing
	}
	return nil
}

func (m *Memory) newRef(prefix string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("%s_%s", prefix, ulid.MustNew(ulid.Timestamp(m.now()), m.entropy))
}

// ====== CatalogReader ======

func (m *Memory) ListItems(_ context.Context, tenantID string) ([]types.Item, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.Item(nil), m.catalogs[tenantID]...), nil
}

func (m *Memory) GetItem(_ context.Context, tenantID, itemID string) (types.Item, error) {
	if err := requireTenant(tenantID); err != nil {
		return types.Item{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, it := range m.catalogs[tenantID] {
		if it.ID == itemID {
			return it, nil
		}
	}
	return types.Item{}, fmt.Errorf("item %q not found for tenant %q", itemID, tenantID)
}

// ====== OrderWriter ======

func (m *Memory) CreateOrder(ctx context.Context, tenantID, conversationID, itemID string, quantity int) (Order, error) {
	if err := requireTenant(tenantID); err != nil {
		return Order{}, err
	}
	item, err := m.GetItem(ctx, tenantID, itemID)
	if err != nil {
		return Order{}, err
	}
	order := Order{
		Ref:            m.newRef("ord"),
		TenantID:       tenantID,
		ConversationID: conversationID,
		ItemID:         itemID,
		Quantity:       quantity,
		TotalCents:     item.PriceCents * int64(quantity),
		Status:         OrderPendingPayment,
		CreatedAt:      m.now(),
	}
	m.mu.Lock()
	m.orders[order.Ref] = order
	m.mu.Unlock()
	return order, nil
}

func (m *Memory) GetOrder(_ context.Context, tenantID, orderRef string) (Order, error) {
	if err := requireTenant(tenantID); err != nil {
		return Order{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.orders[orderRef]
	if !ok || order.TenantID != tenantID {
		return Order{}, fmt.Errorf("order %q not found for tenant %q", orderRef, tenantID)
	}
	return order, nil
}

func (m *Memory) UpdateStatus(_ context.Context, tenantID, orderRef, status string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderRef]
	if !ok || order.TenantID != tenantID {
		return fmt.Errorf("order %q not found for tenant %q", orderRef, tenantID)
	}
	order.Status = status
	m.orders[orderRef] = order
	return nil
}

func (m *Memory) LatestOrder(_ context.Context, tenantID, conversationID string) (Order, bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return Order{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var candidates []Order
	for _, o := range m.orders {
		if o.TenantID == tenantID && o.ConversationID == conversationID {
			candidates = append(candidates, o)
		}
	}
	if len(candidates) == 0 {
		return Order{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].Ref > candidates[j].Ref
		}
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	return candidates[0], true, nil
}

// ====== PaymentInitiator ======

func (m *Memory) Initiate(_ context.Context, tenantID, orderRef string, amountCents int64, method string) (string, error) {
	if err := requireTenant(tenantID); err != nil {
		return "", err
	}
	m.mu.RLock()
	order, ok := m.orders[orderRef]
	m.mu.RUnlock()
	if !ok || order.TenantID != tenantID {
		return "", fmt.Errorf("order %q not found for tenant %q", orderRef, tenantID)
	}
	ref := m.newRef("pay")
	m.mu.Lock()
	m.payments[ref] = orderRef
	m.mu.Unlock()
	_ = amountCents
	_ = method
	return ref, nil
}

func (m *Memory) Methods(_ context.Context, tenantID string) ([]string, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ms, ok := m.methods[tenantID]; ok {
		return append([]string(nil), ms...), nil
	}
	return []string{"cod", "bank_transfer"}, nil
}

// OrderForPayment resolves a payment ref back to its order ref.
func (m *Memory) OrderForPayment(paymentRef string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.payments[paymentRef]
	return ref, ok
}

// ============================================================================
// CAPTURE RENDERER
// ============================================================================

// CaptureRenderer records rendered actions for assertions. FailFormatted
// simulates a channel rejecting structured payloads so callers exercise the
// plain-text fallback.
type CaptureRenderer struct {
	mu            sync.Mutex
	Actions       []types.BotAction
	FailFormatted bool
}

func (r *CaptureRenderer) Render(_ context.Context, _ string, action types.BotAction) error {
	if r.FailFormatted && action.Type == types.ActionList && len(action.StructuredPayload) > 0 {
		return fmt.Errorf("channel rejected structured payload")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Actions = append(r.Actions, action)
	return nil
}

// Last returns the most recently rendered action.
func (r *CaptureRenderer) Last() (types.BotAction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Actions) == 0 {
		return types.BotAction{}, false
	}
	return r.Actions[len(r.Actions)-1], true
}

// ============================================================================
// MEMORY AUDIT SINK
// ============================================================================

// MemoryAudit buffers audit records in memory.
type MemoryAudit struct {
	mu              sync.Mutex
	Classifications []types.IntentAuditRecord
	Validations     []types.ValidationIssueRecord
	Costs           []types.ProviderCostRecord
}

func (a *MemoryAudit) RecordClassification(rec types.IntentAuditRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Classifications = append(a.Classifications, rec)
}

// ClassificationLog returns a snapshot of the recorded classifications.
func (a *MemoryAudit) ClassificationLog() []types.IntentAuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.IntentAuditRecord(nil), a.Classifications...)
}

func (a *MemoryAudit) RecordValidation(rec types.ValidationIssueRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Validations = append(a.Validations, rec)
}

func (a *MemoryAudit) RecordProviderCost(rec types.ProviderCostRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Costs = append(a.Costs, rec)
}

// ============================================================================
// STATIC ENRICHMENT CACHE
// ============================================================================

// StaticCache is a pre-seeded enrichment cache keyed by tenant and query
// substring.
type StaticCache struct {
	mu      sync.RWMutex
	entries map[string]map[string]string // tenantID -> query -> fact
}

// NewStaticCache creates an empty cache.
func NewStaticCache() *StaticCache {
	return &StaticCache{entries: make(map[string]map[string]string)}
}

// Put seeds one cached fact.
func (c *StaticCache) Put(tenantID, query, fact string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[tenantID] == nil {
		c.entries[tenantID] = make(map[string]string)
	}
	c.entries[tenantID][query] = fact
}

func (c *StaticCache) Lookup(_ context.Context, tenantID, query string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fact, ok := c.entries[tenantID][query]
	return fact, ok
}
