// Package tenant defines the collaborator contracts the engine consumes:
// catalog reads, order/payment writes, rendering, document search and audit.
// Implementations live outside the core; every call is mandatorily scoped by
// tenant id.
package tenant

import (
	"context"
	"time"

	"cartbot/internal/types"
)

// CatalogReader reads tenant catalog data. Price and stock reads are
// always-current; the engine never caches them across turns.
type CatalogReader interface {
	ListItems(ctx context.Context, tenantID string) ([]types.Item, error)
	GetItem(ctx context.Context, tenantID, itemID string) (types.Item, error)
}

// Order is an order record as seen through the data access port.
type Order struct {
	Ref            string
	TenantID       string
	ConversationID string
	ItemID         string
	Quantity       int
	TotalCents     int64
	Status         string // pending_payment | paid | completed | cancelled
	CreatedAt      time.Time
}

// Order status values.
const (
	OrderPendingPayment = "pending_payment"
	OrderPaid           = "paid"
	OrderCompleted      = "completed"
	OrderCancelled      = "cancelled"
)

// OrderWriter creates and advances orders. CreateOrder computes the total
// server-side as Σ(unit price × quantity) read at call time.
type OrderWriter interface {
	CreateOrder(ctx context.Context, tenantID, conversationID, itemID string, quantity int) (Order, error)
	GetOrder(ctx context.Context, tenantID, orderRef string) (Order, error)
	UpdateStatus(ctx context.Context, tenantID, orderRef, status string) error
	LatestOrder(ctx context.Context, tenantID, conversationID string) (Order, bool, error)
}

// PaymentInitiator fronts the payment gateway adapter. Callbacks arrive
// asynchronously and carry the original payment ref for correlation.
type PaymentInitiator interface {
	Initiate(ctx context.Context, tenantID, orderRef string, amountCents int64, method string) (paymentRef string, err error)
	Methods(ctx context.Context, tenantID string) ([]string, error)
}

// DataAccess bundles the tenant-scoped ports handlers receive.
type DataAccess struct {
	Catalog  CatalogReader
	Orders   OrderWriter
	Payments PaymentInitiator
}

// Renderer accepts a BotAction and produces channel-native output. On
// formatting failure the engine retries with a plain-text numbered list.
type Renderer interface {
	Render(ctx context.Context, conversationID string, action types.BotAction) error
}

// Chunk is one retrieved document fragment.
type Chunk struct {
	DocID     string
	Text      string
	Score     float64
	IndexedAt time.Time
}

// DocumentSearcher fronts the document/vector store for the retrieval
// synthesizer.
type DocumentSearcher interface {
	Search(ctx context.Context, query, tenantNamespace string, topK int) ([]Chunk, error)
}

// EnrichmentCache serves optional external facts. Cache-only: a miss is a
// miss, the engine never fetches externally on the hot path.
type EnrichmentCache interface {
	Lookup(ctx context.Context, tenantID, query string) (string, bool)
}

// AuditSink receives classification records, validation issue logs and
// provider cost events. Write-only, fire-and-forget.
type AuditSink interface {
	RecordClassification(rec types.IntentAuditRecord)
	RecordValidation(rec types.ValidationIssueRecord)
	RecordProviderCost(rec types.ProviderCostRecord)
}
