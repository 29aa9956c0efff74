// Package types holds the shared domain model for the orchestration engine:
// conversations, reference contexts, checkout sessions, bot actions and the
// error taxonomy. Money is always int64 minor units (cents); totals never
// touch floating point.
package types

import "time"

// =============================================================================
// CATALOG
// =============================================================================

// Item is a tenant catalog item as read through the tenant data access port.
type Item struct {
	ID         string
	Title      string
	PriceCents int64
	Stock      int
}

// =============================================================================
// REFERENCE CONTEXT
// =============================================================================

// ListType distinguishes what kind of list a reference context snapshots.
type ListType string

const (
	ListProducts ListType = "products"
	ListPayments ListType = "payment_methods"
	ListOrders   ListType = "orders"
)

// RefItem is one entry of a displayed list. Position is 1-based, matching
// what the customer sees.
type RefItem struct {
	ID       string
	Title    string
	Position int
}

// ReferenceContext is an immutable, time-boxed snapshot of a displayed list.
// A new list supersedes (never mutates) the previous one of the same type.
type ReferenceContext struct {
	ContextID      string
	ConversationID string
	ListType       ListType
	Items          []RefItem
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the context is past its expiry at the given time.
func (rc *ReferenceContext) Expired(now time.Time) bool {
	return !now.Before(rc.ExpiresAt)
}

// ResolutionStatus is the outcome kind of a reference resolution.
type ResolutionStatus string

const (
	ResolutionResolved  ResolutionStatus = "resolved"
	ResolutionAmbiguous ResolutionStatus = "ambiguous"
	ResolutionNotFound  ResolutionStatus = "not_found"
)

// Resolution is the typed result of resolving a positional or descriptive
// reference. Ambiguous/NotFound are values, never errors: the calling
// handler turns them into a clarification action.
type Resolution struct {
	Status     ResolutionStatus
	Item       RefItem   // set when Status == ResolutionResolved
	Candidates []RefItem // set when Status == ResolutionAmbiguous
	Reason     string    // human-readable detail for NotFound ("expired", "no list shown")
}

// =============================================================================
// CONVERSATION
// =============================================================================

// Conversation is the single-writer state object for one customer-tenant
// pair. It is mutated only by the per-conversation worker that owns it.
type Conversation struct {
	ID         string
	TenantID   string
	CustomerID string

	CurrentFlow      string // "" | "checkout" | "faq" | ...
	AwaitingResponse string // "" | "item_selection" | "quantity" | "payment_method" | "confirmation" | "clarification"

	LastBotMessage      string
	LastCustomerMessage string
	Language            string // ISO 639-1, detected from traffic

	SessionEpoch  int // bumped on session boundary; history is never discarded
	LastMessageAt time.Time

	NeedsHuman         bool
	ClarificationCount int

	CreatedAt  time.Time
	ArchivedAt *time.Time // soft archive only, never hard-deleted
}

// =============================================================================
// CHECKOUT SESSION
// =============================================================================

// CheckoutState is a state of the purchase FSM.
type CheckoutState string

const (
	StateBrowsing         CheckoutState = "browsing"
	StateProductSelected  CheckoutState = "product_selected"
	StateQuantityConfirmd CheckoutState = "quantity_confirmed"
	StatePaymentSelected  CheckoutState = "payment_method_selected"
	StatePaymentInitiated CheckoutState = "payment_initiated"
	StatePaymentConfirmed CheckoutState = "payment_confirmed"
	StateOrderComplete    CheckoutState = "order_complete"
	StateAbandoned        CheckoutState = "abandoned"
)

// Terminal reports whether the state ends a checkout session.
func (s CheckoutState) Terminal() bool {
	return s == StateOrderComplete || s == StateAbandoned
}

// CheckoutSession tracks one purchase attempt from selection to payment.
// A conversation has at most one active (non-terminal) session.
type CheckoutSession struct {
	ID             string
	ConversationID string
	TenantID       string

	State          CheckoutState
	SelectedItemID string
	SelectedTitle  string
	UnitPriceCents int64
	Quantity       int
	PaymentMethod  string

	OrderRef   string
	PaymentRef string
	TotalCents int64 // computed at quantity_confirmed -> payment_method_selected, never cached earlier

	// MessageCount counts customer messages between product_selected and
	// payment_initiated; exceeding the cap signals, it never blocks.
	MessageCount int

	StartedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	AbandonedAt *time.Time

	// FlaggedForReview is set on payment amount mismatch; the session halts
	// for manual review instead of silently adjusting.
	FlaggedForReview bool
}

// Active reports whether the session is still in a non-terminal state.
func (cs *CheckoutSession) Active() bool {
	return cs != nil && !cs.State.Terminal()
}

// =============================================================================
// INBOUND / CALLBACK ENVELOPES
// =============================================================================

// InboundMessage is what the channel adapter delivers. The engine never sees
// raw channel wire format.
type InboundMessage struct {
	TenantID       string
	ConversationID string
	CustomerID     string
	MessageID      string // idempotency key; delivery is at-least-once
	Text           string
	ButtonPayload  string // set instead of Text for button taps
	Timestamp      time.Time
}

// Body returns the button payload if present, else the text.
func (m InboundMessage) Body() string {
	if m.ButtonPayload != "" {
		return m.ButtonPayload
	}
	return m.Text
}

// PaymentCallback arrives asynchronously from the payment gateway adapter.
// It is the only path to payment_confirmed.
type PaymentCallback struct {
	TenantID       string
	ConversationID string
	PaymentRef     string
	Status         string // "confirmed" | "failed"
	AmountCents    int64
	Timestamp      time.Time
}

// =============================================================================
// RETRIEVAL FACTS
// =============================================================================

// FactSource identifies where a grounding fact came from.
type FactSource string

const (
	SourceDocument FactSource = "document" // tenant documents, priority 1
	SourceDatabase FactSource = "database" // live tenant DB, priority 2
	SourceExternal FactSource = "external" // cache-only enrichment, priority 3
)

// Fact is a single retrieved grounding fact. Lower Priority wins conflicts.
type Fact struct {
	Key       string // normalized subject, e.g. "price:sku-1", "policy:returns"
	Text      string
	Source    FactSource
	Priority  int
	Score     float64
	IndexedAt time.Time
	Conflict  bool // equal-priority conflict surfaced, most recent kept
}

// Synthesis is the merged retrieval result. Confidence 0 means no source
// returned anything above threshold and the caller must answer with explicit
// uncertainty plus a handoff offer.
type Synthesis struct {
	Facts      []Fact
	Confidence float64
}

// =============================================================================
// AUDIT RECORDS
// =============================================================================

// IntentAuditRecord is the append-only classification audit entry. It is
// write-only: never read back into the live decision path.
type IntentAuditRecord struct {
	ConversationID string
	MessageID      string
	Intent         Intent
	Confidence     float64
	Method         ClassificationMethod
	Slots          Slots
	LatencyMs      int64
	TaxonomyVer    string
	At             time.Time
}

// ValidationIssueRecord logs one grounding/validation removal.
type ValidationIssueRecord struct {
	ConversationID string
	MessageID      string
	Original       string
	Cleaned        string
	Issues         []string
	At             time.Time
}

// ProviderCostRecord logs one model call for budget analytics.
type ProviderCostRecord struct {
	TenantID  string
	Provider  string
	Model     string
	CostCents int64
	LatencyMs int64
	Success   bool
	At        time.Time
}
