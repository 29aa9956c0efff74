package types

// =============================================================================
// CLOSED INTENT SET
// =============================================================================

// Intent is one member of the closed, versioned set of customer goals.
// Classification must never produce a value outside this set; anything the
// pipeline cannot map lands on IntentUnknown.
type Intent string

const (
	IntentGreeting      Intent = "greeting"
	IntentBrowse        Intent = "browse"
	IntentProductQuery  Intent = "product_query"
	IntentSelectItem    Intent = "select_item"
	IntentSetQuantity   Intent = "set_quantity"
	IntentCheckout      Intent = "checkout"
	IntentChoosePayment Intent = "choose_payment"
	IntentConfirm       Intent = "confirm"
	IntentCancel        Intent = "cancel"
	IntentOrderStatus   Intent = "order_status"
	IntentFAQ           Intent = "faq"
	IntentHandoff       Intent = "handoff_request"
	IntentSmalltalk     Intent = "smalltalk"
	IntentUnknown       Intent = "unknown"
)

// IntentSetVersion identifies the intent taxonomy revision. Audit records
// carry it so analytics can segment by taxonomy version.
const IntentSetVersion = "2026-02"

// AllIntents lists every member of the closed set, in taxonomy order.
var AllIntents = []Intent{
	IntentGreeting,
	IntentBrowse,
	IntentProductQuery,
	IntentSelectItem,
	IntentSetQuantity,
	IntentCheckout,
	IntentChoosePayment,
	IntentConfirm,
	IntentCancel,
	IntentOrderStatus,
	IntentFAQ,
	IntentHandoff,
	IntentSmalltalk,
	IntentUnknown,
}

// Valid reports whether the intent is a member of the closed set.
func (i Intent) Valid() bool {
	for _, known := range AllIntents {
		if i == known {
			return true
		}
	}
	return false
}

// ClassificationMethod records which pipeline stage produced an intent.
type ClassificationMethod string

const (
	MethodContext ClassificationMethod = "context" // awaiting-response shortcut, no model
	MethodRule    ClassificationMethod = "rule"    // keyword table match
	MethodModel   ClassificationMethod = "model"   // LLM structured-output fallback
)

// Slots are structured attributes extracted from a message.
// Keys are slot names ("quantity", "category", "item_ref", "payment_method").
type Slots map[string]string

// Quantity parses the quantity slot if present and positive.
func (s Slots) Quantity() (int, bool) {
	raw, ok := s["quantity"]
	if !ok {
		return 0, false
	}
	n := 0
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
		if n > 1_000_000 {
			return 0, false
		}
	}
	if n <= 0 {
		return 0, false
	}
	return n, true
}

// ClassificationResult is the outcome of intent classification.
type ClassificationResult struct {
	Intent     Intent
	Confidence float64 // [0,1]; rule matches carry their phrase weight
	Slots      Slots
	Method     ClassificationMethod
	Language   string // keyword-table language that matched, "" when indeterminate
	LatencyMs  int64
}
