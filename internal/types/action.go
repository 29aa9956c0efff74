package types

// =============================================================================
// BOT ACTION
// =============================================================================

// ActionType classifies what a handler wants rendered.
type ActionType string

const (
	ActionReply   ActionType = "reply"   // plain text response
	ActionList    ActionType = "list"    // numbered/rich list (creates a reference context)
	ActionClarify ActionType = "clarify" // clarification question
	ActionHandoff ActionType = "handoff" // suppress automation, flag for human
	ActionNone    ActionType = "none"    // suppressed (e.g. awaiting payment callback)
)

// SideEffectType enumerates declarative side effects a handler may request.
// The engine executes them in a single transaction boundary per message,
// which keeps handler logic testable without a live database.
type SideEffectType string

const (
	EffectCreateOrder     SideEffectType = "create_order"
	EffectInitiatePayment SideEffectType = "initiate_payment"
	EffectCompleteOrder   SideEffectType = "complete_order"
	EffectAbandonSession  SideEffectType = "abandon_session"
	EffectFlagReview      SideEffectType = "flag_manual_review"
	EffectMarkNeedsHuman  SideEffectType = "mark_needs_human"
)

// SideEffect is one declarative side-effect entry.
type SideEffect struct {
	Type    SideEffectType
	Payload map[string]string
}

// ContextUpdates carries conversation-state mutations a handler requests.
// Nil pointer fields mean "leave unchanged"; empty-string values clear.
type ContextUpdates struct {
	AwaitingResponse *string
	CurrentFlow      *string
	Language         *string
}

// StringPtr is a small helper for building ContextUpdates literals.
func StringPtr(s string) *string { return &s }

// BotAction is the single channel by which a handler communicates with the
// renderer and the context store. It is transient and never persisted.
type BotAction struct {
	Type              ActionType
	Text              string
	ListType          ListType // set with ActionList
	ListItems         []RefItem
	StructuredPayload map[string]string
	ContextUpdates    ContextUpdates
	SideEffects       []SideEffect
}
