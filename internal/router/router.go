// Package router maps a classified intent to exactly one handler through a
// static dispatch table resolved at construction. Handlers are deterministic:
// given the same conversation state and classification they produce the same
// action. Anything nondeterministic (models, clocks, payment gateways) stays
// outside.
package router

import (
	"context"
	"fmt"
	"time"

	"cartbot/internal/checkout"
	"cartbot/internal/logging"
	"cartbot/internal/refstore"
	"cartbot/internal/retrieval"
	"cartbot/internal/tenant"
	"cartbot/internal/types"
)

// Env is everything a handler may consult for one turn. Handlers read from
// it and return actions; only the conversation and checkout session structs
// are mutated, and only by their single-writer worker.
type Env struct {
	Conv    *types.Conversation
	Session *types.CheckoutSession
	Msg     types.InboundMessage
	Result  types.ClassificationResult

	Data  tenant.DataAccess
	Refs  *refstore.Store
	FSM   *checkout.Machine
	Synth *retrieval.Synthesizer

	Now time.Time

	// Facts collects the grounding facts the handler's reply relies on, for
	// the response validator downstream.
	Facts []types.Fact
}

// Handler produces the bot action for one intent.
type Handler func(ctx context.Context, env *Env) (types.BotAction, error)

// Config tunes the router.
type Config struct {
	ConfidenceThreshold float64
	MaxClarifications   int
}

// Router dispatches intents to handlers.
type Router struct {
	handlers          map[types.Intent]Handler
	threshold         float64
	maxClarifications int
}

// New builds the dispatch table. Every intent in the closed set gets a
// handler here; a missing entry is a programming error surfaced at startup.
func New(cfg Config) (*Router, error) {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.65
	}
	if cfg.MaxClarifications <= 0 {
		cfg.MaxClarifications = 2
	}
	r := &Router{
		threshold:         cfg.ConfidenceThreshold,
		maxClarifications: cfg.MaxClarifications,
	}
	r.handlers = map[types.Intent]Handler{
		types.IntentGreeting:      handleGreeting,
		types.IntentBrowse:        handleBrowse,
		types.IntentProductQuery:  handleProductQuery,
		types.IntentSelectItem:    handleSelectItem,
		types.IntentSetQuantity:   handleSetQuantity,
		types.IntentCheckout:      handleCheckout,
		types.IntentChoosePayment: handleChoosePayment,
		types.IntentConfirm:       handleConfirm,
		types.IntentCancel:        handleCancel,
		types.IntentOrderStatus:   handleOrderStatus,
		types.IntentFAQ:           handleFAQ,
		types.IntentHandoff:       handleHandoff,
		types.IntentSmalltalk:     handleSmalltalk,
		types.IntentUnknown:       handleUnknown,
	}
	for _, intent := range types.AllIntents {
		if r.handlers[intent] == nil {
			return nil, fmt.Errorf("no handler registered for intent %q", intent)
		}
	}
	return r, nil
}

// Route dispatches one classified message. Low-confidence classifications
// become clarification questions; repeated clarification failure hands the
// conversation to a human.
func (r *Router) Route(ctx context.Context, env *Env) (types.BotAction, error) {
	if env.Conv.TenantID == "" || env.Msg.TenantID == "" {
		return types.BotAction{}, types.ErrTenantScopeMissing
	}

	if env.Result.Confidence < r.threshold {
		return r.clarify(env), nil
	}
	env.Conv.ClarificationCount = 0

	handler := r.handlers[env.Result.Intent]
	if handler == nil {
		// The classifier enforces the closed set, so this means table drift.
		logging.Routing("no handler for %q, treating as unknown", env.Result.Intent)
		handler = handleUnknown
	}
	logging.RoutingDebug("dispatch conv=%s intent=%s conf=%.2f method=%s",
		env.Conv.ID, env.Result.Intent, env.Result.Confidence, env.Result.Method)
	return handler(ctx, env)
}

// clarify asks the customer to disambiguate, naming the two most plausible
// readings when the classifier surfaced a runner-up. After the configured
// number of attempts the conversation goes to a human instead of looping.
func (r *Router) clarify(env *Env) types.BotAction {
	env.Conv.ClarificationCount++
	if env.Conv.ClarificationCount > r.maxClarifications {
		logging.Routing("conv=%s clarification limit reached, handing off", env.Conv.ID)
		return types.BotAction{
			Type:           types.ActionHandoff,
			Text:           "I'm having trouble understanding. Let me get a teammate to help you — one moment.",
			ContextUpdates: types.ContextUpdates{AwaitingResponse: types.StringPtr("")},
			SideEffects:    []types.SideEffect{{Type: types.EffectMarkNeedsHuman}},
		}
	}

	text := "Sorry, I didn't quite catch that. Could you rephrase?"
	if alt := env.Result.Slots["alternate_intent"]; alt != "" {
		text = fmt.Sprintf("Just to be sure — did you want to %s or %s?",
			describeIntent(env.Result.Intent), describeIntent(types.Intent(alt)))
	}
	return types.BotAction{
		Type:           types.ActionClarify,
		Text:           text,
		ContextUpdates: types.ContextUpdates{AwaitingResponse: types.StringPtr("clarification")},
	}
}

func describeIntent(intent types.Intent) string {
	switch intent {
	case types.IntentBrowse:
		return "see our products"
	case types.IntentProductQuery:
		return "ask about a product"
	case types.IntentCheckout:
		return "place an order"
	case types.IntentOrderStatus:
		return "check an order"
	case types.IntentCancel:
		return "cancel"
	case types.IntentFAQ:
		return "ask a question"
	default:
		return "do something else"
	}
}
