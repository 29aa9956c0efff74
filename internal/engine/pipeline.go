package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cartbot/internal/checkout"
	"cartbot/internal/logging"
	"cartbot/internal/router"
	"cartbot/internal/store"
	"cartbot/internal/tenant"
	"cartbot/internal/types"
)

// ============================================================================
// MESSAGE PIPELINE
// ============================================================================

// process runs one inbound message through the full pipeline: idempotency,
// session boundary, classification, routing, side effects, grounding,
// rendering, persistence.
func (e *Engine) process(ctx context.Context, msg types.InboundMessage) {
	now := e.now()
	timer := logging.StartTimer(logging.CategoryConversation, "process "+msg.MessageID)
	defer timer.StopWithThreshold(2 * time.Second)

	// Delivery is at-least-once; the ledger makes processing exactly-once.
	first, err := e.deps.Store.MarkProcessed(msg.MessageID, msg.ConversationID, now, e.deps.Config.IdempotencyTTL())
	if err != nil {
		logging.Store("idempotency check failed for %s, processing anyway: %v", msg.MessageID, err)
	} else if !first {
		logging.Conversation("duplicate delivery of %s dropped", msg.MessageID)
		return
	}

	conv, err := e.loadOrCreateConversation(msg, now)
	if err != nil {
		logging.Get(logging.CategoryConversation).Error("failed to load conversation %s: %v", msg.ConversationID, err)
		return
	}

	if e.deps.Refs.ApplySessionBoundary(conv, now) {
		logging.Conversation("conv=%s session boundary crossed, epoch now %d", conv.ID, conv.SessionEpoch)
	}
	conv.LastCustomerMessage = msg.Body()
	conv.LastMessageAt = now

	// A human owns the conversation; the bot stays quiet.
	if conv.NeedsHuman {
		logging.Conversation("conv=%s suppressed (needs_human)", conv.ID)
		e.persist(conv, nil)
		return
	}

	session := e.loadActiveSession(conv.ID)

	result := e.deps.Classifier.Classify(ctx, conv, msg)
	if result.Language != "" && result.Language != conv.Language {
		logging.ConversationDebug("conv=%s language %q -> %q", conv.ID, conv.Language, result.Language)
		conv.Language = result.Language
	}
	if e.deps.Audit != nil {
		e.deps.Audit.RecordClassification(types.IntentAuditRecord{
			ConversationID: conv.ID,
			MessageID:      msg.MessageID,
			Intent:         result.Intent,
			Confidence:     result.Confidence,
			Method:         result.Method,
			Slots:          result.Slots,
			LatencyMs:      result.LatencyMs,
			TaxonomyVer:    types.IntentSetVersion,
			At:             now,
		})
	}

	if session.Active() {
		e.deps.FSM.RecordCustomerMessage(session)
	}

	// After payment is initiated the gateway drives the flow; chat only
	// answers questions that make sense while waiting.
	if session.Active() && session.State == types.StatePaymentInitiated && !allowedWhilePaying(result.Intent) {
		action := types.BotAction{
			Type: types.ActionReply,
			Text: "Your payment is being processed. I'll confirm here the moment it lands!",
		}
		e.deliver(ctx, conv, msg, action, nil)
		e.persist(conv, session)
		return
	}

	env := &router.Env{
		Conv:    conv,
		Session: session,
		Msg:     msg,
		Result:  result,
		Data:    e.deps.Data,
		Refs:    e.deps.Refs,
		FSM:     e.deps.FSM,
		Synth:   e.deps.Synth,
		Now:     now,
	}
	action, err := e.deps.Router.Route(ctx, env)
	if err != nil {
		logging.Get(logging.CategoryRouting).Error("conv=%s routing failed: %v", conv.ID, err)
		action = apologyAction()
	}
	session = env.Session

	for _, effect := range action.SideEffects {
		e.applyEffect(ctx, conv, env, effect, &action, now)
	}
	session = env.Session

	applyContextUpdates(conv, action.ContextUpdates)
	e.deliver(ctx, conv, msg, action, env.Facts)
	e.persist(conv, session)
}

func allowedWhilePaying(intent types.Intent) bool {
	switch intent {
	case types.IntentOrderStatus, types.IntentHandoff, types.IntentCancel,
		types.IntentFAQ, types.IntentProductQuery:
		return true
	}
	return false
}

// apologyAction is the response of last resort for unexpected failures:
// apologize and bring in a human, never a stack trace.
func apologyAction() types.BotAction {
	return types.BotAction{
		Type:           types.ActionHandoff,
		Text:           "Sorry, something went wrong on my end. I'm bringing in a teammate to sort this out.",
		ContextUpdates: types.ContextUpdates{AwaitingResponse: types.StringPtr("")},
		SideEffects:    []types.SideEffect{{Type: types.EffectMarkNeedsHuman}},
	}
}

func (e *Engine) loadOrCreateConversation(msg types.InboundMessage, now time.Time) (*types.Conversation, error) {
	conv, err := e.deps.Store.GetConversation(msg.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		conv = &types.Conversation{
			ID:         msg.ConversationID,
			TenantID:   msg.TenantID,
			CustomerID: msg.CustomerID,
			CreatedAt:  now,
		}
		return conv, nil
	}
	if err != nil {
		return nil, err
	}
	if conv.TenantID != msg.TenantID {
		return nil, fmt.Errorf("conversation %s belongs to another tenant", msg.ConversationID)
	}
	return conv, nil
}

func (e *Engine) loadActiveSession(conversationID string) *types.CheckoutSession {
	session, err := e.deps.Store.ActiveCheckoutSession(conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		logging.Store("failed to load checkout session for %s: %v", conversationID, err)
		return nil
	}
	return session
}

// ============================================================================
// SIDE EFFECTS
// ============================================================================

// applyEffect executes one declarative side effect. Failures downgrade the
// action to an apology; partial state is persisted as-is so a retry starts
// from truth.
func (e *Engine) applyEffect(ctx context.Context, conv *types.Conversation, env *router.Env, effect types.SideEffect, action *types.BotAction, now time.Time) {
	switch effect.Type {
	case types.EffectCreateOrder:
		session := env.Session
		if !session.Active() {
			return
		}
		quoted := checkout.OrderTotalCents(session.UnitPriceCents, session.Quantity)
		order, err := e.deps.Data.Orders.CreateOrder(ctx, conv.TenantID, conv.ID, session.SelectedItemID, session.Quantity)
		if err != nil {
			logging.Get(logging.CategoryCheckout).Error("conv=%s order creation failed: %v", conv.ID, err)
			*action = apologyAction()
			return
		}
		unit := order.TotalCents / int64(order.Quantity)
		if err := e.deps.FSM.AttachOrder(session, order.Ref, effect.Payload["payment_method"], unit, now); err != nil {
			logging.Get(logging.CategoryCheckout).Error("conv=%s attach order failed: %v", conv.ID, err)
			*action = apologyAction()
			return
		}
		// The confirmation must carry the created order's total. A catalog
		// reprice between the quote and the order makes them diverge; the
		// customer confirms the real amount, never a stale one.
		if order.TotalCents != quoted {
			logging.CheckoutWarn("conv=%s quoted total %d diverged from order total %d, requoting",
				conv.ID, quoted, order.TotalCents)
			action.Text = fmt.Sprintf("Quick update: your total is now %s for %d x %s. Shall I place the order?",
				router.FormatCents(order.TotalCents), order.Quantity, session.SelectedTitle)
		}

	case types.EffectInitiatePayment:
		session := env.Session
		if !session.Active() || session.OrderRef == "" {
			return
		}
		order, err := e.deps.Data.Orders.GetOrder(ctx, conv.TenantID, session.OrderRef)
		if err != nil {
			logging.Get(logging.CategoryCheckout).Error("conv=%s order lookup failed: %v", conv.ID, err)
			*action = apologyAction()
			return
		}
		payRef, err := e.deps.Data.Payments.Initiate(ctx, conv.TenantID, order.Ref, order.TotalCents, session.PaymentMethod)
		if err != nil {
			logging.Get(logging.CategoryCheckout).Error("conv=%s payment initiation failed: %v", conv.ID, err)
			*action = apologyAction()
			return
		}
		if err := e.deps.FSM.InitiatePayment(session, payRef, order.TotalCents, now); err != nil {
			var mismatch *types.PaymentAmountMismatchError
			if errors.As(err, &mismatch) {
				action.Text = "Something looks off with the payment amount, so I've paused the order for a quick manual check. A teammate will follow up shortly."
				action.SideEffects = nil
				return
			}
			logging.Get(logging.CategoryCheckout).Error("conv=%s initiate transition failed: %v", conv.ID, err)
			*action = apologyAction()
			return
		}

	case types.EffectCompleteOrder:
		session := env.Session
		if session == nil || session.OrderRef == "" {
			return
		}
		if err := e.deps.Data.Orders.UpdateStatus(ctx, conv.TenantID, session.OrderRef, tenant.OrderCompleted); err != nil {
			logging.Get(logging.CategoryCheckout).Error("conv=%s order completion failed: %v", conv.ID, err)
		}

	case types.EffectAbandonSession:
		if env.Session.Active() {
			e.deps.FSM.Abandon(env.Session, effect.Payload["reason"], now)
		}

	case types.EffectFlagReview:
		if env.Session != nil {
			env.Session.FlaggedForReview = true
		}

	case types.EffectMarkNeedsHuman:
		conv.NeedsHuman = true
	}
}

func applyContextUpdates(conv *types.Conversation, updates types.ContextUpdates) {
	if updates.AwaitingResponse != nil {
		conv.AwaitingResponse = *updates.AwaitingResponse
	}
	if updates.CurrentFlow != nil {
		conv.CurrentFlow = *updates.CurrentFlow
	}
	if updates.Language != nil {
		conv.Language = *updates.Language
	}
}

// ============================================================================
// DELIVERY
// ============================================================================

// deliver validates the response and renders it. A channel that rejects the
// structured payload gets a plain-text retry; a response the validator
// empties falls back to a neutral prompt.
func (e *Engine) deliver(ctx context.Context, conv *types.Conversation, msg types.InboundMessage, action types.BotAction, facts []types.Fact) {
	if action.Type == types.ActionNone || action.Text == "" {
		return
	}

	result := e.deps.Validator.Validate(action.Text, msg.Body(), facts)
	if len(result.Issues) > 0 && e.deps.Audit != nil {
		codes := make([]string, len(result.Issues))
		for i, issue := range result.Issues {
			codes[i] = issue.Code
		}
		e.deps.Audit.RecordValidation(types.ValidationIssueRecord{
			ConversationID: conv.ID,
			MessageID:      msg.MessageID,
			Original:       action.Text,
			Cleaned:        result.Text,
			Issues:         codes,
			At:             e.now(),
		})
	}
	if result.Text == "" {
		result.Text = "Could you tell me a bit more about what you need?"
	}
	action.Text = result.Text

	if err := e.deps.Renderer.Render(ctx, conv.ID, action); err != nil {
		if len(action.StructuredPayload) == 0 {
			logging.Get(logging.CategoryConversation).Error("conv=%s render failed: %v", conv.ID, err)
			return
		}
		// Plain-text fallback: same text, no structured payload.
		logging.Conversation("conv=%s structured render rejected, retrying plain: %v", conv.ID, err)
		plain := action
		plain.StructuredPayload = nil
		if err := e.deps.Renderer.Render(ctx, conv.ID, plain); err != nil {
			logging.Get(logging.CategoryConversation).Error("conv=%s plain render failed too: %v", conv.ID, err)
			return
		}
	}
	conv.LastBotMessage = action.Text
}

func (e *Engine) persist(conv *types.Conversation, session *types.CheckoutSession) {
	if err := e.deps.Store.SaveConversation(conv); err != nil {
		logging.Get(logging.CategoryStore).Error("failed to persist conversation %s: %v", conv.ID, err)
	}
	if session != nil {
		if err := e.deps.Store.SaveCheckoutSession(session); err != nil {
			logging.Get(logging.CategoryStore).Error("failed to persist session %s: %v", session.ID, err)
		}
	}
}

// ============================================================================
// PAYMENT CALLBACKS
// ============================================================================

// processCallback applies one gateway callback. It is the only path into
// payment_confirmed; chat messages can never claim a payment landed.
func (e *Engine) processCallback(ctx context.Context, cb types.PaymentCallback) {
	now := e.now()

	session, err := e.deps.Store.SessionByPaymentRef(cb.TenantID, cb.PaymentRef)
	if err != nil {
		logging.Get(logging.CategoryCheckout).Warn("callback for unknown payment ref %s (tenant %s): %v", cb.PaymentRef, cb.TenantID, err)
		return
	}
	// Gateway delivery is at-least-once: a redelivered callback for a
	// session already settled (or abandoned) is a no-op, not a replay.
	if session.State != types.StatePaymentInitiated {
		logging.Checkout("session %s: callback %s ignored in state %s", session.ID, cb.Status, session.State)
		return
	}
	conv, err := e.deps.Store.GetConversation(session.ConversationID)
	if err != nil {
		logging.Get(logging.CategoryConversation).Error("callback: conversation %s missing: %v", session.ConversationID, err)
		return
	}

	switch cb.Status {
	case "confirmed":
		if cb.AmountCents != session.TotalCents {
			session.FlaggedForReview = true
			logging.CheckoutWarn("session %s: callback amount %d != order total %d, flagged",
				session.ID, cb.AmountCents, session.TotalCents)
			e.notify(ctx, conv, "We received your payment but the amount needs a quick manual check. A teammate will follow up shortly.")
			e.persist(conv, session)
			return
		}
		if err := e.deps.FSM.ConfirmPayment(session, cb.PaymentRef, now); err != nil {
			logging.CheckoutWarn("session %s: callback rejected: %v", session.ID, err)
			e.persist(conv, session)
			return
		}
		if err := e.deps.Data.Orders.UpdateStatus(ctx, cb.TenantID, session.OrderRef, tenant.OrderPaid); err != nil {
			logging.Get(logging.CategoryCheckout).Error("order %s: status update failed: %v", session.OrderRef, err)
		}
		if err := e.deps.FSM.CompleteOrder(session, now); err == nil {
			if err := e.deps.Data.Orders.UpdateStatus(ctx, cb.TenantID, session.OrderRef, tenant.OrderCompleted); err != nil {
				logging.Get(logging.CategoryCheckout).Error("order %s: completion update failed: %v", session.OrderRef, err)
			}
		}
		conv.CurrentFlow = ""
		conv.AwaitingResponse = ""
		e.notify(ctx, conv, fmt.Sprintf("Payment received! Your order %s is confirmed. Thank you!", session.OrderRef))

	case "failed":
		// The session stays in payment_initiated so the customer can retry
		// or cancel; nothing is silently rolled back.
		logging.Checkout("session %s: payment failed per gateway", session.ID)
		e.notify(ctx, conv, "That payment didn't go through. You can try again, or tell me to cancel the order.")

	default:
		logging.CheckoutWarn("session %s: unknown callback status %q ignored", session.ID, cb.Status)
	}

	e.persist(conv, session)
}

// notify renders a bot-initiated message outside the request/reply cycle.
func (e *Engine) notify(ctx context.Context, conv *types.Conversation, text string) {
	action := types.BotAction{Type: types.ActionReply, Text: text}
	if err := e.deps.Renderer.Render(ctx, conv.ID, action); err != nil {
		logging.Get(logging.CategoryConversation).Error("conv=%s notify failed: %v", conv.ID, err)
		return
	}
	conv.LastBotMessage = text
}
