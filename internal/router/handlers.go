package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cartbot/internal/checkout"
	"cartbot/internal/logging"
	"cartbot/internal/types"
)

// ============================================================================
// INTENT HANDLERS
// ============================================================================

func handleGreeting(_ context.Context, _ *Env) (types.BotAction, error) {
	return types.BotAction{
		Type: types.ActionReply,
		Text: "Hi! I can show you our products, answer questions, or check an order. What can I do for you?",
	}, nil
}

func handleSmalltalk(_ context.Context, _ *Env) (types.BotAction, error) {
	return types.BotAction{
		Type: types.ActionReply,
		Text: "Happy to help! Would you like to see our products?",
	}, nil
}

func handleBrowse(ctx context.Context, env *Env) (types.BotAction, error) {
	return listProducts(ctx, env, "")
}

// listProducts renders the catalog as a numbered list and snapshots it as
// the active reference context so "the second one" resolves next turn.
func listProducts(ctx context.Context, env *Env, prefix string) (types.BotAction, error) {
	items, err := env.Data.Catalog.ListItems(ctx, env.Conv.TenantID)
	if err != nil {
		return types.BotAction{}, fmt.Errorf("failed to list catalog: %w", err)
	}
	if len(items) == 0 {
		return types.BotAction{
			Type: types.ActionReply,
			Text: "We don't have anything in stock right now — please check back soon!",
		}, nil
	}

	refs := make([]types.RefItem, len(items))
	var b strings.Builder
	if prefix != "" {
		b.WriteString(prefix)
		b.WriteString("\n")
	}
	for i, item := range items {
		refs[i] = types.RefItem{ID: item.ID, Title: item.Title, Position: i + 1}
		fmt.Fprintf(&b, "%d. %s — %s\n", i+1, item.Title, FormatCents(item.PriceCents))
	}
	b.WriteString("Reply with a number to pick one.")

	if _, err := env.Refs.StoreList(env.Conv.ID, types.ListProducts, refs); err != nil {
		return types.BotAction{}, fmt.Errorf("failed to snapshot product list: %w", err)
	}
	return types.BotAction{
		Type:              types.ActionList,
		Text:              b.String(),
		ListType:          types.ListProducts,
		ListItems:         refs,
		StructuredPayload: map[string]string{"kind": "product_list"},
		ContextUpdates:    types.ContextUpdates{AwaitingResponse: types.StringPtr("item_selection")},
	}, nil
}

func handleProductQuery(ctx context.Context, env *Env) (types.BotAction, error) {
	return answerFromFacts(ctx, env)
}

func handleFAQ(ctx context.Context, env *Env) (types.BotAction, error) {
	return answerFromFacts(ctx, env)
}

// answerFromFacts grounds the reply in retrieved facts. Zero confidence
// means saying so and offering a human, never guessing.
func answerFromFacts(ctx context.Context, env *Env) (types.BotAction, error) {
	query := env.Result.Slots["query"]
	if query == "" {
		query = env.Msg.Body()
	}
	if env.Synth == nil {
		return uncertainReply(), nil
	}
	syn, err := env.Synth.Synthesize(ctx, env.Conv.TenantID, query)
	if err != nil {
		return types.BotAction{}, fmt.Errorf("retrieval failed: %w", err)
	}
	if syn.Confidence == 0 || len(syn.Facts) == 0 {
		return uncertainReply(), nil
	}
	env.Facts = syn.Facts

	var b strings.Builder
	for i, f := range syn.Facts {
		if i >= 2 {
			break
		}
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(f.Text)
	}
	return types.BotAction{Type: types.ActionReply, Text: b.String()}, nil
}

func uncertainReply() types.BotAction {
	return types.BotAction{
		Type: types.ActionReply,
		Text: "I'm not sure about that one. Would you like me to connect you with a teammate who can check?",
	}
}

func handleSelectItem(ctx context.Context, env *Env) (types.BotAction, error) {
	itemID := env.Result.Slots["item_id"]
	if itemID == "" {
		ref := env.Result.Slots["reference"]
		if ref == "" {
			ref = env.Msg.Body()
		}
		res := env.Refs.ResolveReference(env.Conv.ID, ref)
		switch res.Status {
		case types.ResolutionAmbiguous:
			return clarifyCandidates(res.Candidates), nil
		case types.ResolutionNotFound:
			logging.Routing("conv=%s reference %q not resolvable (%s), re-listing", env.Conv.ID, ref, res.Reason)
			return listProducts(ctx, env, "That list is no longer current — here's the latest:")
		}
		itemID = res.Item.ID
	}

	item, err := env.Data.Catalog.GetItem(ctx, env.Conv.TenantID, itemID)
	if err != nil {
		return types.BotAction{}, fmt.Errorf("failed to read item: %w", err)
	}
	if item.Stock <= 0 {
		// The availability claim is grounded in the live read we just made.
		env.Facts = append(env.Facts, types.Fact{
			Key:       "stock:" + item.ID,
			Text:      fmt.Sprintf("%s has %d in stock.", item.Title, item.Stock),
			Source:    types.SourceDatabase,
			Priority:  2,
			Score:     1.0,
			IndexedAt: env.Now,
		})
		return types.BotAction{
			Type: types.ActionReply,
			Text: fmt.Sprintf("%s is out of stock right now, sorry! Anything else?", item.Title),
		}, nil
	}

	session, abandoned := env.FSM.EnsureSession(env.Conv, env.Session, env.Now)
	env.Session = session
	if abandoned {
		logging.Routing("conv=%s stale checkout abandoned, starting fresh", env.Conv.ID)
	}
	if err := env.FSM.SelectProduct(session, item, env.Now); err != nil {
		var invalid *types.InvalidTransitionError
		if !errors.As(err, &invalid) {
			return types.BotAction{}, err
		}
		// The invalid transition reset the session to browsing; selecting
		// again from there is the recovery.
		if err := env.FSM.SelectProduct(session, item, env.Now); err != nil {
			return types.BotAction{}, err
		}
	}

	return types.BotAction{
		Type: types.ActionReply,
		Text: fmt.Sprintf("%s — %s each. How many would you like?", item.Title, FormatCents(item.PriceCents)),
		ContextUpdates: types.ContextUpdates{
			AwaitingResponse: types.StringPtr("quantity"),
			CurrentFlow:      types.StringPtr("checkout"),
		},
	}, nil
}

func clarifyCandidates(candidates []types.RefItem) types.BotAction {
	var b strings.Builder
	b.WriteString("I found a few matches — which one did you mean?\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "%d. %s\n", c.Position, c.Title)
	}
	return types.BotAction{
		Type:           types.ActionClarify,
		Text:           strings.TrimRight(b.String(), "\n"),
		ContextUpdates: types.ContextUpdates{AwaitingResponse: types.StringPtr("item_selection")},
	}
}

func handleSetQuantity(ctx context.Context, env *Env) (types.BotAction, error) {
	if !env.Session.Active() || env.Session.State != types.StateProductSelected {
		return listProducts(ctx, env, "Let's pick a product first:")
	}

	qty, ok := env.Result.Slots.Quantity()
	if !ok {
		return types.BotAction{
			Type:           types.ActionReply,
			Text:           "How many would you like? Just send a number.",
			ContextUpdates: types.ContextUpdates{AwaitingResponse: types.StringPtr("quantity")},
		}, nil
	}

	// Stock and price are read live at validation time, never from the
	// turn that displayed the list. The quote below must reflect the price
	// at this transition.
	item, err := env.Data.Catalog.GetItem(ctx, env.Conv.TenantID, env.Session.SelectedItemID)
	if err != nil {
		return types.BotAction{}, fmt.Errorf("failed to read item: %w", err)
	}
	env.Session.UnitPriceCents = item.PriceCents
	env.Session.SelectedTitle = item.Title

	if err := env.FSM.ConfirmQuantity(env.Session, qty, item.Stock, env.Now); err != nil {
		var qerr *checkout.QuantityError
		var serr *checkout.StockError
		switch {
		case errors.As(err, &qerr):
			return types.BotAction{
				Type:           types.ActionReply,
				Text:           fmt.Sprintf("I can take between 1 and %d — how many would you like?", qerr.Max),
				ContextUpdates: types.ContextUpdates{AwaitingResponse: types.StringPtr("quantity")},
			}, nil
		case errors.As(err, &serr):
			return types.BotAction{
				Type:           types.ActionReply,
				Text:           fmt.Sprintf("We only have %d of those left — how many would you like?", serr.Available),
				ContextUpdates: types.ContextUpdates{AwaitingResponse: types.StringPtr("quantity")},
			}, nil
		default:
			return types.BotAction{}, err
		}
	}

	return paymentMethodList(ctx, env)
}

// paymentMethodList shows accepted methods and snapshots them as the active
// reference context.
func paymentMethodList(ctx context.Context, env *Env) (types.BotAction, error) {
	methods, err := env.Data.Payments.Methods(ctx, env.Conv.TenantID)
	if err != nil {
		return types.BotAction{}, fmt.Errorf("failed to list payment methods: %w", err)
	}
	refs := make([]types.RefItem, len(methods))
	var b strings.Builder
	fmt.Fprintf(&b, "%d x %s = %s. How would you like to pay?\n",
		env.Session.Quantity, env.Session.SelectedTitle,
		FormatCents(checkout.OrderTotalCents(env.Session.UnitPriceCents, env.Session.Quantity)))
	for i, m := range methods {
		refs[i] = types.RefItem{ID: m, Title: methodLabel(m), Position: i + 1}
		fmt.Fprintf(&b, "%d. %s\n", i+1, methodLabel(m))
	}

	if _, err := env.Refs.StoreList(env.Conv.ID, types.ListPayments, refs); err != nil {
		return types.BotAction{}, fmt.Errorf("failed to snapshot payment list: %w", err)
	}
	return types.BotAction{
		Type:              types.ActionList,
		Text:              strings.TrimRight(b.String(), "\n"),
		ListType:          types.ListPayments,
		ListItems:         refs,
		StructuredPayload: map[string]string{"kind": "payment_methods"},
		ContextUpdates:    types.ContextUpdates{AwaitingResponse: types.StringPtr("payment_method")},
	}, nil
}

func handleCheckout(ctx context.Context, env *Env) (types.BotAction, error) {
	if env.Session.Active() {
		switch env.Session.State {
		case types.StateProductSelected:
			return types.BotAction{
				Type:           types.ActionReply,
				Text:           fmt.Sprintf("How many %s would you like?", env.Session.SelectedTitle),
				ContextUpdates: types.ContextUpdates{AwaitingResponse: types.StringPtr("quantity")},
			}, nil
		case types.StateQuantityConfirmd:
			return paymentMethodList(ctx, env)
		}
	}
	return listProducts(ctx, env, "Great — what would you like to order?")
}

func handleChoosePayment(ctx context.Context, env *Env) (types.BotAction, error) {
	if !env.Session.Active() || env.Session.State != types.StateQuantityConfirmd {
		return types.BotAction{
			Type: types.ActionReply,
			Text: "We're not at the payment step yet. Would you like to pick a product?",
		}, nil
	}

	method := env.Result.Slots["payment_method"]
	if method == "" {
		res := env.Refs.ResolveIn(env.Conv.ID, types.ListPayments, env.Msg.Body())
		if res.Status != types.ResolutionResolved {
			return types.BotAction{
				Type:           types.ActionReply,
				Text:           "Which payment method would you like? Reply with the number.",
				ContextUpdates: types.ContextUpdates{AwaitingResponse: types.StringPtr("payment_method")},
			}, nil
		}
		method = res.Item.ID
	}

	total := checkout.OrderTotalCents(env.Session.UnitPriceCents, env.Session.Quantity)
	return types.BotAction{
		Type: types.ActionReply,
		Text: fmt.Sprintf("To confirm: %d x %s, paying by %s, total %s. Shall I place the order?",
			env.Session.Quantity, env.Session.SelectedTitle, methodLabel(method), FormatCents(total)),
		ContextUpdates: types.ContextUpdates{AwaitingResponse: types.StringPtr("confirmation")},
		SideEffects: []types.SideEffect{{
			Type:    types.EffectCreateOrder,
			Payload: map[string]string{"payment_method": method},
		}},
	}, nil
}

func handleConfirm(_ context.Context, env *Env) (types.BotAction, error) {
	if !env.Session.Active() || env.Session.State != types.StatePaymentSelected || env.Session.OrderRef == "" {
		return types.BotAction{
			Type: types.ActionReply,
			Text: "There's nothing waiting for a confirmation right now. What would you like to do?",
		}, nil
	}
	return types.BotAction{
		Type: types.ActionReply,
		Text: "Placing your order — I'll send the payment details next.",
		ContextUpdates: types.ContextUpdates{
			AwaitingResponse: types.StringPtr(""),
		},
		SideEffects: []types.SideEffect{{Type: types.EffectInitiatePayment}},
	}, nil
}

func handleCancel(_ context.Context, env *Env) (types.BotAction, error) {
	if !env.Session.Active() || env.Session.State == types.StateBrowsing {
		return types.BotAction{
			Type: types.ActionReply,
			Text: "Nothing to cancel — you haven't started an order. Anything else?",
		}, nil
	}
	return types.BotAction{
		Type: types.ActionReply,
		Text: "No problem, I've cancelled that. Anything else I can help with?",
		ContextUpdates: types.ContextUpdates{
			AwaitingResponse: types.StringPtr(""),
			CurrentFlow:      types.StringPtr(""),
		},
		SideEffects: []types.SideEffect{{
			Type:    types.EffectAbandonSession,
			Payload: map[string]string{"reason": "customer_cancelled"},
		}},
	}, nil
}

func handleOrderStatus(ctx context.Context, env *Env) (types.BotAction, error) {
	order, ok, err := env.Data.Orders.LatestOrder(ctx, env.Conv.TenantID, env.Conv.ID)
	if err != nil {
		return types.BotAction{}, fmt.Errorf("failed to look up orders: %w", err)
	}
	if !ok {
		return types.BotAction{
			Type: types.ActionReply,
			Text: "I don't see any orders from you yet. Want to browse our products?",
		}, nil
	}
	return types.BotAction{
		Type: types.ActionReply,
		Text: fmt.Sprintf("Your order %s (%s) is currently %s.", order.Ref, FormatCents(order.TotalCents), statusLabel(order.Status)),
	}, nil
}

func handleHandoff(_ context.Context, _ *Env) (types.BotAction, error) {
	return types.BotAction{
		Type:           types.ActionHandoff,
		Text:           "Of course — I'm connecting you with a teammate now. They'll pick up this conversation shortly.",
		ContextUpdates: types.ContextUpdates{AwaitingResponse: types.StringPtr("")},
		SideEffects:    []types.SideEffect{{Type: types.EffectMarkNeedsHuman}},
	}, nil
}

func handleUnknown(_ context.Context, _ *Env) (types.BotAction, error) {
	return types.BotAction{
		Type:           types.ActionClarify,
		Text:           "Sorry, I didn't quite catch that. Could you rephrase?",
		ContextUpdates: types.ContextUpdates{AwaitingResponse: types.StringPtr("clarification")},
	}, nil
}

// ============================================================================
// HELPERS
// ============================================================================

// FormatCents renders minor units as a decimal string. Currency symbols are
// the channel renderer's concern.
func FormatCents(cents int64) string {
	neg := ""
	if cents < 0 {
		neg = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", neg, cents/100, cents%100)
}

func methodLabel(method string) string {
	switch method {
	case "cod":
		return "Cash on delivery"
	case "bank_transfer":
		return "Bank transfer"
	case "card":
		return "Card"
	default:
		return method
	}
}

func statusLabel(status string) string {
	switch status {
	case "pending_payment":
		return "waiting for payment"
	case "paid":
		return "paid and being prepared"
	case "completed":
		return "completed"
	case "cancelled":
		return "cancelled"
	default:
		return status
	}
}
