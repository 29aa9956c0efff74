package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cartbot/internal/logging"
	"cartbot/internal/provider"
	"cartbot/internal/refstore"
	"cartbot/internal/types"
)

// ModelCaller is the slice of the provider router the classifier needs.
type ModelCaller interface {
	Complete(ctx context.Context, tenantID string, req provider.Request) (provider.Response, error)
}

// Config tunes the classifier.
type Config struct {
	ConfidenceThreshold float64
}

// Classifier runs the three-step pipeline: conversation context, keyword
// rules, model fallback. The model is consulted only for messages no
// keyword matched. It always returns a result; total failure is expressed
// as unknown with confidence 0, never as an error.
type Classifier struct {
	store     *KeywordStore
	model     ModelCaller
	threshold float64

	now func() time.Time
}

// New creates a classifier. model may be nil for rule-only operation.
func New(store *KeywordStore, model ModelCaller, cfg Config) *Classifier {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.65
	}
	return &Classifier{
		store:     store,
		model:     model,
		threshold: cfg.ConfidenceThreshold,
		now:       time.Now,
	}
}

// Threshold returns the acceptance threshold the router compares against.
func (c *Classifier) Threshold() float64 { return c.threshold }

// Classify classifies one inbound message in conversation context.
func (c *Classifier) Classify(ctx context.Context, conv *types.Conversation, msg types.InboundMessage) types.ClassificationResult {
	start := c.now()
	text := msg.Body()

	if result, ok := c.classifyButton(msg.ButtonPayload); ok {
		return finish(result, start, c.now())
	}
	if result, ok := c.classifyContext(conv, text); ok {
		logging.IntentDebug("context step resolved %q -> %s (awaiting=%s)", text, result.Intent, conv.AwaitingResponse)
		return finish(result, start, c.now())
	}

	// A keyword match is final, strong or weak: below-threshold matches
	// take the clarification path instead of a model call, and the model
	// can never override a matched rule.
	ruleResult := classifyRules(c.store.Table(), conv.Language, text)
	if ruleResult.Intent != types.IntentUnknown {
		logging.Intent("rule step: %q -> %s (%.2f)", text, ruleResult.Intent, ruleResult.Confidence)
		return finish(ruleResult, start, c.now())
	}

	if c.model == nil {
		return finish(ruleResult, start, c.now())
	}
	modelResult, err := c.classifyModel(ctx, conv, text)
	if err != nil {
		// Degrade to unknown with confidence 0; the router clarifies.
		logging.Get(logging.CategoryIntent).Warn("model step failed, degrading to rules: %v", err)
		return finish(ruleResult, start, c.now())
	}
	return finish(modelResult, start, c.now())
}

func finish(r types.ClassificationResult, start, end time.Time) types.ClassificationResult {
	r.LatencyMs = end.Sub(start).Milliseconds()
	return r
}

// classifyButton maps structured button payloads deterministically.
// Payloads are machine-generated ("select:sku-1", "confirm"), so a match is
// certain by construction.
func (c *Classifier) classifyButton(payload string) (types.ClassificationResult, bool) {
	if payload == "" {
		return types.ClassificationResult{}, false
	}
	certain := func(intent types.Intent, slots types.Slots) (types.ClassificationResult, bool) {
		return types.ClassificationResult{Intent: intent, Confidence: 1.0, Method: types.MethodRule, Slots: slots}, true
	}
	switch {
	case strings.HasPrefix(payload, "select:"):
		return certain(types.IntentSelectItem, types.Slots{"item_id": strings.TrimPrefix(payload, "select:")})
	case strings.HasPrefix(payload, "pay:"):
		return certain(types.IntentChoosePayment, types.Slots{"payment_method": strings.TrimPrefix(payload, "pay:")})
	case payload == "confirm":
		return certain(types.IntentConfirm, nil)
	case payload == "cancel":
		return certain(types.IntentCancel, nil)
	case payload == "browse":
		return certain(types.IntentBrowse, nil)
	case payload == "checkout":
		return certain(types.IntentCheckout, nil)
	case payload == "handoff":
		return certain(types.IntentHandoff, nil)
	default:
		logging.IntentDebug("unknown button payload %q, falling through to text steps", payload)
		return types.ClassificationResult{}, false
	}
}

// classifyContext interprets short replies against what the bot just asked.
// "2" after a product list is a selection, not a quantity; the same "2"
// after a quantity prompt is a quantity. No model call either way.
func (c *Classifier) classifyContext(conv *types.Conversation, text string) (types.ClassificationResult, bool) {
	if conv == nil || conv.AwaitingResponse == "" {
		return types.ClassificationResult{}, false
	}
	trimmed := strings.TrimSpace(text)
	contextual := func(intent types.Intent, slots types.Slots) (types.ClassificationResult, bool) {
		return types.ClassificationResult{Intent: intent, Confidence: 1.0, Method: types.MethodContext, Slots: slots}, true
	}

	switch conv.AwaitingResponse {
	case "item_selection", "clarification":
		if refstore.IsBarePositional(trimmed) {
			return contextual(types.IntentSelectItem, types.Slots{"reference": trimmed})
		}
	case "quantity":
		if pos, ok := refstore.ParsePosition(trimmed); ok && pos > 0 {
			return contextual(types.IntentSetQuantity, types.Slots{"quantity": strconv.Itoa(pos)})
		}
	case "payment_method":
		if method := paymentMethodFrom(strings.ToLower(trimmed)); method != "" {
			return contextual(types.IntentChoosePayment, types.Slots{"payment_method": method})
		}
	case "confirmation":
		switch strings.ToLower(trimmed) {
		case "yes", "y", "yeah", "yep", "ok", "okay", "si", "sí", "ya", "iya", "benar":
			return contextual(types.IntentConfirm, nil)
		case "no", "nope", "nah", "tidak", "batal":
			return contextual(types.IntentCancel, nil)
		}
	}
	return types.ClassificationResult{}, false
}

// =============================================================================
// MODEL STEP
// =============================================================================

type modelVerdict struct {
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Slots      map[string]string `json:"slots"`
}

const classifySystemPrompt = `You classify customer messages for a commerce assistant.
Respond with a single JSON object: {"intent": "...", "confidence": 0.0-1.0, "slots": {...}}.
The intent MUST be one of the allowed values. Slots may include "quantity",
"payment_method", "item_id", "query". Use "unknown" when unsure.`

func (c *Classifier) classifyModel(ctx context.Context, conv *types.Conversation, text string) (types.ClassificationResult, error) {
	prompt := fmt.Sprintf("Allowed intents: %s\n\nLast bot message: %q\nCustomer message: %q",
		strings.Join(intentNames(), ", "), conv.LastBotMessage, text)

	resp, err := c.model.Complete(ctx, conv.TenantID, provider.Request{
		System:      classifySystemPrompt,
		Prompt:      prompt,
		MaxTokens:   256,
		Temperature: 0.0,
		ForceJSON:   true,
		Complexity:  provider.ComplexitySimple,
	})
	if err != nil {
		return types.ClassificationResult{}, err
	}

	var verdict modelVerdict
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &verdict); err != nil {
		logging.Get(logging.CategoryIntent).Warn("model verdict unparseable, treating as unknown: %v", err)
		return types.ClassificationResult{Intent: types.IntentUnknown, Method: types.MethodModel}, nil
	}
	intent := types.Intent(verdict.Intent)
	if !intent.Valid() {
		logging.Get(logging.CategoryIntent).Warn("model emitted out-of-set intent %q, treating as unknown", verdict.Intent)
		return types.ClassificationResult{Intent: types.IntentUnknown, Method: types.MethodModel}, nil
	}
	return types.ClassificationResult{
		Intent:     intent,
		Confidence: clampConfidence(verdict.Confidence),
		Method:     types.MethodModel,
		Slots:      types.Slots(verdict.Slots),
	}, nil
}

func intentNames() []string {
	names := make([]string, len(types.AllIntents))
	for i, in := range types.AllIntents {
		names[i] = string(in)
	}
	return names
}

// extractJSON tolerates models that wrap JSON in code fences or prose.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
