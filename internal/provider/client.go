// Package provider routes model calls across configured providers: tier
// selection by task shape, ordered cheapest-first failover, hard per-call
// timeouts and per-tenant budget accounting.
package provider

import "context"

// Complexity hints what the call needs from the model.
type Complexity string

const (
	ComplexitySimple    Complexity = "simple"    // classification, extraction
	ComplexityReasoning Complexity = "reasoning" // multi-step synthesis
)

// Request is a provider-agnostic completion request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64

	// ForceJSON constrains the model to emit a JSON object.
	ForceJSON bool

	// EstTokens is the estimated prompt size, used to route oversized
	// prompts to a large-context model.
	EstTokens int

	Complexity Complexity
}

// Response is a completed model call.
type Response struct {
	Text         string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
	CostCents    int64
}

// Client is one provider/model pair the router can call.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Provider() string
	Model() string
}
