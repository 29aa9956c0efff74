package types

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================
//
// Everything here is recovered locally with a user-safe message. Only
// unexpected internal errors surface as a generic apology plus automatic
// handoff. Nothing reaches the customer as raw error text.

// Sentinel errors for errors.Is checks.
var (
	// ErrModelUnavailable signals the model path is down or timed out;
	// classification degrades to rule-only or clarification.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrProviderExhausted signals every configured alternate failed;
	// callers fall back to rule-based responses plus a handoff offer.
	ErrProviderExhausted = errors.New("all providers exhausted")

	// ErrBudgetExhausted signals a tenant's monthly model budget is spent.
	ErrBudgetExhausted = errors.New("tenant model budget exhausted")

	// ErrGroundingFailure signals no retrievable facts; callers must answer
	// with explicit uncertainty, never fabricate.
	ErrGroundingFailure = errors.New("no grounding facts available")

	// ErrTenantScopeMissing signals a tenant-scoped query was attempted
	// without a tenant id. This is a data-isolation bug, not a style issue.
	ErrTenantScopeMissing = errors.New("tenant scope missing")
)

// ClassificationError wraps a model-path classification failure.
type ClassificationError struct {
	Stage string // "model_call", "parse", "schema"
	Err   error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification failed at %s: %v", e.Stage, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// InvalidTransitionError is the typed result of a checkout FSM misuse.
// The state machine resets to browsing while preserving any created order.
type InvalidTransitionError struct {
	From  CheckoutState
	Event string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid checkout transition: %s on %q", e.Event, e.From)
}

// PaymentAmountMismatchError halts the payment transition and flags the
// session for manual review. Amounts are never silently adjusted.
type PaymentAmountMismatchError struct {
	OrderRef   string
	OrderTotal int64
	Requested  int64
}

func (e *PaymentAmountMismatchError) Error() string {
	return fmt.Sprintf("payment amount %d does not match order %s total %d",
		e.Requested, e.OrderRef, e.OrderTotal)
}
