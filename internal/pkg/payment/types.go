package payment

import (
	"errors"
	"fmt"
)

var (
	// ErrProcessorUnavailable wraps timeouts and 5xx responses from the
	// payment processor after retries are exhausted. Callers must not treat
	// it as a declined payment.
	ErrProcessorUnavailable = errors.New("payment processor unavailable")

	// ErrPromoNoLongerValid is returned when a promo code that validated
	// during checkout lost its last redemption slot or expired before the
	// intent was created.
	ErrPromoNoLongerValid = errors.New("promo code no longer valid")

	ErrInvalidPlan     = errors.New("plan no longer purchasable")
	ErrIntentNotFound  = errors.New("payment intent not found")
	ErrNoActionPending = errors.New("no customer action pending")
)

// Outcome is the resolution of a confirmation attempt.
type Outcome string

const (
	OutcomeSucceeded      Outcome = "succeeded"
	OutcomeRequiresAction Outcome = "requires_action"
	OutcomeFailed         Outcome = "failed"
)

// ConfirmResult is what the submit and resume paths hand back to the API
// layer. ActionHandle is only set for OutcomeRequiresAction; FailureReason
// only for OutcomeFailed.
type ConfirmResult struct {
	Outcome       Outcome `json:"outcome"`
	IntentID      string  `json:"intent_id"`
	ActionHandle  string  `json:"action_handle,omitempty"`
	FailureReason string  `json:"failure_reason,omitempty"`
}

// ProcessorError is a business-level rejection from the processor (4xx with
// an error body), as opposed to the processor being unreachable.
type ProcessorError struct {
	Status      int
	Code        string
	DeclineCode string
	Message     string
}

func (e *ProcessorError) Error() string {
	if e.DeclineCode != "" {
		return fmt.Sprintf("processor declined: %s (%s)", e.Message, e.DeclineCode)
	}
	return fmt.Sprintf("processor rejected request: %s (status=%d code=%s)", e.Message, e.Status, e.Code)
}

// Reason gives the stable machine-readable reason surfaced to the checkout
// session and the failure notification.
func (e *ProcessorError) Reason() string {
	if e.DeclineCode != "" {
		return e.DeclineCode
	}
	if e.Code != "" {
		return e.Code
	}
	return "payment_failed"
}
