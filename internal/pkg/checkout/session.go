package checkout

import (
	"errors"
	"fmt"
	"time"

	"github.com/logos-ecosystem/logos-billing/internal/pkg/catalog"
)

// Step is the typed state of the checkout wizard. Transitions go through the
// table below only; ad hoc flag juggling is exactly the bug class this avoids.
type Step string

const (
	StepPlanSelection Step = "plan_selection"
	StepBillingInfo   Step = "billing_info"
	StepPaymentMethod Step = "payment_method"
	StepReview        Step = "review"
	StepSubmitting    Step = "submitting"
	StepSuccess       Step = "success"
	StepFailed        Step = "failed"
)

var (
	ErrSessionNotFound   = errors.New("checkout session not found")
	ErrConflict          = errors.New("checkout session is busy")
	ErrInvalidTransition = errors.New("invalid checkout step transition")
)

// stepOrder gives the forward sequence of the wizard. Submitting and the
// terminal states are handled separately.
var stepOrder = map[Step]int{
	StepPlanSelection: 0,
	StepBillingInfo:   1,
	StepPaymentMethod: 2,
	StepReview:        3,
}

// BillingInfo holds the address fields collected in the billing step.
type BillingInfo struct {
	Name         string `json:"name" validate:"required"`
	Email        string `json:"email" validate:"required,email"`
	AddressLine1 string `json:"address_line1" validate:"required"`
	AddressLine2 string `json:"address_line2"`
	City         string `json:"city" validate:"required"`
	Region       string `json:"region" validate:"required"`
	PostalCode   string `json:"postal_code" validate:"required"`
	Country      string `json:"country"`
}

// Session is the ephemeral checkout state, persisted as JSON in Redis with a
// TTL. One user drives one session; concurrent mutation is rejected upstream.
type Session struct {
	ID                string        `json:"id"`
	Step              Step          `json:"step"`
	Completed         map[Step]bool `json:"completed"`
	PlanID            string        `json:"plan_id"`
	BillingInterval   string        `json:"billing_interval"`
	PromoCode         string        `json:"promo_code,omitempty"`
	Billing           BillingInfo   `json:"billing"`
	PaymentMethodType string        `json:"payment_method_type,omitempty"`
	Totals            catalog.Totals `json:"totals"`
	ProviderIntentID  string        `json:"provider_intent_id,omitempty"`
	FailureReason     string        `json:"failure_reason,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// canAdvance reports whether the session may move forward from its current
// step to next. Only the adjacent forward step is reachable; skipping is not.
func (s *Session) canAdvance(next Step) bool {
	cur, ok := stepOrder[s.Step]
	if !ok {
		return false
	}
	n, ok := stepOrder[next]
	if !ok {
		return false
	}
	return n == cur+1
}

// canGoBack reports whether the session may return to target. Back moves are
// allowed to any previously completed step, except that Submitting can never
// be re-entered and a session mid-submission cannot move at all. A Failed
// session may go back to the payment step to retry with another method
// without re-entering billing data.
func (s *Session) canGoBack(target Step) bool {
	if s.Step == StepSubmitting || target == StepSubmitting {
		return false
	}
	if s.Step == StepSuccess {
		return false
	}
	if !s.Completed[target] {
		return false
	}
	if s.Step == StepFailed {
		return true
	}
	cur, ok := stepOrder[s.Step]
	if !ok {
		return false
	}
	t, ok := stepOrder[target]
	if !ok {
		return false
	}
	return t < cur
}

// advance moves the session forward after the current step validated.
func (s *Session) advance(next Step) error {
	if !s.canAdvance(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Step, next)
	}
	s.Completed[s.Step] = true
	s.Step = next
	return nil
}

// goBack returns the session to an earlier completed step.
func (s *Session) goBack(target Step) error {
	if !s.canGoBack(target) {
		return fmt.Errorf("%w: %s -> %s (back)", ErrInvalidTransition, s.Step, target)
	}
	s.Step = target
	return nil
}

// promoAllowed reports whether a promo code may be applied in the current
// step. Codes are a side-effect-only action on plan selection and review.
func (s *Session) promoAllowed() bool {
	return s.Step == StepPlanSelection || s.Step == StepReview
}
