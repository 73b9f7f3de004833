package checkout

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/logos-ecosystem/logos-billing/internal/pkg/catalog"
)

// Controller drives the checkout wizard: one state machine per session,
// validated forward transitions, recomputed totals on every mutation.
type Controller struct {
	store   *Store
	catalog *catalog.Catalog
	now     func() time.Time
}

// NewController builds a checkout controller.
func NewController(store *Store, cat *catalog.Catalog) *Controller {
	return &Controller{store: store, catalog: cat, now: time.Now}
}

// AdvanceInput carries the payload of the step being completed. Only the
// fields for the session's current step are read.
type AdvanceInput struct {
	PlanID            string       `json:"plan_id"`
	BillingInterval   string       `json:"billing_interval"`
	Billing           *BillingInfo `json:"billing"`
	PaymentMethodType string       `json:"payment_method_type"`
}

// Create opens a new session at the plan-selection step.
func (c *Controller) Create() (*Session, error) {
	sess := &Session{
		ID:        uuid.NewString(),
		Step:      StepPlanSelection,
		Completed: make(map[Step]bool),
		CreatedAt: c.now(),
	}
	if err := c.store.Save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get loads a session without mutating it.
func (c *Controller) Get(id string) (*Session, error) {
	return c.store.Get(id)
}

// Advance validates the current step's payload and moves the session one step
// forward. Invalid input leaves the session untouched and returns the
// field-level error map.
func (c *Controller) Advance(id string, in AdvanceInput) (*Session, error) {
	return c.mutate(id, false, func(sess *Session) error {
		switch sess.Step {
		case StepPlanSelection:
			if verrs := validatePlanSelection(in.PlanID, in.BillingInterval); verrs != nil {
				return verrs
			}
			if _, err := c.catalog.Plan(in.PlanID); err != nil {
				return ValidationErrors{{Field: "plan_id", Code: "not_found", Message: "unknown plan"}}
			}
			sess.PlanID = in.PlanID
			sess.BillingInterval = in.BillingInterval
			return sess.advance(StepBillingInfo)
		case StepBillingInfo:
			if in.Billing == nil {
				return ValidationErrors{{Field: "billing", Code: "required", Message: "billing info is required"}}
			}
			if verrs := validateBillingInfo(*in.Billing); verrs != nil {
				return verrs
			}
			sess.Billing = *in.Billing
			return sess.advance(StepPaymentMethod)
		case StepPaymentMethod:
			if verrs := validatePaymentMethod(in.PaymentMethodType); verrs != nil {
				return verrs
			}
			sess.PaymentMethodType = in.PaymentMethodType
			return sess.advance(StepReview)
		default:
			return fmt.Errorf("%w: cannot advance from %s", ErrInvalidTransition, sess.Step)
		}
	})
}

// Back returns the session to an earlier completed step.
func (c *Controller) Back(id string, target Step) (*Session, error) {
	return c.mutate(id, false, func(sess *Session) error {
		return sess.goBack(target)
	})
}

// ApplyPromo attaches a promo code to the session. It fails closed: an
// invalid, expired or exhausted code returns catalog.ErrPromoInvalid and
// leaves the totals unchanged.
func (c *Controller) ApplyPromo(id, code string) (*Session, error) {
	return c.mutate(id, false, func(sess *Session) error {
		if !sess.promoAllowed() {
			return fmt.Errorf("%w: promo codes apply during plan selection or review", ErrInvalidTransition)
		}
		if _, err := c.catalog.ValidatePromo(code, sess.PlanID, c.now()); err != nil {
			return err
		}
		sess.PromoCode = code
		return nil
	})
}

// BeginSubmit moves a reviewed session into Submitting. While in Submitting
// every other mutation is rejected with ErrConflict; the step is never
// re-enterable via back.
func (c *Controller) BeginSubmit(id string) (*Session, error) {
	return c.mutate(id, false, func(sess *Session) error {
		if sess.Step != StepReview {
			return fmt.Errorf("%w: submit requires the review step, session is at %s", ErrInvalidTransition, sess.Step)
		}
		sess.Completed[StepReview] = true
		sess.Step = StepSubmitting
		return nil
	})
}

// FinishSubmit resolves a submission. On success the session reaches its
// terminal Success state; on failure it lands in Failed with the processor's
// reason verbatim, retaining billing data so the user can retry with another
// payment method.
func (c *Controller) FinishSubmit(id, providerIntentID, failureReason string) (*Session, error) {
	return c.mutate(id, true, func(sess *Session) error {
		if sess.Step != StepSubmitting {
			return fmt.Errorf("%w: no submission in flight", ErrInvalidTransition)
		}
		sess.ProviderIntentID = providerIntentID
		if failureReason == "" {
			sess.Step = StepSuccess
			sess.FailureReason = ""
		} else {
			sess.Step = StepFailed
			sess.FailureReason = failureReason
		}
		return nil
	})
}

// mutate serializes access to a session: the Redis lock rejects a concurrent
// request instead of queueing it, and a session mid-submission only accepts
// the submission outcome itself. The callback mutates in memory; nothing is
// saved when it errors, so failed validation never leaves partial state.
func (c *Controller) mutate(id string, allowSubmitting bool, fn func(*Session) error) (*Session, error) {
	ok, err := c.store.Lock(id)
	if err != nil {
		return nil, fmt.Errorf("session lock: %w", err)
	}
	if !ok {
		return nil, ErrConflict
	}
	defer c.store.Unlock(id)

	sess, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	if sess.Step == StepSubmitting && !allowSubmitting {
		return nil, ErrConflict
	}

	if err := fn(sess); err != nil {
		return sess, err
	}
	if err := c.recomputeTotals(sess); err != nil {
		return sess, err
	}
	if err := c.store.Save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// recomputeTotals rebuilds the totals from the catalog after every mutation.
// The client never supplies amounts; this is the only source of truth until
// the intent service recomputes once more at submit.
func (c *Controller) recomputeTotals(sess *Session) error {
	if sess.PlanID == "" {
		sess.Totals = catalog.Totals{}
		return nil
	}
	plan, err := c.catalog.Plan(sess.PlanID)
	if err != nil {
		return err
	}
	totals, err := c.catalog.ComputeTotals(plan, sess.BillingInterval, sess.PromoCode, sess.Billing.Region, c.now())
	if err != nil {
		return err
	}
	sess.Totals = totals
	return nil
}
