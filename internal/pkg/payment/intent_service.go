package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/logos-ecosystem/logos-billing/app/models"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/catalog"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/checkout"
)

// IntentStore persists payment intents. Backed by GORM in production and by a
// map in tests.
type IntentStore interface {
	Create(intent *models.PaymentIntent) error
	Update(intent *models.PaymentIntent) error
	FindBySession(sessionID string) (*models.PaymentIntent, error)
	FindByProviderID(providerIntentID string) (*models.PaymentIntent, error)
}

// GormIntentStore is the MySQL-backed IntentStore.
type GormIntentStore struct {
	db *gorm.DB
}

func NewGormIntentStore(db *gorm.DB) *GormIntentStore {
	return &GormIntentStore{db: db}
}

func (s *GormIntentStore) Create(intent *models.PaymentIntent) error {
	return s.db.Create(intent).Error
}

func (s *GormIntentStore) Update(intent *models.PaymentIntent) error {
	return s.db.Save(intent).Error
}

func (s *GormIntentStore) FindBySession(sessionID string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	err := s.db.Where("checkout_session_id = ?", sessionID).
		Order("id DESC").First(&intent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (s *GormIntentStore) FindByProviderID(providerIntentID string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	err := s.db.Where("provider_intent_id = ?", providerIntentID).First(&intent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// IntentService turns a reviewed checkout session into a processor payment
// intent and drives it to an outcome. Amounts are always recomputed from the
// catalog here; nothing the client sent is trusted.
type IntentService struct {
	client   *ProcessorClient
	catalog  *catalog.Catalog
	checkout *checkout.Controller
	intents  IntentStore
	now      func() time.Time
}

func NewIntentService(client *ProcessorClient, cat *catalog.Catalog, co *checkout.Controller, intents IntentStore) *IntentService {
	return &IntentService{
		client:   client,
		catalog:  cat,
		checkout: co,
		intents:  intents,
		now:      time.Now,
	}
}

// Submit takes a session from Review through Submitting to its outcome. The
// sequence is: freeze the session, recompute the charge, claim the promo
// redemption, create and confirm the intent, then resolve the session. A
// promo that lost its last slot after Review fails the whole submission with
// ErrPromoNoLongerValid.
func (s *IntentService) Submit(ctx context.Context, sessionID string, customer *models.Customer) (*ConfirmResult, error) {
	sess, err := s.checkout.BeginSubmit(sessionID)
	if err != nil {
		return nil, err
	}

	plan, err := s.catalog.Plan(sess.PlanID)
	if err != nil {
		s.finishFailed(sessionID, "", "plan_unavailable")
		return nil, ErrInvalidPlan
	}

	totals, err := s.catalog.ComputeTotals(plan, sess.BillingInterval, sess.PromoCode, sess.Billing.Region, s.now())
	if err != nil {
		if errors.Is(err, catalog.ErrPromoInvalid) {
			s.finishFailed(sessionID, "", "promo_no_longer_valid")
			return nil, ErrPromoNoLongerValid
		}
		s.finishFailed(sessionID, "", "pricing_error")
		return nil, err
	}

	if sess.PromoCode != "" {
		if _, err := s.catalog.RedeemPromo(sess.PromoCode, sess.PlanID, s.now()); err != nil {
			s.finishFailed(sessionID, "", "promo_no_longer_valid")
			if errors.Is(err, catalog.ErrPromoInvalid) {
				return nil, ErrPromoNoLongerValid
			}
			return nil, err
		}
	}

	pi, err := s.client.CreateIntent(ctx, CreateIntentParams{
		Amount:            totals.Total,
		Currency:          totals.Currency,
		CustomerRef:       customer.ProviderCustomerID,
		PaymentMethodType: sess.PaymentMethodType,
		Description:       fmt.Sprintf("%s subscription (%s)", plan.Name, sess.BillingInterval),
		IdempotencyKey:    "checkout-" + sess.ID,
		Metadata: map[string]string{
			"checkout_session_id": sess.ID,
			"plan_id":             plan.ID,
		},
	})
	if err != nil {
		s.releasePromo(sess.PromoCode)
		return nil, s.resolveClientError(sessionID, "", err)
	}

	intent := &models.PaymentIntent{
		ProviderIntentID:  pi.ID,
		CheckoutSessionID: sess.ID,
		CustomerID:        customer.ID,
		PlanID:            plan.ID,
		BillingInterval:   sess.BillingInterval,
		PromoCode:         sess.PromoCode,
		Amount:            totals.Total,
		Currency:          totals.Currency,
		Status:            models.IntentStatusRequiresConfirmation,
		ClientSecret:      pi.ClientSecret,
	}
	if err := s.intents.Create(intent); err != nil {
		s.releasePromo(sess.PromoCode)
		s.finishFailed(sessionID, pi.ID, "internal_error")
		return nil, fmt.Errorf("persist intent: %w", err)
	}

	confirmed, err := s.client.ConfirmIntent(ctx, pi.ID, "confirm-"+sess.ID)
	if err != nil {
		return s.resolveFailure(ctx, sess, intent, err)
	}
	return s.resolveIntent(sess, intent, confirmed)
}

// Resume finishes a submission that paused on a customer action (3DS and the
// like). It re-reads the intent from the processor, never trusting the
// client's claim about the action outcome.
func (s *IntentService) Resume(ctx context.Context, sessionID string) (*ConfirmResult, error) {
	sess, err := s.checkout.Get(sessionID)
	if err != nil {
		return nil, err
	}
	intent, err := s.intents.FindBySession(sessionID)
	if err != nil {
		return nil, err
	}
	if intent.Status != models.IntentStatusRequiresAction {
		return nil, ErrNoActionPending
	}

	pi, err := s.client.GetIntent(ctx, intent.ProviderIntentID)
	if err != nil {
		return s.resolveFailure(ctx, sess, intent, err)
	}
	return s.resolveIntent(sess, intent, pi)
}

// resolveIntent maps the processor intent state onto the session and the
// stored intent record.
func (s *IntentService) resolveIntent(sess *checkout.Session, intent *models.PaymentIntent, pi *ProcessorIntent) (*ConfirmResult, error) {
	switch pi.Status {
	case models.IntentStatusSucceeded:
		intent.Status = models.IntentStatusSucceeded
		intent.LastError = ""
		if err := s.intents.Update(intent); err != nil {
			return nil, fmt.Errorf("persist intent outcome: %w", err)
		}
		if _, err := s.checkout.FinishSubmit(sess.ID, pi.ID, ""); err != nil {
			return nil, err
		}
		return &ConfirmResult{Outcome: OutcomeSucceeded, IntentID: pi.ID}, nil

	case models.IntentStatusRequiresAction:
		intent.Status = models.IntentStatusRequiresAction
		if err := s.intents.Update(intent); err != nil {
			return nil, fmt.Errorf("persist intent outcome: %w", err)
		}
		// Session stays in Submitting until the action resolves.
		return &ConfirmResult{
			Outcome:      OutcomeRequiresAction,
			IntentID:     pi.ID,
			ActionHandle: pi.NextActionURL,
		}, nil

	default:
		reason := pi.FailureReason
		if reason == "" {
			reason = "payment_failed"
		}
		intent.Status = models.IntentStatusFailed
		intent.LastError = reason
		if err := s.intents.Update(intent); err != nil {
			return nil, fmt.Errorf("persist intent outcome: %w", err)
		}
		s.releasePromo(intent.PromoCode)
		if _, err := s.checkout.FinishSubmit(sess.ID, pi.ID, reason); err != nil {
			return nil, err
		}
		return &ConfirmResult{Outcome: OutcomeFailed, IntentID: pi.ID, FailureReason: reason}, nil
	}
}

// resolveFailure handles errors from the processor client during confirm or
// resume: declines resolve the session as Failed, outages leave the error to
// the caller after parking the session in Failed with a retryable reason.
func (s *IntentService) resolveFailure(_ context.Context, sess *checkout.Session, intent *models.PaymentIntent, err error) (*ConfirmResult, error) {
	var perr *ProcessorError
	if errors.As(err, &perr) {
		reason := perr.Reason()
		intent.Status = models.IntentStatusFailed
		intent.LastError = reason
		if uerr := s.intents.Update(intent); uerr != nil {
			log.Errorf("[Payment] failed to persist declined intent %s: %v", intent.ProviderIntentID, uerr)
		}
		s.releasePromo(intent.PromoCode)
		if _, ferr := s.checkout.FinishSubmit(sess.ID, intent.ProviderIntentID, reason); ferr != nil {
			return nil, ferr
		}
		return &ConfirmResult{Outcome: OutcomeFailed, IntentID: intent.ProviderIntentID, FailureReason: reason}, nil
	}

	s.releasePromo(intent.PromoCode)
	s.finishFailed(sess.ID, intent.ProviderIntentID, "processor_unavailable")
	return nil, err
}

// resolveClientError handles a create-intent failure before any intent record
// exists.
func (s *IntentService) resolveClientError(sessionID, intentID string, err error) error {
	var perr *ProcessorError
	if errors.As(err, &perr) {
		s.finishFailed(sessionID, intentID, perr.Reason())
		return err
	}
	s.finishFailed(sessionID, intentID, "processor_unavailable")
	return err
}

func (s *IntentService) finishFailed(sessionID, intentID, reason string) {
	if _, err := s.checkout.FinishSubmit(sessionID, intentID, reason); err != nil {
		log.Errorf("[Payment] failed to resolve session %s: %v", sessionID, err)
	}
}

func (s *IntentService) releasePromo(code string) {
	if code != "" {
		s.catalog.ReleasePromo(code)
	}
}
