package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/logos-ecosystem/logos-billing/app/models"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/catalog"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/env"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/payment"
)

// intentRefPrefix marks a subscription created from a payment intent before
// the processor's subscription object arrived to claim it.
const intentRefPrefix = "pi:"

// DefaultGracePeriod applies when BILLING_GRACE_PERIOD_DAYS is unset.
const DefaultGracePeriod = 7 * 24 * time.Hour

var ErrEventNotRetryable = errors.New("only failed events can be retried")

// ProcessorGateway is the slice of the payment client the reconciliation
// service needs for outbound calls.
type ProcessorGateway interface {
	CancelSubscription(ctx context.Context, providerSubscriptionID string) error
	DeleteSubscription(ctx context.Context, providerSubscriptionID string) error
}

// EffectSink receives the side effects of applied events, normally the job
// queue. A lost effect is logged, never fatal.
type EffectSink interface {
	Enqueue(effect Effect) error
}

// Service is the event reconciliation engine: it records webhook deliveries
// idempotently, folds them into subscription state and keeps the customer's
// effective plan in sync.
type Service struct {
	repo      Repository
	catalog   *catalog.Catalog
	intents   payment.IntentStore
	processor ProcessorGateway
	effects   EffectSink
	grace     time.Duration
	now       func() time.Time
}

// NewService wires the reconciliation engine. effects and processor may be
// nil in tests.
func NewService(repo Repository, cat *catalog.Catalog, intents payment.IntentStore, processor ProcessorGateway, effects EffectSink) *Service {
	return &Service{
		repo:      repo,
		catalog:   cat,
		intents:   intents,
		processor: processor,
		effects:   effects,
		grace:     GracePeriodFromEnv(),
		now:       time.Now,
	}
}

// NewServiceFromDB builds the service on a GORM handle.
func NewServiceFromDB(db *gorm.DB, cat *catalog.Catalog, processor ProcessorGateway, effects EffectSink) *Service {
	return NewService(NewRepository(db), cat, payment.NewGormIntentStore(db), processor, effects)
}

// GracePeriodFromEnv reads BILLING_GRACE_PERIOD_DAYS.
func GracePeriodFromEnv() time.Duration {
	raw := strings.TrimSpace(env.GetEnv("BILLING_GRACE_PERIOD_DAYS", ""))
	if raw == "" {
		return DefaultGracePeriod
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < 0 {
		log.Warnf("[Billing] invalid BILLING_GRACE_PERIOD_DAYS=%q, using default", raw)
		return DefaultGracePeriod
	}
	return time.Duration(days) * 24 * time.Hour
}

// RecordWebhookEvent appends a delivery to the ledger before any processing
// happens. The unique (provider, provider_event_id) key makes redeliveries
// return the original row with duplicate=true instead of a second row.
func (s *Service) RecordWebhookEvent(provider string, payload []byte) (*models.WebhookEvent, bool, error) {
	ev, err := ParseEvent(payload)
	if err != nil {
		return nil, false, err
	}

	row := &models.WebhookEvent{
		Provider:        strings.ToLower(strings.TrimSpace(provider)),
		ProviderEventID: ev.ID,
		EventType:       ev.Type,
		EventCreatedAt:  ev.CreatedAt,
		PayloadJSON:     string(payload),
		PayloadDigest:   PayloadDigest(payload),
		Status:          models.WebhookStatusPending,
	}
	created, stored, err := s.repo.CreateWebhookEventIfNotExists(row)
	if err != nil {
		return nil, false, err
	}
	return stored, !created, nil
}

// ProcessEvent applies one recorded event and stamps its outcome into the
// ledger. Business failures (declined transitions, unknown references) end as
// a terminal ledger status with a 200-worthy result; only infrastructure
// errors propagate.
func (s *Service) ProcessEvent(ctx context.Context, row *models.WebhookEvent) (string, error) {
	ev, err := ParseEvent([]byte(row.PayloadJSON))
	if err != nil {
		_ = s.repo.SetWebhookOutcome(row.ID, models.WebhookStatusFailed, err.Error())
		return models.WebhookStatusFailed, err
	}

	outcome, effects, customerID, err := s.apply(ctx, ev)
	if err != nil {
		if serr := s.repo.SetWebhookOutcome(row.ID, models.WebhookStatusFailed, err.Error()); serr != nil {
			return "", serr
		}
		if errors.Is(err, ErrSubscriptionNotFound) {
			// Reconciliation failure: the event is authentic but nothing
			// local matches its reference. The row sits in the failed queue
			// until the operator retries it, or until a later retry after
			// the creating event lands. Ack so the processor stops resending.
			return models.WebhookStatusFailed, nil
		}
		return models.WebhookStatusFailed, err
	}

	if err := s.repo.SetWebhookOutcome(row.ID, outcome, ""); err != nil {
		return "", err
	}

	for _, effect := range effects {
		s.runEffect(effect)
	}
	if customerID != 0 {
		if _, err := s.ReconcileCustomerPlan(customerID); err != nil {
			log.Errorf("[Billing] plan reconciliation for customer %d: %v", customerID, err)
		}
	}
	return outcome, nil
}

// RetryEvent reprocesses a failed ledger row, the operator escape hatch for
// events that hit a transient error.
func (s *Service) RetryEvent(ctx context.Context, eventID uint) (string, error) {
	row, err := s.repo.GetWebhookEvent(eventID)
	if err != nil {
		return "", err
	}
	if row.Status != models.WebhookStatusFailed {
		return "", fmt.Errorf("%w: event %d is %s", ErrEventNotRetryable, eventID, row.Status)
	}
	return s.ProcessEvent(ctx, row)
}

// ReprocessPending re-runs ledger rows still pending after olderThan, the
// recovery path for deliveries interrupted between ingestion and processing.
// Per-row failures are stamped into the ledger and do not stop the sweep.
func (s *Service) ReprocessPending(ctx context.Context, olderThan time.Duration) (int, error) {
	rows, err := s.repo.ListWebhookEventsByStatus(models.WebhookStatusPending, 100)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-olderThan)
	processed := 0
	for i := range rows {
		row := &rows[i]
		if row.CreatedAt.After(cutoff) {
			continue
		}
		if _, err := s.ProcessEvent(ctx, row); err != nil {
			log.Errorf("[Billing] reprocess pending event %d: %v", row.ID, err)
			continue
		}
		processed++
	}
	return processed, nil
}

// ListEventsByStatus returns ledger rows in one status for the operator view,
// oldest first.
func (s *Service) ListEventsByStatus(status string, limit int) ([]models.WebhookEvent, error) {
	return s.repo.ListWebhookEventsByStatus(status, limit)
}

// apply routes the event to its target and folds it in. It returns the
// ledger outcome, the side effects to queue and the affected customer.
func (s *Service) apply(ctx context.Context, ev *Event) (string, []Effect, uint, error) {
	_ = ctx

	switch ev.Type {
	case EventChargeRefunded:
		if ev.InvoiceRef == "" {
			return models.WebhookStatusIgnoredUnhandled, nil, 0, nil
		}
		if err := s.repo.MarkInvoiceRefunded(ev.InvoiceRef); err != nil {
			return "", nil, 0, fmt.Errorf("mark invoice refunded: %w", err)
		}
		return models.WebhookStatusApplied, nil, 0, nil

	case EventCheckoutCompleted:
		// The checkout resolved synchronously through the intent service;
		// the processor's own session object carries nothing to fold in.
		return models.WebhookStatusApplied, nil, 0, nil
	}

	sub, created, effects, err := s.resolveTarget(ev)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return "", nil, 0, fmt.Errorf("%w for %s event %s", ErrSubscriptionNotFound, ev.Type, ev.ID)
	}
	if err != nil {
		return "", nil, 0, err
	}
	if created {
		return models.WebhookStatusApplied, effects, sub.CustomerID, nil
	}

	res := reduce(*sub, ev, s.now(), s.grace)
	if !res.changed {
		return res.outcome, res.effects, 0, nil
	}

	ok, err := s.repo.UpdateSubscriptionGuarded(&res.sub)
	if err != nil {
		return "", nil, 0, err
	}
	if !ok {
		// Lost the optimistic lock: re-read once and re-apply. The reducer's
		// stale check decides whether the event still matters.
		fresh, err := s.repo.GetSubscription(sub.ID)
		if err != nil {
			return "", nil, 0, err
		}
		res = reduce(*fresh, ev, s.now(), s.grace)
		if !res.changed {
			return res.outcome, res.effects, 0, nil
		}
		ok, err = s.repo.UpdateSubscriptionGuarded(&res.sub)
		if err != nil {
			return "", nil, 0, err
		}
		if !ok {
			return "", nil, 0, fmt.Errorf("subscription %d: lost optimistic lock twice", sub.ID)
		}
	}
	return res.outcome, res.effects, res.sub.CustomerID, nil
}

// resolveTarget finds or creates the subscription an event belongs to.
func (s *Service) resolveTarget(ev *Event) (*models.Subscription, bool, []Effect, error) {
	if strings.HasPrefix(ev.Type, "payment_intent.") {
		return s.resolveByIntent(ev)
	}

	ref := strings.TrimSpace(ev.SubscriptionRef)
	if ref != "" {
		sub, err := s.repo.FindSubscriptionByProviderRef(models.BillingProviderStripe, ref)
		if err == nil {
			return sub, false, nil, nil
		}
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return nil, false, nil, err
		}
	}

	// Unknown subscription ref: try to adopt the intent-created record of
	// the same customer before considering a brand-new subscription.
	customer, err := s.customerByRef(ev.CustomerRef)
	if err != nil {
		return nil, false, nil, ErrSubscriptionNotFound
	}
	if sub, err := s.repo.FindSubscriptionForAdoption(customer.ID); err == nil {
		if ref != "" {
			sub.ProviderSubscriptionID = ref
		}
		return sub, false, nil, nil
	}
	if ev.Type == EventSubscriptionCreated {
		return s.createFromSubscriptionEvent(ev, customer)
	}
	return nil, false, nil, ErrSubscriptionNotFound
}

// resolveByIntent routes payment_intent events through the stored intent to
// the customer's subscription, creating it on the first success.
func (s *Service) resolveByIntent(ev *Event) (*models.Subscription, bool, []Effect, error) {
	intent, err := s.intents.FindByProviderID(ev.ObjectID)
	if err != nil {
		if errors.Is(err, payment.ErrIntentNotFound) {
			return nil, false, nil, ErrSubscriptionNotFound
		}
		return nil, false, nil, err
	}

	subs, err := s.repo.ListSubscriptionsByCustomer(intent.CustomerID)
	if err != nil {
		return nil, false, nil, err
	}
	var target *models.Subscription
	for i := range subs {
		sub := &subs[i]
		if sub.PlanID != intent.PlanID || sub.IsTerminal() {
			continue
		}
		if target == nil || sub.ID > target.ID {
			target = sub
		}
	}
	if target != nil {
		return target, false, nil, nil
	}

	if ev.Type != EventPaymentSucceeded {
		// A failure for a subscription that never materialized has nothing
		// to dun against.
		return nil, false, nil, ErrSubscriptionNotFound
	}
	return s.createFromIntent(ev, intent)
}

// createFromIntent is first-purchase subscription creation: the intent
// succeeded and no subscription exists yet for this customer and plan.
func (s *Service) createFromIntent(ev *Event, intent *models.PaymentIntent) (*models.Subscription, bool, []Effect, error) {
	plan, err := s.catalog.Plan(intent.PlanID)
	if err != nil {
		return nil, false, nil, fmt.Errorf("intent %s references unknown plan %s", intent.ProviderIntentID, intent.PlanID)
	}

	start := ev.CreatedAt
	status := models.SubscriptionStatusActive
	var end time.Time
	if intent.BillingInterval == models.BillingIntervalYear {
		end = start.AddDate(1, 0, 0)
	} else {
		end = start.AddDate(0, 1, 0)
	}
	if plan.TrialDays > 0 {
		status = models.SubscriptionStatusTrialing
		end = start.AddDate(0, 0, plan.TrialDays)
	}

	eventAt := ev.CreatedAt
	sub := &models.Subscription{
		CustomerID:             intent.CustomerID,
		PlanID:                 plan.ID,
		Provider:               models.BillingProviderStripe,
		ProviderSubscriptionID: intentRefPrefix + intent.ProviderIntentID,
		BillingInterval:        intent.BillingInterval,
		Status:                 status,
		CurrentPeriodStart:     &start,
		CurrentPeriodEnd:       &end,
		LastPaymentIntentID:    intent.ProviderIntentID,
		LastEventAt:            &eventAt,
	}
	if err := s.repo.CreateSubscription(sub); err != nil {
		return nil, false, nil, err
	}

	effects := []Effect{{
		Kind:           EffectSendReceipt,
		CustomerID:     sub.CustomerID,
		SubscriptionID: sub.ID,
		Amount:         ev.Amount,
		Currency:       ev.Currency,
	}}
	return sub, true, effects, nil
}

// createFromSubscriptionEvent creates a subscription straight from the
// processor's subscription object, the path for subscriptions managed
// entirely on the processor side.
func (s *Service) createFromSubscriptionEvent(ev *Event, customer *models.Customer) (*models.Subscription, bool, []Effect, error) {
	plan, ok := s.catalog.PlanByPriceRef(ev.PriceRef)
	if !ok {
		return nil, false, nil, ErrSubscriptionNotFound
	}

	interval := models.BillingIntervalMonth
	if ev.Interval == models.BillingIntervalYear {
		interval = models.BillingIntervalYear
	}
	status := models.SubscriptionStatusActive
	switch ev.Status {
	case models.SubscriptionStatusTrialing, models.SubscriptionStatusActive,
		models.SubscriptionStatusPastDue, models.SubscriptionStatusUnpaid:
		status = ev.Status
	}

	eventAt := ev.CreatedAt
	sub := &models.Subscription{
		CustomerID:             customer.ID,
		PlanID:                 plan.ID,
		Provider:               models.BillingProviderStripe,
		ProviderSubscriptionID: ev.SubscriptionRef,
		BillingInterval:        interval,
		Status:                 status,
		CurrentPeriodStart:     ev.PeriodStart,
		CurrentPeriodEnd:       ev.PeriodEnd,
		CancelAtPeriodEnd:      ev.CancelAtPeriodEnd,
		LastEventAt:            &eventAt,
	}
	if err := s.repo.CreateSubscription(sub); err != nil {
		return nil, false, nil, err
	}
	return sub, true, nil, nil
}

// CancelSubscription requests cancellation at period end. Access continues
// until the period closes; the final state change arrives via webhook.
// Repeating the call on an already-cancelling subscription is a no-op.
func (s *Service) CancelSubscription(ctx context.Context, id uint) (*models.Subscription, error) {
	sub, err := s.repo.GetSubscription(id)
	if err != nil {
		return nil, err
	}
	if sub.IsTerminal() || sub.CancelAtPeriodEnd {
		return sub, nil
	}

	if s.processor != nil && !strings.HasPrefix(sub.ProviderSubscriptionID, intentRefPrefix) {
		if err := s.processor.CancelSubscription(ctx, sub.ProviderSubscriptionID); err != nil {
			return nil, err
		}
	}

	sub.CancelAtPeriodEnd = true
	ok, err := s.repo.UpdateSubscriptionGuarded(sub)
	if err != nil {
		return nil, err
	}
	if !ok {
		fresh, err := s.repo.GetSubscription(id)
		if err != nil {
			return nil, err
		}
		if fresh.IsTerminal() || fresh.CancelAtPeriodEnd {
			return fresh, nil
		}
		fresh.CancelAtPeriodEnd = true
		if ok, err = s.repo.UpdateSubscriptionGuarded(fresh); err != nil {
			return nil, err
		} else if !ok {
			return nil, fmt.Errorf("subscription %d: lost optimistic lock twice", id)
		}
		return fresh, nil
	}
	return sub, nil
}

// CancelSubscriptionImmediately ends the subscription now. The processor
// revokes the remainder of the period and the local record flips to canceled
// without waiting for the webhook. Already-terminal subscriptions are a no-op.
func (s *Service) CancelSubscriptionImmediately(ctx context.Context, id uint) (*models.Subscription, error) {
	sub, err := s.repo.GetSubscription(id)
	if err != nil {
		return nil, err
	}
	if sub.IsTerminal() {
		return sub, nil
	}

	if s.processor != nil && !strings.HasPrefix(sub.ProviderSubscriptionID, intentRefPrefix) {
		if err := s.processor.DeleteSubscription(ctx, sub.ProviderSubscriptionID); err != nil {
			return nil, err
		}
	}

	cancelNow := func(target *models.Subscription) {
		target.Status = models.SubscriptionStatusCanceled
		target.CancelAtPeriodEnd = false
		target.GraceExpiresAt = nil
	}

	cancelNow(sub)
	ok, err := s.repo.UpdateSubscriptionGuarded(sub)
	if err != nil {
		return nil, err
	}
	if !ok {
		fresh, err := s.repo.GetSubscription(id)
		if err != nil {
			return nil, err
		}
		if fresh.IsTerminal() {
			return fresh, nil
		}
		cancelNow(fresh)
		if ok, err = s.repo.UpdateSubscriptionGuarded(fresh); err != nil {
			return nil, err
		} else if !ok {
			return nil, fmt.Errorf("subscription %d: lost optimistic lock twice", id)
		}
		sub = fresh
	}

	if _, err := s.ReconcileCustomerPlan(sub.CustomerID); err != nil {
		log.Errorf("[Billing] plan reconciliation for customer %d: %v", sub.CustomerID, err)
	}
	return sub, nil
}

// GetSubscription loads one subscription for the API layer.
func (s *Service) GetSubscription(id uint) (*models.Subscription, error) {
	return s.repo.GetSubscription(id)
}

// ListCustomerSubscriptions returns every subscription of a customer.
func (s *Service) ListCustomerSubscriptions(customerID uint) ([]models.Subscription, error) {
	return s.repo.ListSubscriptionsByCustomer(customerID)
}

// GetCustomer loads one customer for the API layer.
func (s *Service) GetCustomer(id uint) (*models.Customer, error) {
	return s.repo.GetCustomer(id)
}

// ReconcileCustomerPlan recomputes the customer's effective plan from their
// entitling subscriptions and persists it when it moved. The most expensive
// entitling plan wins.
func (s *Service) ReconcileCustomerPlan(customerID uint) (string, error) {
	subs, err := s.repo.ListSubscriptionsByCustomer(customerID)
	if err != nil {
		return "", err
	}

	best := ""
	var bestPrice int64 = -1
	for _, sub := range subs {
		if !s.entitles(&sub) {
			continue
		}
		plan, err := s.catalog.Plan(sub.PlanID)
		if err != nil {
			continue
		}
		if plan.Price > bestPrice {
			best = plan.ID
			bestPrice = plan.Price
		}
	}
	if best == "" {
		best = "free"
	}

	customer, err := s.repo.GetCustomer(customerID)
	if err != nil {
		return "", err
	}
	if customer.EffectivePlan == best {
		return best, nil
	}
	customer.EffectivePlan = best
	if err := s.repo.SaveCustomer(customer); err != nil {
		return "", err
	}
	return best, nil
}

// entitles reports whether a subscription currently grants plan access:
// trialing, active, or past_due inside its grace window.
func (s *Service) entitles(sub *models.Subscription) bool {
	switch sub.Status {
	case models.SubscriptionStatusTrialing, models.SubscriptionStatusActive:
		return true
	case models.SubscriptionStatusPastDue:
		return sub.GraceExpiresAt == nil || s.now().Before(*sub.GraceExpiresAt)
	default:
		return false
	}
}

func (s *Service) customerByRef(providerCustomerID string) (*models.Customer, error) {
	ref := strings.TrimSpace(providerCustomerID)
	if ref == "" {
		return nil, ErrSubscriptionNotFound
	}
	return s.repo.FindCustomerByProviderRef(ref)
}

// runEffect hands one side effect to the sink.
func (s *Service) runEffect(effect Effect) {
	if s.effects == nil {
		return
	}
	if err := s.effects.Enqueue(effect); err != nil {
		log.Errorf("[Billing] enqueue %s effect for customer %d: %v", effect.Kind, effect.CustomerID, err)
	}
}
