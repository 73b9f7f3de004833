package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/logos-ecosystem/logos-billing/app/models"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/catalog"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/payment"
)

// memoryRepo is an in-process Repository for service tests. guardFailures
// makes the next N guarded updates lose the optimistic lock.
type memoryRepo struct {
	events        map[string]*models.WebhookEvent
	eventsByID    map[uint]*models.WebhookEvent
	subs          map[uint]*models.Subscription
	customers     map[uint]*models.Customer
	invoices      map[string]*models.Invoice
	nextEventID   uint
	nextSubID     uint
	guardFailures int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		events:     make(map[string]*models.WebhookEvent),
		eventsByID: make(map[uint]*models.WebhookEvent),
		subs:       make(map[uint]*models.Subscription),
		customers:  make(map[uint]*models.Customer),
		invoices:   make(map[string]*models.Invoice),
	}
}

func (m *memoryRepo) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	key := event.Provider + "/" + event.ProviderEventID
	if existing, ok := m.events[key]; ok {
		cp := *existing
		return false, &cp, nil
	}
	m.nextEventID++
	event.ID = m.nextEventID
	cp := *event
	m.events[key] = &cp
	m.eventsByID[event.ID] = &cp
	out := cp
	return true, &out, nil
}

func (m *memoryRepo) GetWebhookEvent(id uint) (*models.WebhookEvent, error) {
	ev, ok := m.eventsByID[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *memoryRepo) ListWebhookEventsByStatus(status string, limit int) ([]models.WebhookEvent, error) {
	var out []models.WebhookEvent
	for _, ev := range m.eventsByID {
		if ev.Status == status {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (m *memoryRepo) SetWebhookOutcome(id uint, status, processingError string) error {
	ev, ok := m.eventsByID[id]
	if !ok {
		return ErrEventNotFound
	}
	now := time.Now()
	ev.Status = status
	ev.ProcessingError = processingError
	ev.ProcessedAt = &now
	return nil
}

func (m *memoryRepo) GetSubscription(id uint) (*models.Subscription, error) {
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *memoryRepo) FindSubscriptionByProviderRef(provider, ref string) (*models.Subscription, error) {
	for _, sub := range m.subs {
		if sub.Provider == provider && sub.ProviderSubscriptionID == ref {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (m *memoryRepo) FindSubscriptionForAdoption(customerID uint) (*models.Subscription, error) {
	for _, sub := range m.subs {
		if sub.CustomerID == customerID && strings.HasPrefix(sub.ProviderSubscriptionID, intentRefPrefix) {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (m *memoryRepo) ListSubscriptionsByCustomer(customerID uint) ([]models.Subscription, error) {
	var out []models.Subscription
	for _, sub := range m.subs {
		if sub.CustomerID == customerID {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (m *memoryRepo) CreateSubscription(sub *models.Subscription) error {
	m.nextSubID++
	sub.ID = m.nextSubID
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *memoryRepo) UpdateSubscriptionGuarded(sub *models.Subscription) (bool, error) {
	stored, ok := m.subs[sub.ID]
	if !ok {
		return false, ErrSubscriptionNotFound
	}
	if m.guardFailures > 0 {
		m.guardFailures--
		// Simulate a concurrent writer bumping the version.
		stored.LockVersion++
		return false, nil
	}
	if stored.LockVersion != sub.LockVersion {
		return false, nil
	}
	cp := *sub
	cp.LockVersion++
	m.subs[sub.ID] = &cp
	sub.LockVersion++
	return true, nil
}

func (m *memoryRepo) GetCustomer(id uint) (*models.Customer, error) {
	c, ok := m.customers[id]
	if !ok {
		return nil, fmt.Errorf("customer %d not found", id)
	}
	cp := *c
	return &cp, nil
}

func (m *memoryRepo) FindCustomerByProviderRef(ref string) (*models.Customer, error) {
	for _, c := range m.customers {
		if c.ProviderCustomerID == ref {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("customer ref %s not found", ref)
}

func (m *memoryRepo) SaveCustomer(c *models.Customer) error {
	cp := *c
	m.customers[c.ID] = &cp
	return nil
}

func (m *memoryRepo) CreateInvoice(inv *models.Invoice) error {
	if _, ok := m.invoices[inv.ProviderInvoiceID]; ok {
		return nil
	}
	cp := *inv
	m.invoices[inv.ProviderInvoiceID] = &cp
	return nil
}

func (m *memoryRepo) MarkInvoiceRefunded(ref string) error {
	if inv, ok := m.invoices[ref]; ok {
		inv.Status = models.InvoiceStatusRefunded
	}
	return nil
}

// fakeIntents is an in-process payment.IntentStore.
type fakeIntents struct {
	byProvider map[string]*models.PaymentIntent
}

func newFakeIntents() *fakeIntents {
	return &fakeIntents{byProvider: make(map[string]*models.PaymentIntent)}
}

func (f *fakeIntents) Create(in *models.PaymentIntent) error {
	f.byProvider[in.ProviderIntentID] = in
	return nil
}

func (f *fakeIntents) Update(in *models.PaymentIntent) error {
	f.byProvider[in.ProviderIntentID] = in
	return nil
}

func (f *fakeIntents) FindBySession(string) (*models.PaymentIntent, error) {
	return nil, payment.ErrIntentNotFound
}

func (f *fakeIntents) FindByProviderID(id string) (*models.PaymentIntent, error) {
	in, ok := f.byProvider[id]
	if !ok {
		return nil, payment.ErrIntentNotFound
	}
	return in, nil
}

type capturedEffects struct {
	effects []Effect
}

func (c *capturedEffects) Enqueue(e Effect) error {
	c.effects = append(c.effects, e)
	return nil
}

type fakeGateway struct {
	cancels []string
	deletes []string
}

func (g *fakeGateway) CancelSubscription(_ context.Context, ref string) error {
	g.cancels = append(g.cancels, ref)
	return nil
}

func (g *fakeGateway) DeleteSubscription(_ context.Context, ref string) error {
	g.deletes = append(g.deletes, ref)
	return nil
}

type serviceFixture struct {
	svc     *Service
	repo    *memoryRepo
	intents *fakeIntents
	effects *capturedEffects
	gateway *fakeGateway
	now     time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	repo := newMemoryRepo()
	intents := newFakeIntents()
	effects := &capturedEffects{}
	gateway := &fakeGateway{}

	cat := catalog.New([]catalog.Plan{
		{ID: "professional", Name: "Professional", Price: 9900, Currency: "usd", ProviderPriceRef: "price_pro"},
		{ID: "starter", Name: "Starter", Price: 1900, Currency: "usd", TrialDays: 14, ProviderPriceRef: "price_starter"},
	}, nil, nil, nil)

	svc := NewService(repo, cat, intents, gateway, effects)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	svc.grace = 7 * 24 * time.Hour

	repo.customers[7] = &models.Customer{ID: 7, Email: "ada@example.com", ProviderCustomerID: "cus_7", EffectivePlan: "free"}

	return &serviceFixture{svc: svc, repo: repo, intents: intents, effects: effects, gateway: gateway, now: now}
}

func eventPayload(t *testing.T, id, eventType string, created time.Time, object map[string]any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    eventType,
		"created": created.Unix(),
		"data":    map[string]any{"object": object},
	})
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func (f *serviceFixture) record(t *testing.T, payload []byte) *models.WebhookEvent {
	t.Helper()
	row, dup, err := f.svc.RecordWebhookEvent(models.BillingProviderStripe, payload)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if dup {
		t.Fatalf("unexpected duplicate for %s", row.ProviderEventID)
	}
	return row
}

func TestRecordWebhookEventDeduplicates(t *testing.T) {
	f := newServiceFixture(t)
	payload := eventPayload(t, "evt_1", EventPaymentSucceeded, f.now, map[string]any{"id": "pi_1"})

	first := f.record(t, payload)
	for i := 0; i < 3; i++ {
		row, dup, err := f.svc.RecordWebhookEvent(models.BillingProviderStripe, payload)
		if err != nil {
			t.Fatalf("record replay %d: %v", i, err)
		}
		if !dup || row.ID != first.ID {
			t.Fatalf("replay %d must return the original row as duplicate", i)
		}
	}
	if len(f.repo.events) != 1 {
		t.Fatalf("ledger must hold one row, has %d", len(f.repo.events))
	}
}

func TestRecordWebhookEventRejectsMalformed(t *testing.T) {
	f := newServiceFixture(t)
	_, _, err := f.svc.RecordWebhookEvent(models.BillingProviderStripe, []byte(`{"type":"x"}`))
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestProcessFirstPaymentCreatesSubscription(t *testing.T) {
	f := newServiceFixture(t)
	f.intents.Create(&models.PaymentIntent{
		ProviderIntentID: "pi_1", CustomerID: 7, PlanID: "professional",
		BillingInterval: models.BillingIntervalMonth, Amount: 10692, Currency: "usd",
	})
	payload := eventPayload(t, "evt_1", EventPaymentSucceeded, f.now, map[string]any{
		"id": "pi_1", "amount": 10692, "currency": "usd", "customer": "cus_7",
	})
	row := f.record(t, payload)

	outcome, err := f.svc.ProcessEvent(context.Background(), row)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != models.WebhookStatusApplied {
		t.Fatalf("outcome = %s", outcome)
	}

	subs, _ := f.repo.ListSubscriptionsByCustomer(7)
	if len(subs) != 1 {
		t.Fatalf("expected one subscription, got %d", len(subs))
	}
	sub := subs[0]
	if sub.Status != models.SubscriptionStatusActive || sub.PlanID != "professional" {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Equal(f.now.AddDate(0, 1, 0)) {
		t.Fatalf("period end wrong: %v", sub.CurrentPeriodEnd)
	}

	customer, _ := f.repo.GetCustomer(7)
	if customer.EffectivePlan != "professional" {
		t.Fatalf("effective plan not reconciled: %s", customer.EffectivePlan)
	}
	if len(f.effects.effects) != 1 || f.effects.effects[0].Kind != EffectSendReceipt {
		t.Fatalf("expected receipt effect, got %+v", f.effects.effects)
	}
}

func TestProcessFirstPaymentWithTrialStartsTrialing(t *testing.T) {
	f := newServiceFixture(t)
	f.intents.Create(&models.PaymentIntent{
		ProviderIntentID: "pi_2", CustomerID: 7, PlanID: "starter",
		BillingInterval: models.BillingIntervalMonth,
	})
	row := f.record(t, eventPayload(t, "evt_2", EventPaymentSucceeded, f.now, map[string]any{"id": "pi_2"}))

	if _, err := f.svc.ProcessEvent(context.Background(), row); err != nil {
		t.Fatalf("process: %v", err)
	}
	subs, _ := f.repo.ListSubscriptionsByCustomer(7)
	if subs[0].Status != models.SubscriptionStatusTrialing {
		t.Fatalf("trial plan must start trialing, got %s", subs[0].Status)
	}
	if !subs[0].CurrentPeriodEnd.Equal(f.now.AddDate(0, 0, 14)) {
		t.Fatalf("trial period end wrong: %v", subs[0].CurrentPeriodEnd)
	}
}

func TestProcessPaymentFailureKeepsEntitlementDuringGrace(t *testing.T) {
	f := newServiceFixture(t)
	f.intents.Create(&models.PaymentIntent{
		ProviderIntentID: "pi_1", CustomerID: 7, PlanID: "professional",
		BillingInterval: models.BillingIntervalMonth,
	})
	row := f.record(t, eventPayload(t, "evt_1", EventPaymentSucceeded, f.now, map[string]any{"id": "pi_1"}))
	if _, err := f.svc.ProcessEvent(context.Background(), row); err != nil {
		t.Fatal(err)
	}

	f.intents.Create(&models.PaymentIntent{
		ProviderIntentID: "pi_renew", CustomerID: 7, PlanID: "professional",
		BillingInterval: models.BillingIntervalMonth,
	})
	failed := f.record(t, eventPayload(t, "evt_3", EventPaymentFailed, f.now.Add(time.Hour), map[string]any{
		"id": "pi_renew", "last_payment_error": map[string]any{"decline_code": "card_expired"},
	}))
	outcome, err := f.svc.ProcessEvent(context.Background(), failed)
	if err != nil || outcome != models.WebhookStatusApplied {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}

	subs, _ := f.repo.ListSubscriptionsByCustomer(7)
	if subs[0].Status != models.SubscriptionStatusPastDue {
		t.Fatalf("status = %s", subs[0].Status)
	}
	// Inside the grace window the plan stays entitled.
	customer, _ := f.repo.GetCustomer(7)
	if customer.EffectivePlan != "professional" {
		t.Fatalf("grace must keep entitlement, got %s", customer.EffectivePlan)
	}
}

func TestProcessStaleEventConverges(t *testing.T) {
	f := newServiceFixture(t)
	f.intents.Create(&models.PaymentIntent{
		ProviderIntentID: "pi_1", CustomerID: 7, PlanID: "professional",
		BillingInterval: models.BillingIntervalMonth,
	})
	row := f.record(t, eventPayload(t, "evt_1", EventPaymentSucceeded, f.now, map[string]any{"id": "pi_1"}))
	if _, err := f.svc.ProcessEvent(context.Background(), row); err != nil {
		t.Fatal(err)
	}

	// A failure event generated before the success arrives afterwards.
	f.intents.Create(&models.PaymentIntent{
		ProviderIntentID: "pi_old", CustomerID: 7, PlanID: "professional",
		BillingInterval: models.BillingIntervalMonth,
	})
	stale := f.record(t, eventPayload(t, "evt_stale", EventPaymentFailed, f.now.Add(-time.Hour), map[string]any{"id": "pi_old"}))
	outcome, err := f.svc.ProcessEvent(context.Background(), stale)
	if err != nil {
		t.Fatalf("process stale: %v", err)
	}
	if outcome != models.WebhookStatusIgnoredStale {
		t.Fatalf("outcome = %s", outcome)
	}
	subs, _ := f.repo.ListSubscriptionsByCustomer(7)
	if subs[0].Status != models.SubscriptionStatusActive {
		t.Fatalf("stale event changed state: %s", subs[0].Status)
	}
}

func TestProcessRetriesLostOptimisticLock(t *testing.T) {
	f := newServiceFixture(t)
	f.intents.Create(&models.PaymentIntent{
		ProviderIntentID: "pi_1", CustomerID: 7, PlanID: "professional",
		BillingInterval: models.BillingIntervalMonth,
	})
	row := f.record(t, eventPayload(t, "evt_1", EventPaymentSucceeded, f.now, map[string]any{"id": "pi_1"}))
	if _, err := f.svc.ProcessEvent(context.Background(), row); err != nil {
		t.Fatal(err)
	}

	f.repo.guardFailures = 1
	f.intents.Create(&models.PaymentIntent{
		ProviderIntentID: "pi_renew", CustomerID: 7, PlanID: "professional",
		BillingInterval: models.BillingIntervalMonth,
	})
	renewal := f.record(t, eventPayload(t, "evt_renew", EventPaymentSucceeded, f.now.Add(time.Hour), map[string]any{"id": "pi_renew"}))
	outcome, err := f.svc.ProcessEvent(context.Background(), renewal)
	if err != nil {
		t.Fatalf("lock retry must recover: %v", err)
	}
	if outcome != models.WebhookStatusApplied {
		t.Fatalf("outcome = %s", outcome)
	}
	subs, _ := f.repo.ListSubscriptionsByCustomer(7)
	if subs[0].LastPaymentIntentID != "pi_renew" {
		t.Fatalf("renewal not applied after retry: %+v", subs[0])
	}
}

func TestProcessAdoptsIntentCreatedSubscription(t *testing.T) {
	f := newServiceFixture(t)
	f.intents.Create(&models.PaymentIntent{
		ProviderIntentID: "pi_1", CustomerID: 7, PlanID: "professional",
		BillingInterval: models.BillingIntervalMonth,
	})
	row := f.record(t, eventPayload(t, "evt_1", EventPaymentSucceeded, f.now, map[string]any{"id": "pi_1"}))
	if _, err := f.svc.ProcessEvent(context.Background(), row); err != nil {
		t.Fatal(err)
	}

	update := f.record(t, eventPayload(t, "evt_sub", EventSubscriptionUpdated, f.now.Add(time.Minute), map[string]any{
		"id": "sub_real", "customer": "cus_7", "status": "active",
		"current_period_start": f.now.Unix(), "current_period_end": f.now.AddDate(0, 1, 0).Unix(),
	}))
	outcome, err := f.svc.ProcessEvent(context.Background(), update)
	if err != nil || outcome != models.WebhookStatusApplied {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	if _, err := f.repo.FindSubscriptionByProviderRef(models.BillingProviderStripe, "sub_real"); err != nil {
		t.Fatalf("subscription did not adopt provider ref: %v", err)
	}
	subs, _ := f.repo.ListSubscriptionsByCustomer(7)
	if len(subs) != 1 {
		t.Fatalf("adoption must not create a second subscription, got %d", len(subs))
	}
}

func TestProcessUnknownReferenceFailsForOperator(t *testing.T) {
	f := newServiceFixture(t)
	row := f.record(t, eventPayload(t, "evt_x", EventSubscriptionDeleted, f.now, map[string]any{
		"id": "sub_ghost", "customer": "cus_unknown",
	}))
	outcome, err := f.svc.ProcessEvent(context.Background(), row)
	if err != nil {
		t.Fatalf("reconciliation failures ack, not error: %v", err)
	}
	if outcome != models.WebhookStatusFailed {
		t.Fatalf("outcome = %s, want %s", outcome, models.WebhookStatusFailed)
	}

	stored, err := f.repo.GetWebhookEvent(row.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.WebhookStatusFailed || stored.ProcessingError == "" {
		t.Fatalf("ledger row must carry the failure reason: %+v", stored)
	}

	// The row is visible to the operator queue and retryable once the
	// subscription exists.
	failed, _ := f.repo.ListWebhookEventsByStatus(models.WebhookStatusFailed, 100)
	if len(failed) != 1 {
		t.Fatalf("failed queue = %d rows, want 1", len(failed))
	}
	f.repo.CreateSubscription(&models.Subscription{
		CustomerID: 9, PlanID: "professional", Provider: models.BillingProviderStripe,
		ProviderSubscriptionID: "sub_ghost", Status: models.SubscriptionStatusActive,
		BillingInterval: models.BillingIntervalMonth,
	})
	outcome, err = f.svc.RetryEvent(context.Background(), row.ID)
	if err != nil || outcome != models.WebhookStatusApplied {
		t.Fatalf("retry after the subscription landed: outcome=%s err=%v", outcome, err)
	}
}

func TestChargeRefundedFlipsInvoice(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.invoices["in_1"] = &models.Invoice{ProviderInvoiceID: "in_1", Status: models.InvoiceStatusPaid}

	row := f.record(t, eventPayload(t, "evt_r", EventChargeRefunded, f.now, map[string]any{
		"id": "ch_1", "invoice": "in_1", "amount_refunded": 9900,
	}))
	outcome, err := f.svc.ProcessEvent(context.Background(), row)
	if err != nil || outcome != models.WebhookStatusApplied {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	if f.repo.invoices["in_1"].Status != models.InvoiceStatusRefunded {
		t.Fatalf("invoice not refunded: %+v", f.repo.invoices["in_1"])
	}
}

func TestCancelSubscriptionIdempotent(t *testing.T) {
	f := newServiceFixture(t)
	sub := &models.Subscription{
		CustomerID: 7, PlanID: "professional", Provider: models.BillingProviderStripe,
		ProviderSubscriptionID: "sub_1", Status: models.SubscriptionStatusActive,
		BillingInterval: models.BillingIntervalMonth,
	}
	f.repo.CreateSubscription(sub)

	got, err := f.svc.CancelSubscription(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !got.CancelAtPeriodEnd || got.Status != models.SubscriptionStatusActive {
		t.Fatalf("cancel must flag period end, keep access: %+v", got)
	}
	if len(f.gateway.cancels) != 1 || f.gateway.cancels[0] != "sub_1" {
		t.Fatalf("processor not called: %v", f.gateway.cancels)
	}

	// Second cancel is a no-op, no second processor call.
	if _, err := f.svc.CancelSubscription(context.Background(), sub.ID); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if len(f.gateway.cancels) != 1 {
		t.Fatalf("repeat cancel must not call processor again: %v", f.gateway.cancels)
	}
}

func TestCancelSubscriptionImmediately(t *testing.T) {
	f := newServiceFixture(t)
	sub := &models.Subscription{
		CustomerID: 7, PlanID: "professional", Provider: models.BillingProviderStripe,
		ProviderSubscriptionID: "sub_1", Status: models.SubscriptionStatusActive,
		BillingInterval: models.BillingIntervalMonth,
	}
	f.repo.CreateSubscription(sub)

	got, err := f.svc.CancelSubscriptionImmediately(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("immediate cancel: %v", err)
	}
	if got.Status != models.SubscriptionStatusCanceled || got.CancelAtPeriodEnd {
		t.Fatalf("immediate cancel must end access now: %+v", got)
	}
	if len(f.gateway.deletes) != 1 || f.gateway.deletes[0] != "sub_1" {
		t.Fatalf("processor delete not called: %v", f.gateway.deletes)
	}

	// Repeating on a terminal subscription is a no-op.
	if _, err := f.svc.CancelSubscriptionImmediately(context.Background(), sub.ID); err != nil {
		t.Fatalf("repeat immediate cancel: %v", err)
	}
	if len(f.gateway.deletes) != 1 {
		t.Fatalf("repeat must not call processor again: %v", f.gateway.deletes)
	}
}

func TestRetryEventOnlyForFailed(t *testing.T) {
	f := newServiceFixture(t)
	row := f.record(t, eventPayload(t, "evt_ok", EventCheckoutCompleted, f.now, map[string]any{"id": "cs_1"}))
	if _, err := f.svc.ProcessEvent(context.Background(), row); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.RetryEvent(context.Background(), row.ID); !errors.Is(err, ErrEventNotRetryable) {
		t.Fatalf("expected ErrEventNotRetryable, got %v", err)
	}
}
