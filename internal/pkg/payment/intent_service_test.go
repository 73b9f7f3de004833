package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/logos-ecosystem/logos-billing/app/models"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/catalog"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/checkout"
)

// memoryIntentStore is an in-process IntentStore for tests.
type memoryIntentStore struct {
	mu      sync.Mutex
	nextID  uint
	intents map[string]*models.PaymentIntent
}

func newMemoryIntentStore() *memoryIntentStore {
	return &memoryIntentStore{intents: make(map[string]*models.PaymentIntent)}
}

func (m *memoryIntentStore) Create(intent *models.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	intent.ID = m.nextID
	cp := *intent
	m.intents[intent.ProviderIntentID] = &cp
	return nil
}

func (m *memoryIntentStore) Update(intent *models.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *intent
	m.intents[intent.ProviderIntentID] = &cp
	return nil
}

func (m *memoryIntentStore) FindBySession(sessionID string) (*models.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.PaymentIntent
	for _, in := range m.intents {
		if in.CheckoutSessionID == sessionID && (latest == nil || in.ID > latest.ID) {
			latest = in
		}
	}
	if latest == nil {
		return nil, ErrIntentNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *memoryIntentStore) FindByProviderID(providerIntentID string) (*models.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[providerIntentID]
	if !ok {
		return nil, ErrIntentNotFound
	}
	cp := *in
	return &cp, nil
}

// fakeProcessor is an httptest-backed processor with scripted confirm
// behavior.
type fakeProcessor struct {
	srv *httptest.Server

	mu            sync.Mutex
	confirmStatus string // intent status returned by confirm
	failureReason string
	getStatus     string // intent status returned by GET after an action step
	creates       int
	confirms      int
}

func newFakeProcessor(t *testing.T) *fakeProcessor {
	t.Helper()
	f := &fakeProcessor{confirmStatus: "succeeded", getStatus: "succeeded"}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeProcessor) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	writeIntent := func(id, status string) {
		resp := map[string]any{
			"id":            id,
			"status":        status,
			"client_secret": id + "_secret",
		}
		if status == "requires_action" {
			resp["next_action"] = map[string]any{
				"redirect_to_url": map[string]any{"url": "https://pay.example.com/3ds/" + id},
			}
		}
		if f.failureReason != "" && (status == "requires_payment_method" || status == "canceled") {
			resp["last_payment_error"] = map[string]any{"decline_code": f.failureReason}
		}
		json.NewEncoder(w).Encode(resp)
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/payment_intents":
		f.creates++
		writeIntent(fmt.Sprintf("pi_%d", f.creates), "requires_confirmation")
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/confirm"):
		f.confirms++
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/payment_intents/"), "/confirm")
		writeIntent(id, f.confirmStatus)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/payment_intents/"):
		id := strings.TrimPrefix(r.URL.Path, "/payment_intents/")
		writeIntent(id, f.getStatus)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type submitFixture struct {
	svc      *IntentService
	co       *checkout.Controller
	intents  *memoryIntentStore
	counter  *catalog.MemoryRedemptionCounter
	customer *models.Customer
}

func newSubmitFixture(t *testing.T, proc *fakeProcessor) *submitFixture {
	t.Helper()
	counter := catalog.NewMemoryRedemptionCounter()
	plans := []catalog.Plan{
		{ID: "professional", Name: "Professional", Price: 9900, Currency: "usd"},
	}
	promos := []catalog.PromoCode{
		{Code: "WELCOME20", Type: catalog.PromoTypePercentage, Value: 20},
		{Code: "LASTSLOT", Type: catalog.PromoTypePercentage, Value: 10, MaxRedemptions: 1},
	}
	cat := catalog.New(plans, promos, map[string]int64{"NY": 800}, counter)

	store := checkout.NewStore(checkout.NewMemoryStorage(), checkout.NewMemoryLocker(), time.Minute)
	co := checkout.NewController(store, cat)

	intents := newMemoryIntentStore()
	svc := NewIntentService(testClient(proc.srv.URL), cat, co, intents)

	return &submitFixture{
		svc:      svc,
		co:       co,
		intents:  intents,
		counter:  counter,
		customer: &models.Customer{ID: 42, Email: "ada@example.com", ProviderCustomerID: "cus_42"},
	}
}

func (f *submitFixture) reviewedSession(t *testing.T, promo string) *checkout.Session {
	t.Helper()
	sess, err := f.co.Create()
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := f.co.Advance(sess.ID, checkout.AdvanceInput{PlanID: "professional", BillingInterval: "month"}); err != nil {
		t.Fatalf("plan step: %v", err)
	}
	billing := &checkout.BillingInfo{
		Name: "Ada Lovelace", Email: "ada@example.com",
		AddressLine1: "1 Analytical Way", City: "New York",
		Region: "NY", PostalCode: "10001", Country: "US",
	}
	if _, err := f.co.Advance(sess.ID, checkout.AdvanceInput{Billing: billing}); err != nil {
		t.Fatalf("billing step: %v", err)
	}
	if _, err := f.co.Advance(sess.ID, checkout.AdvanceInput{PaymentMethodType: "card"}); err != nil {
		t.Fatalf("payment method step: %v", err)
	}
	if promo != "" {
		if _, err := f.co.ApplyPromo(sess.ID, promo); err != nil {
			t.Fatalf("apply promo: %v", err)
		}
	}
	return sess
}

func TestSubmitSucceeds(t *testing.T) {
	proc := newFakeProcessor(t)
	f := newSubmitFixture(t, proc)
	sess := f.reviewedSession(t, "")

	res, err := f.svc.Submit(context.Background(), sess.ID, f.customer)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Outcome != OutcomeSucceeded {
		t.Fatalf("unexpected outcome %+v", res)
	}

	got, _ := f.co.Get(sess.ID)
	if got.Step != checkout.StepSuccess || got.ProviderIntentID != res.IntentID {
		t.Fatalf("session not resolved: %+v", got)
	}
	stored, err := f.intents.FindByProviderID(res.IntentID)
	if err != nil {
		t.Fatalf("intent not persisted: %v", err)
	}
	if stored.Status != models.IntentStatusSucceeded || stored.Amount != 10692 {
		t.Fatalf("unexpected stored intent: %+v", stored)
	}
}

func TestSubmitRequiresReviewStep(t *testing.T) {
	proc := newFakeProcessor(t)
	f := newSubmitFixture(t, proc)
	sess, _ := f.co.Create()

	_, err := f.svc.Submit(context.Background(), sess.ID, f.customer)
	if !errors.Is(err, checkout.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if proc.creates != 0 {
		t.Fatalf("no intent may be created for an unreviewed session")
	}
}

func TestSubmitDeclineFailsSessionAndReleasesPromo(t *testing.T) {
	proc := newFakeProcessor(t)
	proc.confirmStatus = "requires_payment_method"
	proc.failureReason = "insufficient_funds"
	f := newSubmitFixture(t, proc)
	sess := f.reviewedSession(t, "LASTSLOT")

	res, err := f.svc.Submit(context.Background(), sess.ID, f.customer)
	if err != nil {
		t.Fatalf("declines resolve, not error: %v", err)
	}
	if res.Outcome != OutcomeFailed || res.FailureReason != "insufficient_funds" {
		t.Fatalf("unexpected result %+v", res)
	}

	got, _ := f.co.Get(sess.ID)
	if got.Step != checkout.StepFailed || got.FailureReason != "insufficient_funds" {
		t.Fatalf("session not failed: %+v", got)
	}
	if n, _ := f.counter.Count("LASTSLOT"); n != 0 {
		t.Fatalf("promo slot must be released on failure, count=%d", n)
	}
}

func TestSubmitPromoLostRace(t *testing.T) {
	proc := newFakeProcessor(t)
	f := newSubmitFixture(t, proc)
	sess := f.reviewedSession(t, "LASTSLOT")

	// Someone else claims the only slot between Review and submit.
	if _, err := f.counter.Incr("LASTSLOT"); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.Submit(context.Background(), sess.ID, f.customer)
	if !errors.Is(err, ErrPromoNoLongerValid) {
		t.Fatalf("expected ErrPromoNoLongerValid, got %v", err)
	}
	got, _ := f.co.Get(sess.ID)
	if got.Step != checkout.StepFailed {
		t.Fatalf("session must resolve to failed: %+v", got)
	}
	if proc.creates != 0 {
		t.Fatalf("no intent may be created when the promo claim fails")
	}
	if n, _ := f.counter.Count("LASTSLOT"); n != 1 {
		t.Fatalf("the rival claim must survive, count=%d", n)
	}
}

func TestSubmitProcessorOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newSubmitFixture(t, &fakeProcessor{srv: srv})
	sess := f.reviewedSession(t, "")

	_, err := f.svc.Submit(context.Background(), sess.ID, f.customer)
	if !errors.Is(err, ErrProcessorUnavailable) {
		t.Fatalf("expected ErrProcessorUnavailable, got %v", err)
	}
	got, _ := f.co.Get(sess.ID)
	if got.Step != checkout.StepFailed || got.FailureReason != "processor_unavailable" {
		t.Fatalf("session must fail with retryable reason: %+v", got)
	}
}

func TestSubmitRequiresActionThenResume(t *testing.T) {
	proc := newFakeProcessor(t)
	proc.confirmStatus = "requires_action"
	f := newSubmitFixture(t, proc)
	sess := f.reviewedSession(t, "")

	res, err := f.svc.Submit(context.Background(), sess.ID, f.customer)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Outcome != OutcomeRequiresAction || res.ActionHandle == "" {
		t.Fatalf("expected action handle, got %+v", res)
	}

	// Session stays frozen in Submitting while the customer completes the
	// action; other mutations are rejected.
	got, _ := f.co.Get(sess.ID)
	if got.Step != checkout.StepSubmitting {
		t.Fatalf("session must wait in submitting: %+v", got)
	}
	if _, err := f.co.Back(sess.ID, checkout.StepReview); !errors.Is(err, checkout.ErrConflict) {
		t.Fatalf("expected conflict during pending action, got %v", err)
	}

	proc.mu.Lock()
	proc.getStatus = "succeeded"
	proc.mu.Unlock()

	resumed, err := f.svc.Resume(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Outcome != OutcomeSucceeded {
		t.Fatalf("unexpected resume outcome %+v", resumed)
	}
	got, _ = f.co.Get(sess.ID)
	if got.Step != checkout.StepSuccess {
		t.Fatalf("session not resolved after resume: %+v", got)
	}
}

func TestResumeWithoutPendingAction(t *testing.T) {
	proc := newFakeProcessor(t)
	f := newSubmitFixture(t, proc)
	sess := f.reviewedSession(t, "")

	if _, err := f.svc.Submit(context.Background(), sess.ID, f.customer); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err := f.svc.Resume(context.Background(), sess.ID)
	if !errors.Is(err, ErrNoActionPending) {
		t.Fatalf("expected ErrNoActionPending, got %v", err)
	}
}
