package controllers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logos-ecosystem/logos-billing/app/models"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/billing"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/catalog"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/payment"
)

const testWebhookSecret = "whsec_test"

var errStubNotFound = errors.New("not found")

// stubLedgerRepo covers the slice of the reconciliation repository the
// webhook gateway exercises: the event ledger. Everything else answers
// not-found.
type stubLedgerRepo struct {
	nextID          uint
	byProviderID    map[string]*models.WebhookEvent
	byID            map[uint]*models.WebhookEvent
	createCalls     int
	setOutcomeCalls int
}

func newStubLedgerRepo() *stubLedgerRepo {
	return &stubLedgerRepo{
		byProviderID: make(map[string]*models.WebhookEvent),
		byID:         make(map[uint]*models.WebhookEvent),
	}
}

func (r *stubLedgerRepo) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	r.createCalls++
	if existing, ok := r.byProviderID[event.ProviderEventID]; ok {
		cp := *existing
		return false, &cp, nil
	}
	r.nextID++
	event.ID = r.nextID
	stored := *event
	r.byProviderID[stored.ProviderEventID] = &stored
	r.byID[stored.ID] = &stored
	cp := stored
	return true, &cp, nil
}

func (r *stubLedgerRepo) GetWebhookEvent(id uint) (*models.WebhookEvent, error) {
	ev, ok := r.byID[id]
	if !ok {
		return nil, billing.ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (r *stubLedgerRepo) ListWebhookEventsByStatus(status string, limit int) ([]models.WebhookEvent, error) {
	var out []models.WebhookEvent
	for _, ev := range r.byID {
		if ev.Status == status {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (r *stubLedgerRepo) SetWebhookOutcome(id uint, status, processingError string) error {
	r.setOutcomeCalls++
	ev, ok := r.byID[id]
	if !ok {
		return billing.ErrEventNotFound
	}
	now := time.Now()
	ev.Status = status
	ev.ProcessingError = processingError
	ev.ProcessedAt = &now
	return nil
}

func (r *stubLedgerRepo) GetSubscription(uint) (*models.Subscription, error) {
	return nil, billing.ErrSubscriptionNotFound
}

func (r *stubLedgerRepo) FindSubscriptionByProviderRef(string, string) (*models.Subscription, error) {
	return nil, billing.ErrSubscriptionNotFound
}

func (r *stubLedgerRepo) FindSubscriptionForAdoption(uint) (*models.Subscription, error) {
	return nil, billing.ErrSubscriptionNotFound
}

func (r *stubLedgerRepo) ListSubscriptionsByCustomer(uint) ([]models.Subscription, error) {
	return nil, nil
}

func (r *stubLedgerRepo) CreateSubscription(*models.Subscription) error { return nil }

func (r *stubLedgerRepo) UpdateSubscriptionGuarded(*models.Subscription) (bool, error) {
	return true, nil
}

func (r *stubLedgerRepo) GetCustomer(uint) (*models.Customer, error) {
	return nil, errStubNotFound
}

func (r *stubLedgerRepo) FindCustomerByProviderRef(string) (*models.Customer, error) {
	return nil, errStubNotFound
}

func (r *stubLedgerRepo) SaveCustomer(*models.Customer) error { return nil }

func (r *stubLedgerRepo) CreateInvoice(*models.Invoice) error { return nil }

func (r *stubLedgerRepo) MarkInvoiceRefunded(string) error { return nil }

func newWebhookTestApp(t *testing.T) (*fiber.App, *stubLedgerRepo) {
	t.Helper()
	t.Setenv("PAYMENT_WEBHOOK_SECRET", testWebhookSecret)

	repo := newStubLedgerRepo()
	cat := catalog.New(nil, nil, nil, nil)
	InitializeBillingController(billing.NewService(repo, cat, nil, nil, nil), cat)

	app := fiber.New()
	app.Post("/webhooks/payments", HandlePaymentWebhook)
	return app, repo
}

func checkoutCompletedBody(eventID string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"type":"checkout.session.completed","created":%d,"data":{"object":{"id":"cs_1"}}}`,
		eventID, time.Now().Unix(),
	))
}

func postWebhook(t *testing.T, app *fiber.App, body []byte, signature string) (int, fiber.Map) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded fiber.Map
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func TestWebhookMissingSignatureSkipsLedger(t *testing.T) {
	app, repo := newWebhookTestApp(t)

	status, decoded := postWebhook(t, app, checkoutCompletedBody("evt_sig"), "")

	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_signature", decoded["error"])
	assert.Equal(t, 0, repo.createCalls, "rejected delivery must never reach the ledger")
}

func TestWebhookDuplicateDeliveryAcknowledged(t *testing.T) {
	app, repo := newWebhookTestApp(t)

	body := checkoutCompletedBody("evt_dup")
	sig := payment.SignPayload(body, testWebhookSecret, time.Now())

	status, decoded := postWebhook(t, app, body, sig)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, decoded["duplicate"])
	assert.Equal(t, models.WebhookStatusApplied, decoded["outcome"])
	require.Equal(t, 1, repo.setOutcomeCalls)

	// Redelivery of a terminally processed event is acknowledged without a
	// second processing pass, and the ledger keeps the first outcome.
	status, decoded = postWebhook(t, app, body, sig)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, decoded["duplicate"])
	assert.Equal(t, models.WebhookStatusIgnoredDuplicate, decoded["outcome"])
	assert.Equal(t, 1, repo.setOutcomeCalls, "duplicate must not reprocess")

	stored, err := repo.GetWebhookEvent(1)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusApplied, stored.Status)
}
