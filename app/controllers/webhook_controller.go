package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/logos-ecosystem/logos-billing/app/models"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/billing"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/catalog"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/env"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/payment"
)

var (
	billingService *billing.Service
	planCatalog    *catalog.Catalog
)

// InitializeBillingController wires the reconciliation service. Must run
// before the routes are installed.
func InitializeBillingController(svc *billing.Service, cat *catalog.Catalog) {
	billingService = svc
	planCatalog = cat
}

// HandlePaymentWebhook ingests one processor delivery: verify the signature
// over the raw body, append to the ledger, process, answer. Business no-ops
// (stale, unhandled types) and reconciliation failures parked in the failed
// queue are a 200; only a failure to record or an infrastructure error asks
// the processor to redeliver.
func HandlePaymentWebhook(c *fiber.Ctx) error {
	secret := env.GetEnv("PAYMENT_WEBHOOK_SECRET", "")
	body := c.Body()

	if err := payment.VerifySignature(body, c.Get("Stripe-Signature"), secret, payment.DefaultSignatureTolerance, time.Now()); err != nil {
		log.Warnf("[Webhook] rejected delivery from %s: %v", c.IP(), err)
		if errors.Is(err, payment.ErrInvalidSignature) {
			return jsonError(c, fiber.StatusBadRequest, "invalid_signature", "webhook signature verification failed")
		}
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "webhook verification unavailable")
	}

	row, duplicate, err := billingService.RecordWebhookEvent(models.BillingProviderStripe, body)
	if err != nil {
		if errors.Is(err, billing.ErrMalformedEvent) {
			return jsonError(c, fiber.StatusBadRequest, "malformed_event", err.Error())
		}
		log.Errorf("[Webhook] ledger write failed: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "could not record event")
	}

	// A redelivered event that already reached a terminal status is done;
	// the ledger keeps the first delivery's outcome. A duplicate still
	// pending or failed gets another processing attempt.
	if duplicate && row.Status != models.WebhookStatusPending && row.Status != models.WebhookStatusFailed {
		return c.JSON(fiber.Map{"received": true, "duplicate": true, "outcome": models.WebhookStatusIgnoredDuplicate})
	}

	outcome, err := billingService.ProcessEvent(c.UserContext(), row)
	if err != nil {
		log.Errorf("[Webhook] processing event %s failed: %v", row.ProviderEventID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "event processing failed")
	}

	return c.JSON(fiber.Map{"received": true, "duplicate": duplicate, "outcome": outcome})
}
