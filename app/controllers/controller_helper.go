package controllers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/logos-ecosystem/logos-billing/internal/pkg/billing"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/catalog"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/checkout"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/payment"
)

// jsonError is the uniform error envelope of the API.
func jsonError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error":   code,
		"message": message,
	})
}

// respondCheckoutError maps checkout and catalog errors onto HTTP statuses.
// Validation failures carry the field list so clients can highlight inputs.
func respondCheckoutError(c *fiber.Ctx, err error) error {
	var verrs checkout.ValidationErrors
	if errors.As(err, &verrs) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":  "validation_failed",
			"fields": verrs,
		})
	}

	switch {
	case errors.Is(err, checkout.ErrSessionNotFound):
		return jsonError(c, fiber.StatusNotFound, "not_found", "checkout session not found")
	case errors.Is(err, checkout.ErrConflict):
		return jsonError(c, fiber.StatusConflict, "conflict", "checkout session is busy")
	case errors.Is(err, checkout.ErrInvalidTransition):
		return jsonError(c, fiber.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, catalog.ErrPromoInvalid):
		return jsonError(c, fiber.StatusUnprocessableEntity, "promo_invalid", err.Error())
	case errors.Is(err, payment.ErrPromoNoLongerValid):
		return jsonError(c, fiber.StatusUnprocessableEntity, "promo_no_longer_valid", "the promo code is no longer available")
	case errors.Is(err, payment.ErrInvalidPlan):
		return jsonError(c, fiber.StatusUnprocessableEntity, "plan_unavailable", "the selected plan is no longer available")
	case errors.Is(err, payment.ErrNoActionPending):
		return jsonError(c, fiber.StatusConflict, "no_action_pending", "no payment action is pending for this session")
	case errors.Is(err, payment.ErrProcessorUnavailable):
		return jsonError(c, fiber.StatusServiceUnavailable, "processor_unavailable", "the payment processor is unavailable, try again later")
	}
	return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "unexpected error")
}

// respondBillingError maps reconciliation errors onto HTTP statuses.
func respondBillingError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		return jsonError(c, fiber.StatusNotFound, "not_found", "subscription not found")
	case errors.Is(err, billing.ErrEventNotFound):
		return jsonError(c, fiber.StatusNotFound, "not_found", "webhook event not found")
	case errors.Is(err, billing.ErrEventNotRetryable):
		return jsonError(c, fiber.StatusConflict, "not_retryable", err.Error())
	}
	return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "unexpected error")
}

// parseIDParam reads a numeric route parameter.
func parseIDParam(c *fiber.Ctx, name string) (uint, error) {
	raw := c.Params(name)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, errors.New("invalid id")
	}
	return uint(id), nil
}
