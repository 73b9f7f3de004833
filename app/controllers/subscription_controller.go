package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/logos-ecosystem/logos-billing/app/models"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/entitlements"
)

// HandleGetSubscription returns one subscription record.
func HandleGetSubscription(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid subscription id")
	}

	sub, err := billingService.GetSubscription(id)
	if err != nil {
		return respondBillingError(c, err)
	}
	return c.JSON(sub)
}

// HandleCancelSubscription cancels a subscription. Default is at period end,
// access continues until the period closes; {"immediate": true} revokes access
// now. Repeating either call is a no-op.
func HandleCancelSubscription(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid subscription id")
	}

	var in struct {
		Immediate bool `json:"immediate"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&in); err != nil {
			return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid JSON body")
		}
	}

	var sub *models.Subscription
	if in.Immediate {
		sub, err = billingService.CancelSubscriptionImmediately(c.UserContext(), id)
	} else {
		sub, err = billingService.CancelSubscription(c.UserContext(), id)
	}
	if err != nil {
		log.Errorf("[Billing] cancel subscription %d: %v", id, err)
		return respondBillingError(c, err)
	}
	return c.JSON(sub)
}

// HandleListCustomerSubscriptions returns every subscription of a customer.
func HandleListCustomerSubscriptions(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid customer id")
	}

	subs, err := billingService.ListCustomerSubscriptions(id)
	if err != nil {
		return respondBillingError(c, err)
	}
	return c.JSON(fiber.Map{"subscriptions": subs})
}

// HandleGetCustomerEntitlements resolves the customer's effective plan and
// its capability set.
func HandleGetCustomerEntitlements(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid customer id")
	}

	customer, err := billingService.GetCustomer(id)
	if err != nil {
		return respondBillingError(c, err)
	}

	caps := entitlements.EffectiveCapabilities(planCatalog, customer)
	if caps == nil {
		caps = []string{}
	}
	return c.JSON(fiber.Map{
		"customer_id":    customer.ID,
		"effective_plan": customer.EffectivePlan,
		"capabilities":   caps,
	})
}

// HandleListPlans returns the public pricing catalog.
func HandleListPlans(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"plans": planCatalog.Plans()})
}
