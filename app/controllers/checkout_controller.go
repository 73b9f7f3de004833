package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/logos-ecosystem/logos-billing/app/models"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/checkout"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/database"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/payment"
)

var (
	checkoutController *checkout.Controller
	intentService      *payment.IntentService
)

// InitializeCheckoutController wires the checkout wizard and the payment
// intent service. Must run before the routes are installed.
func InitializeCheckoutController(ctrl *checkout.Controller, intents *payment.IntentService) {
	checkoutController = ctrl
	intentService = intents
}

// HandleCreateCheckoutSession opens a new wizard session at plan selection.
func HandleCreateCheckoutSession(c *fiber.Ctx) error {
	sess, err := checkoutController.Create()
	if err != nil {
		log.Errorf("[Checkout] create session: %v", err)
		return respondCheckoutError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(sess)
}

// HandleGetCheckoutSession returns the current wizard state.
func HandleGetCheckoutSession(c *fiber.Ctx) error {
	sess, err := checkoutController.Get(c.Params("id"))
	if err != nil {
		return respondCheckoutError(c, err)
	}
	return c.JSON(sess)
}

// updateSessionInput is the PATCH body: one action per request, with the
// fields the action needs.
type updateSessionInput struct {
	Action string `json:"action"`
	checkout.AdvanceInput
	Target string `json:"target"`
	Code   string `json:"code"`
}

// HandleUpdateCheckoutSession mutates the wizard: advance validates the
// current step's payload and moves forward, back returns to a completed step,
// apply_promo attaches a code. Invalid input leaves the session untouched.
func HandleUpdateCheckoutSession(c *fiber.Ctx) error {
	var in updateSessionInput
	if err := c.BodyParser(&in); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid JSON body")
	}

	id := c.Params("id")
	var (
		sess *checkout.Session
		err  error
	)
	switch in.Action {
	case "advance":
		sess, err = checkoutController.Advance(id, in.AdvanceInput)
	case "back":
		sess, err = checkoutController.Back(id, checkout.Step(in.Target))
	case "apply_promo":
		sess, err = checkoutController.ApplyPromo(id, in.Code)
	default:
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "action must be advance, back or apply_promo")
	}
	if err != nil {
		return respondCheckoutError(c, err)
	}
	return c.JSON(sess)
}

// HandleSubmitCheckout runs the payment pipeline for a reviewed session:
// freeze, recompute, claim the promo, create and confirm the intent.
func HandleSubmitCheckout(c *fiber.Ctx) error {
	id := c.Params("id")
	sess, err := checkoutController.Get(id)
	if err != nil {
		return respondCheckoutError(c, err)
	}

	customer, err := models.GetOrCreateCustomerByEmail(database.DB, sess.Billing.Email, sess.Billing.Name)
	if err != nil {
		log.Errorf("[Checkout] resolve customer for session %s: %v", id, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "could not resolve customer")
	}

	result, err := intentService.Submit(c.UserContext(), id, customer)
	return respondSubmitResult(c, result, err)
}

// HandleResumeCheckout re-reads a requires-action intent from the processor
// and resolves the frozen session. The client's claim of completion is never
// trusted.
func HandleResumeCheckout(c *fiber.Ctx) error {
	result, err := intentService.Resume(c.UserContext(), c.Params("id"))
	return respondSubmitResult(c, result, err)
}

// respondSubmitResult renders a confirmation outcome: 200 on success, 202
// while a customer action is pending, 402 on a declined payment.
func respondSubmitResult(c *fiber.Ctx, result *payment.ConfirmResult, err error) error {
	if err != nil {
		var perr *payment.ProcessorError
		if errors.As(err, &perr) {
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
				"outcome":        string(payment.OutcomeFailed),
				"failure_reason": perr.Reason(),
			})
		}
		return respondCheckoutError(c, err)
	}

	switch result.Outcome {
	case payment.OutcomeRequiresAction:
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"outcome":       string(result.Outcome),
			"intent_id":     result.IntentID,
			"action_handle": result.ActionHandle,
		})
	case payment.OutcomeFailed:
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"outcome":        string(result.Outcome),
			"intent_id":      result.IntentID,
			"failure_reason": result.FailureReason,
		})
	default:
		return c.JSON(fiber.Map{
			"outcome":   string(result.Outcome),
			"intent_id": result.IntentID,
		})
	}
}
