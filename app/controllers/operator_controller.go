package controllers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/logos-ecosystem/logos-billing/app/models"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/jobqueue"
)

// HandleListWebhookEvents returns ledger rows for the operator view, oldest
// first. Defaults to failed rows; ?status= selects any ledger status.
func HandleListWebhookEvents(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "100"))
	status := c.Query("status", models.WebhookStatusFailed)

	switch status {
	case models.WebhookStatusPending, models.WebhookStatusApplied,
		models.WebhookStatusIgnoredDuplicate, models.WebhookStatusIgnoredUnhandled,
		models.WebhookStatusIgnoredStale, models.WebhookStatusFailed:
	default:
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "unknown status "+status)
	}

	rows, err := billingService.ListEventsByStatus(status, limit)
	if err != nil {
		log.Errorf("[Operator] list %s events: %v", status, err)
		return respondBillingError(c, err)
	}
	return c.JSON(fiber.Map{"events": rows, "status": status})
}

// HandleRetryWebhookEvent reprocesses one failed ledger row.
func HandleRetryWebhookEvent(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid event id")
	}

	outcome, err := billingService.RetryEvent(c.UserContext(), id)
	if err != nil {
		log.Errorf("[Operator] retry event %d: %v", id, err)
		return respondBillingError(c, err)
	}
	return c.JSON(fiber.Map{"event_id": id, "outcome": outcome})
}

// HandleJobQueueStats exposes the background queue depth and outcome counters.
func HandleJobQueueStats(c *fiber.Ctx) error {
	queue := jobqueue.GetManager().GetQueue()
	ctx := c.UserContext()

	stats, err := queue.GetJobStats(ctx)
	if err != nil {
		log.Errorf("[Operator] queue stats: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "queue stats unavailable")
	}
	pending, _ := queue.GetQueueSize(ctx)
	processing, _ := queue.GetProcessingSize(ctx)

	return c.JSON(fiber.Map{
		"pending":    pending,
		"processing": processing,
		"stats":      stats,
	})
}
