package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/logos-ecosystem/logos-billing/app/controllers"
	apiv1 "github.com/logos-ecosystem/logos-billing/internal/api/v1"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	// Webhooks sit outside the limiter: the processor's redelivery bursts
	// must never be throttled into retry storms.
	app.Post("/webhooks/payments", controllers.HandlePaymentWebhook)

	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")
	apiServer := apiv1.NewAPIServer()
	apiv1.RegisterHandlers(v1, apiServer)

	// Operator routes, shared-key protected
	operator := v1.Group("/operator", middleware.OperatorAuthMiddleware())
	operator.Get("/webhook-events", controllers.HandleListWebhookEvents)
	operator.Post("/webhook-events/:id/retry", controllers.HandleRetryWebhookEvent)
	operator.Get("/jobs/stats", controllers.HandleJobQueueStats)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
