package apiv1

import (
	"github.com/gofiber/fiber/v2"

	// Delegate to existing controllers to keep behavior consistent
	"github.com/logos-ecosystem/logos-billing/app/controllers"
)

// Pong is the health check response body.
type Pong struct {
	Ping string `json:"ping"`
}

// APIServer implements the public v1 surface
type APIServer struct{}

// NewAPIServer creates a new API server instance
func NewAPIServer() *APIServer {
	return &APIServer{}
}

// RegisterHandlers attaches the v1 routes described in docs/openapi.yml.
func RegisterHandlers(r fiber.Router, s *APIServer) {
	r.Get("/ping", s.GetPing)

	r.Get("/plans", controllers.HandleListPlans)

	r.Post("/checkout/sessions", controllers.HandleCreateCheckoutSession)
	r.Get("/checkout/sessions/:id", controllers.HandleGetCheckoutSession)
	r.Patch("/checkout/sessions/:id", controllers.HandleUpdateCheckoutSession)
	r.Post("/checkout/sessions/:id/submit", controllers.HandleSubmitCheckout)
	r.Post("/checkout/sessions/:id/resume", controllers.HandleResumeCheckout)

	r.Get("/subscriptions/:id", controllers.HandleGetSubscription)
	r.Post("/subscriptions/:id/cancel", controllers.HandleCancelSubscription)
	r.Get("/customers/:id/subscriptions", controllers.HandleListCustomerSubscriptions)
	r.Get("/customers/:id/entitlements", controllers.HandleGetCustomerEntitlements)
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}
