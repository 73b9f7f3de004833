package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/logos-ecosystem/logos-billing/internal/pkg/env"
)

// OperatorAuthMiddleware guards the operator endpoints with the shared key
// from OPERATOR_API_KEY. The comparison is constant time.
func OperatorAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}

		expected := env.GetEnv("OPERATOR_API_KEY", "")
		if expected == "" {
			log.Error("[Operator] OPERATOR_API_KEY is not configured")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "unavailable", "message": "Operator access is not configured"})
		}

		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(expected)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
		}

		return c.Next()
	}
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
