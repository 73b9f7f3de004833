package main

import (
	"fmt"
	"log"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/logos-ecosystem/logos-billing/app/controllers"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/billing"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/cache"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/catalog"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/checkout"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/database"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/env"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/jobqueue"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/payment"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/router"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	cat, err := catalog.LoadFromEnv()
	if err != nil {
		log.Fatalf("Failed to load pricing catalog: %v", err)
	}

	processor := payment.NewProcessorClientFromEnv()
	checkoutCtrl := checkout.NewController(checkout.NewRedisStore(), cat)
	intentService := payment.NewIntentService(processor, cat, checkoutCtrl, payment.NewGormIntentStore(database.DB))

	manager := jobqueue.GetManager()
	billingService := billing.NewServiceFromDB(database.DB, cat, processor, jobqueue.NewEffectSink(manager.GetQueue()))
	manager.SetEventReprocessor(billingService)
	manager.Start()

	controllers.InitializeCheckoutController(checkoutCtrl, intentService)
	controllers.InitializeBillingController(billingService, cat)

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName: "logos-billing",
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "admin"),
		},
	}), monitor.New())

	// SWAGGER / OPENAPI
	if env.IsDev() {
		validateOpenAPISpec("docs/openapi.yml")
	}
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "docs/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app)

	return app
}

// validateOpenAPISpec catches a stale or broken API document at boot instead
// of at the first documentation request.
func validateOpenAPISpec(path string) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile(path)
	if err != nil {
		log.Printf("OpenAPI document %s failed to load: %v", path, err)
		return
	}
	if err := doc.Validate(loader.Context); err != nil {
		log.Printf("OpenAPI document %s is invalid: %v", path, err)
	}
}
