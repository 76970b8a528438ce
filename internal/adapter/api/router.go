package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Info is reported by the liveness endpoint.
type Info struct {
	Version string
	Env     string
}

// SetupRouter mounts every route. gatherer may be nil to skip /metrics.
func SetupRouter(app *fiber.App, handler *Handler, info Info, gatherer prometheus.Gatherer) {
	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":  "healthy",
			"version": info.Version,
			"env":     info.Env,
		})
	})
	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	// API Versioning
	v1 := app.Group("/v1")
	v1.Post("/translate", handler.Translate)
	v1.Post("/translate/batch", handler.TranslateBatch)
	v1.Post("/jobs", handler.SubmitJob)
	v1.Get("/jobs/:id", handler.JobStatus)
	v1.Delete("/jobs/:id", handler.CancelJob)

	admin := app.Group("/admin")
	admin.Get("/health", handler.AdminHealth)
	admin.Post("/breakers/:name/reset", handler.ResetBreaker)
	admin.Post("/cache/invalidate", handler.InvalidateCache)
}
