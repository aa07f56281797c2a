package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-proctor-api/internal/config"
	"github.com/noah-isme/gema-proctor-api/internal/handler"
	"github.com/noah-isme/gema-proctor-api/internal/middleware"
	"github.com/noah-isme/gema-proctor-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ExamHandler       *handler.ExamHandler
	ProctoringHandler *handler.ProctoringHandler
	ResultHandler     *handler.ResultHandler
	FaceHandler       *handler.FaceHandler
	HealthProbes      map[string]handler.HealthProbe
	JWTMiddleware     fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.ExamHandler != nil {
		deps.ExamHandler.Register(api.Group("/exams", jwtMiddleware))
	}

	// Signals arrive several times per second per student.
	if deps.ProctoringHandler != nil {
		proctoring := api.Group("/proctoring", jwtMiddleware,
			middleware.RateLimit("proctoring", cfg.ProctoringRateMax, cfg.ProctoringRateSpan))
		deps.ProctoringHandler.Register(proctoring)
	}

	if deps.ResultHandler != nil {
		deps.ResultHandler.Register(api.Group("/results", jwtMiddleware))
	}

	if deps.FaceHandler != nil {
		deps.FaceHandler.Register(api.Group("/auth", jwtMiddleware))
	}
}
