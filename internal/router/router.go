package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-messaging/internal/config"
	"github.com/noah-isme/gema-messaging/internal/handler"
	"github.com/noah-isme/gema-messaging/internal/messaging"
	"github.com/noah-isme/gema-messaging/internal/middleware"
	"github.com/noah-isme/gema-messaging/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	MessagingHandler *handler.MessagingHandler
	RealtimeHandler  *handler.RealtimeHandler
	HealthProbes     map[string]handler.HealthProbe
	JWTMiddleware    fiber.Handler
	// RateLimitStorage shares send limits across nodes; nil keeps them per process.
	RateLimitStorage fiber.Storage
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes))
	app.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	messagingGroup := app.Group("/api/v2/messaging",
		jwtMiddleware,
		middleware.RequireRole(messaging.RoleAdministrator, messaging.RoleStaff, messaging.RoleGuardian),
	)

	if deps.MessagingHandler != nil {
		sendLimiter := middleware.RateLimit("messaging_send", middleware.RateLimitConfig{
			Max:     cfg.SendRateLimit,
			Window:  cfg.SendRateWindow,
			Storage: deps.RateLimitStorage,
		})
		deps.MessagingHandler.Register(messagingGroup, sendLimiter)
	}

	if deps.RealtimeHandler != nil {
		deps.RealtimeHandler.Register(messagingGroup)
	}
}
