package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-messaging/internal/observability"
)

const messagingPathPrefix = "/api/v2/messaging"

// Observability records request metrics and one structured log line per
// messaging request. Long-lived streams are counted but kept out of the
// latency histogram, whose buckets are sized for request/response calls.
func Observability(logger zerolog.Logger) fiber.Handler {
	observability.RegisterMetrics()

	return func(c *fiber.Ctx) error {
		if !strings.HasPrefix(c.Path(), messagingPathPrefix) {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		elapsed := time.Since(start)

		route := routeTemplate(c)
		method := c.Method()
		status := c.Response().StatusCode()
		statusLabel := strconv.Itoa(status)
		streaming := isStreamingRequest(c)

		observability.APIRequests().WithLabelValues(method, route, statusLabel).Inc()
		if !streaming {
			observability.APILatency().WithLabelValues(method, route).Observe(elapsed.Seconds())
		}
		if status >= fiber.StatusBadRequest {
			observability.APIErrors().WithLabelValues(method, route, statusLabel).Inc()
		}

		event := logger.Debug()
		switch {
		case status >= fiber.StatusInternalServerError:
			event = logger.Error()
		case status >= fiber.StatusBadRequest:
			event = logger.Warn()
		}
		event.
			Str("correlation_id", GetCorrelationID(c)).
			Uint("viewer_id", localUserID(c)).
			Str("route", route).
			Str("method", method).
			Int("status", status).
			Dur("elapsed", elapsed).
			Bool("stream", streaming).
			Msg("messaging request")

		return err
	}
}

func routeTemplate(c *fiber.Ctx) string {
	if route := c.Route(); route != nil && route.Path != "" {
		return route.Path
	}
	return c.Path()
}

func localUserID(c *fiber.Ctx) uint {
	id, _ := c.Locals("user_id").(uint)
	return id
}
