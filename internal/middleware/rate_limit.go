package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/noah-isme/gema-messaging/internal/utils"
)

// RateLimitConfig tunes a per-viewer limiter.
type RateLimitConfig struct {
	Max    int
	Window time.Duration
	// Storage shares counters between API nodes. Nil keeps them in process memory.
	Storage fiber.Storage
}

// RateLimit throttles each authenticated viewer with a sliding window,
// falling back to the client IP before authentication has run.
func RateLimit(identifier string, cfg RateLimitConfig) fiber.Handler {
	if cfg.Max <= 0 {
		cfg.Max = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}

	return limiter.New(limiter.Config{
		Max:               cfg.Max,
		Expiration:        cfg.Window,
		Storage:           cfg.Storage,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator: func(c *fiber.Ctx) string {
			if userID := localUserID(c); userID != 0 {
				return fmt.Sprintf("%s:user:%d", identifier, userID)
			}
			return fmt.Sprintf("%s:ip:%s", identifier, c.IP())
		},
		LimitReached: func(c *fiber.Ctx) error {
			return utils.Fail(c, fiber.StatusTooManyRequests, "too many messages, slow down", fiber.Map{
				"retry_after": c.GetRespHeader(fiber.HeaderRetryAfter),
			})
		},
	})
}
