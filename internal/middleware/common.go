package middleware

import (
	"io"
	"runtime/debug"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
)

// Config customises the middleware registration pipeline.
type Config struct {
	Logger       *zerolog.Logger
	AllowOrigins []string
	AccessLog    bool
	// StackTraces logs recovered panics with their stack.
	StackTraces bool
}

// Register attaches the middlewares shared by the REST and realtime endpoints.
func Register(app *fiber.App, cfg Config) {
	base := zerolog.New(io.Discard)
	if cfg.Logger != nil {
		base = *cfg.Logger
	}

	origins := "*"
	if len(cfg.AllowOrigins) > 0 {
		origins = strings.Join(cfg.AllowOrigins, ",")
	}

	app.Use(recover.New(recover.Config{
		EnableStackTrace: cfg.StackTraces,
		StackTraceHandler: func(c *fiber.Ctx, panicValue interface{}) {
			base.Error().
				Str("correlation_id", GetCorrelationID(c)).
				Str("path", c.Path()).
				Interface("panic", panicValue).
				Bytes("stack", debug.Stack()).
				Msg("recovered from panic")
		},
	}))
	app.Use(CorrelationID())
	app.Use(Observability(base))
	if cfg.AccessLog {
		app.Use(logger.New(logger.Config{
			// streams only finish on disconnect, so an access line says nothing useful
			Next:   isStreamingRequest,
			Format: "${time} ${locals:correlation_id} ${status} ${method} ${path} ${latency}\n",
		}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, X-Correlation-ID",
		AllowMethods:  "GET,POST,OPTIONS",
		ExposeHeaders: "X-Correlation-ID, Retry-After",
	}))
}

func isStreamingRequest(c *fiber.Ctx) bool {
	path := strings.TrimSuffix(c.Path(), "/")
	return strings.HasSuffix(path, "/ws") || strings.HasSuffix(path, "/stream")
}
