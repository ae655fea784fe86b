package middleware

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	correlationHeader = "X-Correlation-ID"
	correlationLocal  = "correlation_id"
	maxCorrelationLen = 128
)

type correlationKey struct{}

// CorrelationID tags every request with an identifier that follows it into
// logs and realtime event envelopes. Websocket and EventSource clients cannot
// set headers, so the correlation_id query parameter is honoured too.
func CorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := firstCorrelation(c.Get(correlationHeader), c.Get("X-Request-ID"), c.Query(correlationLocal))
		if id == "" {
			id = uuid.NewString()
		}

		c.Locals(correlationLocal, id)
		c.Set(correlationHeader, id)
		c.SetUserContext(ContextWithCorrelation(c.UserContext(), id))

		return c.Next()
	}
}

// firstCorrelation picks the first candidate that is safe to log verbatim:
// short, printable ASCII without spaces.
func firstCorrelation(candidates ...string) string {
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" || len(candidate) > maxCorrelationLen {
			continue
		}
		printable := true
		for i := 0; i < len(candidate); i++ {
			if candidate[i] < '!' || candidate[i] > '~' {
				printable = false
				break
			}
		}
		if printable {
			return candidate
		}
	}
	return ""
}

// CorrelationIDFromContext extracts the correlation identifier from ctx.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// GetCorrelationID returns the identifier bound to the active request.
func GetCorrelationID(c *fiber.Ctx) string {
	if c == nil {
		return ""
	}
	if id, ok := c.Locals(correlationLocal).(string); ok {
		return id
	}
	return CorrelationIDFromContext(c.UserContext())
}

// ContextWithCorrelation carries id into work that outlives the request, such
// as event publication.
func ContextWithCorrelation(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}
