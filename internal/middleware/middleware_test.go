package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-messaging/internal/database"
	"github.com/noah-isme/gema-messaging/internal/messaging"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func identityApp() *fiber.App {
	app := fiber.New()
	app.Use(JWTProtected(testSecret))
	app.Get("/whoami", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"user_id": c.Locals("user_id"),
			"role":    RoleFromLocals(c.Locals("user_role")),
		})
	})
	return app
}

func TestJWTProtectedNormalizesClaims(t *testing.T) {
	app := identityApp()
	token := signToken(t, jwt.MapClaims{"sub": "42", "role": "Teacher", "exp": time.Now().Add(time.Hour).Unix()})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		UserID uint           `json:"user_id"`
		Role   messaging.Role `json:"role"`
	}
	require.NoError(t, decodeJSON(resp, &body))
	require.Equal(t, uint(42), body.UserID)
	require.Equal(t, messaging.RoleStaff, body.Role)
}

func TestJWTProtectedAcceptsQueryToken(t *testing.T) {
	app := identityApp()
	token := signToken(t, jwt.MapClaims{"user_id": float64(9), "roles": []interface{}{"student", "parent"}})

	req := httptest.NewRequest(http.MethodGet, "/whoami?access_token="+token, nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		UserID uint           `json:"user_id"`
		Role   messaging.Role `json:"role"`
	}
	require.NoError(t, decodeJSON(resp, &body))
	require.Equal(t, uint(9), body.UserID)
	require.Equal(t, messaging.RoleGuardian, body.Role)
}

func TestJWTProtectedRejectsBadTokens(t *testing.T) {
	app := identityApp()

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	other := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "1"})
	signed, err := other.SignedString([]byte("another-secret"))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestCorrelationIDPropagates(t *testing.T) {
	app := fiber.New()
	app.Use(CorrelationID())
	app.Get("/ping", func(c *fiber.Ctx) error {
		return c.SendString(CorrelationIDFromContext(c.UserContext()))
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, "abc-123", resp.Header.Get("X-Correlation-ID"))

	req = httptest.NewRequest(http.MethodGet, "/ping?correlation_id=ws-1", nil)
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, "ws-1", resp.Header.Get("X-Correlation-ID"))

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Header.Get("X-Correlation-ID"))

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Correlation-ID", "two words")
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.NotEqual(t, "two words", resp.Header.Get("X-Correlation-ID"))
	require.NotEmpty(t, resp.Header.Get("X-Correlation-ID"))
}

func TestRateLimitPerUser(t *testing.T) {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_id", uint(5))
		return c.Next()
	})
	app.Post("/send", RateLimit("messaging_send", RateLimitConfig{Max: 2, Window: time.Minute}), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusCreated)
	})

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/send", nil))
		require.NoError(t, err)
		require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/send", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(fiber.HeaderRetryAfter))

	var payload struct {
		Success bool              `json:"success"`
		Details map[string]string `json:"details"`
	}
	require.NoError(t, decodeJSON(resp, &payload))
	require.False(t, payload.Success)
	require.NotEmpty(t, payload.Details["retry_after"])
}

func TestRateLimitSharedAcrossNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	storage := database.NewRedisStorage(client, "gema:test:ratelimit")

	node := func() *fiber.App {
		app := fiber.New()
		app.Use(func(c *fiber.Ctx) error {
			c.Locals("user_id", uint(9))
			return c.Next()
		})
		app.Post("/send", RateLimit("messaging_send", RateLimitConfig{Max: 2, Window: time.Minute, Storage: storage}), func(c *fiber.Ctx) error {
			return c.SendStatus(fiber.StatusCreated)
		})
		return app
	}
	first, second := node(), node()

	for _, app := range []*fiber.App{first, second} {
		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/send", nil))
		require.NoError(t, err)
		require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	}

	resp, err := first.Test(httptest.NewRequest(http.MethodPost, "/send", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, mr.Keys())
}

func decodeJSON(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}
