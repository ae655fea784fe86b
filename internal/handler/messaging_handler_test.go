package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-messaging/internal/database"
	"github.com/noah-isme/gema-messaging/internal/dto"
	"github.com/noah-isme/gema-messaging/internal/messaging"
	"github.com/noah-isme/gema-messaging/internal/models"
	"github.com/noah-isme/gema-messaging/internal/repository"
	"github.com/noah-isme/gema-messaging/internal/service"
)

type envelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    json.RawMessage   `json:"data"`
	Meta    map[string]any    `json:"meta"`
	Details map[string]string `json:"details"`
}

// testStreamKeepAlive lets stream writers notice a closed client quickly, so
// app shutdown does not wait for the production keepalive interval.
const testStreamKeepAlive = 50 * time.Millisecond

type handlerFixture struct {
	app      *fiber.App
	realtime service.RealtimeService
}

// newHandlerFixture wires the messaging and realtime handlers over an
// in-memory database. The X-Test-User and X-Test-Role headers stand in for
// the JWT middleware.
func newHandlerFixture(t *testing.T) handlerFixture {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.ConnectSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))
	seedHandlerRoster(t, db)

	roster := repository.NewRosterRepository(db)
	resolver := messaging.NewResolver(roster, roster, zerolog.Nop())

	var messagingService service.MessagingService
	realtime := service.NewRealtimeService(service.AdmissionFunc(func(ctx context.Context, viewer messaging.Viewer, ids []uint) ([]uint, error) {
		return messagingService.SubscribableThreads(ctx, viewer, ids)
	}), nil, "", 0, nil, zerolog.Nop())
	messagingService = service.NewMessagingService(
		repository.NewThreadRepository(db),
		repository.NewMessageRepository(db),
		repository.NewUserRepository(db),
		resolver,
		realtime,
		validator.New(validator.WithRequiredStructEnabled()),
		50,
		zerolog.Nop(),
	)

	app := fiber.New()
	group := app.Group("/api/v2/messaging", func(c *fiber.Ctx) error {
		if raw := c.Get("X-Test-User"); raw != "" {
			id, err := strconv.ParseUint(raw, 10, 64)
			require.NoError(t, err)
			c.Locals("user_id", uint(id))
			c.Locals("user_role", messaging.ParseRole(c.Get("X-Test-Role")))
		}
		return c.Next()
	})
	NewMessagingHandler(messagingService, zerolog.Nop()).Register(group, nil)
	NewRealtimeHandler(realtime, testStreamKeepAlive, zerolog.Nop()).Register(group)

	return handlerFixture{app: app, realtime: realtime}
}

func seedHandlerRoster(t *testing.T, db *gorm.DB) {
	t.Helper()
	users := []models.User{
		{ID: 1, OrganizationID: 1, Role: "administrator", FirstName: "Ada", LastName: "Admin", Email: "ada@school.test"},
		{ID: 2, OrganizationID: 1, Role: "teacher", FirstName: "Sam", LastName: "Staff", Email: "sam@school.test"},
		{ID: 3, OrganizationID: 1, Role: "parent", FirstName: "Gina", LastName: "Guardian", Email: "gina@home.test"},
		{ID: 4, OrganizationID: 1, Role: "guardian", FirstName: "Olive", LastName: "Other", Email: "olive@home.test"},
	}
	require.NoError(t, db.Create(&users).Error)
	require.NoError(t, db.Create(&models.Class{ID: 10, OrganizationID: 1, Name: "Blue", StaffID: 2}).Error)
	require.NoError(t, db.Create(&models.Student{ID: 100, OrganizationID: 1, FirstName: "Kid"}).Error)
	require.NoError(t, db.Create(&models.ClassStudent{ClassID: 10, StudentID: 100}).Error)
	require.NoError(t, db.Create(&models.GuardianLink{StudentID: 100, GuardianID: 3, Relationship: "mother"}).Error)
}

func (fx handlerFixture) do(t *testing.T, method, path string, userID uint, role string, body interface{}) (*http.Response, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != 0 {
		req.Header.Set("X-Test-User", strconv.FormatUint(uint64(userID), 10))
		req.Header.Set("X-Test-Role", role)
	}

	resp, err := fx.app.Test(req, -1)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func TestMessagingHandlerStartThreadAndSend(t *testing.T) {
	fx := newHandlerFixture(t)

	resp, env := fx.do(t, http.MethodPost, "/api/v2/messaging/threads", 2, "teacher", dto.StartThreadRequest{CounterpartID: 3})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var started dto.StartThreadResponse
	require.NoError(t, json.Unmarshal(env.Data, &started))
	require.True(t, started.Created)
	require.Equal(t, uint(3), started.Thread.Counterpart.ID)

	resp, env = fx.do(t, http.MethodPost, "/api/v2/messaging/threads", 3, "parent", dto.StartThreadRequest{CounterpartID: 2})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var again dto.StartThreadResponse
	require.NoError(t, json.Unmarshal(env.Data, &again))
	require.False(t, again.Created)
	require.Equal(t, started.Thread.ID, again.Thread.ID)

	path := fmt.Sprintf("/api/v2/messaging/threads/%d/messages", started.Thread.ID)
	resp, env = fx.do(t, http.MethodPost, path, 2, "teacher", dto.SendMessageRequest{Body: "Field trip on Friday"})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var sent messaging.Message
	require.NoError(t, json.Unmarshal(env.Data, &sent))
	require.Equal(t, "Field trip on Friday", sent.Body)

	resp, env = fx.do(t, http.MethodGet, path, 3, "parent", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var messages []messaging.Message
	require.NoError(t, json.Unmarshal(env.Data, &messages))
	require.Len(t, messages, 1)
	require.EqualValues(t, 1, env.Meta["count"])

	resp, env = fx.do(t, http.MethodGet, "/api/v2/messaging/unread", 3, "parent", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var unread dto.UnreadResponse
	require.NoError(t, json.Unmarshal(env.Data, &unread))
	require.Equal(t, 1, unread.Unread)
}

func TestMessagingHandlerMarkRead(t *testing.T) {
	fx := newHandlerFixture(t)

	_, env := fx.do(t, http.MethodPost, "/api/v2/messaging/messages", 2, "teacher", dto.SendToUserRequest{CounterpartID: 3, Body: "hello"})
	var sent dto.SendToUserResponse
	require.NoError(t, json.Unmarshal(env.Data, &sent))

	_, env = fx.do(t, http.MethodGet, "/api/v2/messaging/threads", 3, "parent", nil)
	var threads []messaging.ThreadView
	require.NoError(t, json.Unmarshal(env.Data, &threads))
	require.Len(t, threads, 1)
	require.True(t, threads[0].Unread)

	readPath := fmt.Sprintf("/api/v2/messaging/participants/%d/read", threads[0].ParticipantID)
	resp, env := fx.do(t, http.MethodPost, readPath, 3, "parent", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var state messaging.ParticipantState
	require.NoError(t, json.Unmarshal(env.Data, &state))
	require.False(t, state.Unread)

	resp, _ = fx.do(t, http.MethodPost, readPath, 2, "teacher", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestMessagingHandlerValidationAndVisibility(t *testing.T) {
	fx := newHandlerFixture(t)

	resp, env := fx.do(t, http.MethodPost, "/api/v2/messaging/messages", 2, "teacher", dto.SendToUserRequest{CounterpartID: 3})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "required", env.Details["body"])

	resp, _ = fx.do(t, http.MethodPost, "/api/v2/messaging/messages", 2, "teacher", dto.SendToUserRequest{CounterpartID: 3, Body: "<b></b>"})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, _ = fx.do(t, http.MethodPost, "/api/v2/messaging/threads", 2, "teacher", dto.StartThreadRequest{CounterpartID: 4})
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	_, env = fx.do(t, http.MethodPost, "/api/v2/messaging/threads", 2, "teacher", dto.StartThreadRequest{CounterpartID: 3})
	var started dto.StartThreadResponse
	require.NoError(t, json.Unmarshal(env.Data, &started))

	path := fmt.Sprintf("/api/v2/messaging/threads/%d/messages", started.Thread.ID)
	resp, _ = fx.do(t, http.MethodGet, path, 4, "guardian", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, _ = fx.do(t, http.MethodGet, path+"?before=yesterday", 2, "teacher", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, _ = fx.do(t, http.MethodGet, "/api/v2/messaging/threads/abc/messages", 2, "teacher", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestMessagingHandlerForeignThreadLooksMissing(t *testing.T) {
	fx := newHandlerFixture(t)

	_, env := fx.do(t, http.MethodPost, "/api/v2/messaging/threads", 2, "teacher", dto.StartThreadRequest{CounterpartID: 3})
	var started dto.StartThreadResponse
	require.NoError(t, json.Unmarshal(env.Data, &started))

	foreign := fmt.Sprintf("/api/v2/messaging/threads/%d/messages", started.Thread.ID)
	missing := "/api/v2/messaging/threads/9999/messages"

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		var body interface{}
		if method == http.MethodPost {
			body = dto.SendMessageRequest{Body: "is anyone there?"}
		}
		foreignResp, foreignEnv := fx.do(t, method, foreign, 4, "guardian", body)
		missingResp, missingEnv := fx.do(t, method, missing, 4, "guardian", body)

		require.Equal(t, fiber.StatusNotFound, foreignResp.StatusCode, method)
		require.Equal(t, missingResp.StatusCode, foreignResp.StatusCode, method)
		require.Equal(t, missingEnv, foreignEnv, method)
		require.Equal(t, messaging.ErrThreadNotFound.Error(), foreignEnv.Message, method)
	}
}

func TestMessagingHandlerSearchAndRecipients(t *testing.T) {
	fx := newHandlerFixture(t)

	fx.do(t, http.MethodPost, "/api/v2/messaging/threads", 1, "administrator", dto.StartThreadRequest{CounterpartID: 3})
	fx.do(t, http.MethodPost, "/api/v2/messaging/threads", 1, "administrator", dto.StartThreadRequest{CounterpartID: 4})

	_, env := fx.do(t, http.MethodGet, "/api/v2/messaging/threads/search?q=olive", 1, "administrator", nil)
	var threads []messaging.ThreadView
	require.NoError(t, json.Unmarshal(env.Data, &threads))
	require.Len(t, threads, 1)
	require.Equal(t, uint(4), threads[0].Counterpart.ID)
	require.Equal(t, "olive", env.Meta["query"])

	_, env = fx.do(t, http.MethodGet, "/api/v2/messaging/recipients", 2, "teacher", nil)
	var candidates []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &candidates))
	ids := make([]float64, 0, len(candidates))
	for _, candidate := range candidates {
		ids = append(ids, candidate["id"].(float64))
	}
	require.Contains(t, ids, float64(3))
	require.NotContains(t, ids, float64(4))

	resp, env := fx.do(t, http.MethodGet, "/api/v2/messaging/access", 3, "parent", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.True(t, env.Success)
}
