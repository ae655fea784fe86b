package handler

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-messaging/internal/dto"
	"github.com/noah-isme/gema-messaging/internal/messaging"
	"github.com/noah-isme/gema-messaging/internal/service"
	"github.com/noah-isme/gema-messaging/internal/utils"
)

// MessagingHandler exposes threads, messages and read-state over REST.
type MessagingHandler struct {
	service service.MessagingService
	logger  zerolog.Logger
}

// NewMessagingHandler constructs a messaging handler.
func NewMessagingHandler(service service.MessagingService, logger zerolog.Logger) *MessagingHandler {
	return &MessagingHandler{
		service: service,
		logger:  logger.With().Str("component", "messaging_handler").Logger(),
	}
}

// Register binds the messaging routes. sendLimiter guards the write endpoints and may be nil.
func (h *MessagingHandler) Register(router fiber.Router, sendLimiter fiber.Handler) {
	if sendLimiter == nil {
		sendLimiter = func(c *fiber.Ctx) error { return c.Next() }
	}

	router.Get("/access", h.access)
	router.Get("/threads", h.listThreads)
	router.Get("/threads/search", h.searchThreads)
	router.Post("/threads", h.startThread)
	router.Get("/threads/:id/messages", h.listMessages)
	router.Post("/threads/:id/messages", sendLimiter, h.sendMessage)
	router.Post("/messages", sendLimiter, h.sendToUser)
	router.Post("/participants/:id/read", h.markRead)
	router.Get("/recipients", h.recipients)
	router.Get("/unread", h.unread)
}

func (h *MessagingHandler) access(c *fiber.Ctx) error {
	access, err := h.service.Access(withRequestContext(c), viewerFromContext(c))
	if err != nil {
		return h.fail(c, err, "failed to resolve access")
	}
	return utils.SendSuccess(c, "messaging access", access)
}

func (h *MessagingHandler) listThreads(c *fiber.Ctx) error {
	threads, err := h.service.ListThreads(withRequestContext(c), viewerFromContext(c))
	if err != nil {
		return h.fail(c, err, "failed to list threads")
	}
	return utils.OK(c, threads, "threads", fiber.Map{"count": len(threads)})
}

func (h *MessagingHandler) searchThreads(c *fiber.Ctx) error {
	query := dto.SearchQuery{Query: c.Query("q")}
	threads, err := h.service.SearchThreads(withRequestContext(c), viewerFromContext(c), query)
	if err != nil {
		return h.fail(c, err, "failed to search threads")
	}
	return utils.OK(c, threads, "threads", fiber.Map{"count": len(threads), "query": query.Query})
}

func (h *MessagingHandler) startThread(c *fiber.Ctx) error {
	var req dto.StartThreadRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}

	thread, created, err := h.service.StartThread(withRequestContext(c), viewerFromContext(c), req)
	if err != nil {
		return h.fail(c, err, "failed to start thread")
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return utils.SendSuccessWithStatus(c, status, "thread ready", dto.StartThreadResponse{Thread: thread, Created: created})
}

func (h *MessagingHandler) listMessages(c *fiber.Ctx) error {
	threadID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid thread id")
	}

	var query dto.MessageListQuery
	if before := c.Query("before"); before != "" {
		parsed, err := time.Parse(time.RFC3339Nano, before)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid before timestamp")
		}
		query.Before = &parsed
	}
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	query.Limit = limit

	messages, err := h.service.ListMessages(withRequestContext(c), viewerFromContext(c), threadID, query)
	if err != nil {
		return h.fail(c, err, "failed to list messages")
	}
	return utils.OK(c, messages, "messages", fiber.Map{"count": len(messages), "thread_id": threadID})
}

func (h *MessagingHandler) sendMessage(c *fiber.Ctx) error {
	threadID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid thread id")
	}

	var req dto.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}

	message, err := h.service.SendMessage(withRequestContext(c), viewerFromContext(c), threadID, req)
	if err != nil {
		return h.fail(c, err, "failed to send message")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message sent", message)
}

func (h *MessagingHandler) sendToUser(c *fiber.Ctx) error {
	var req dto.SendToUserRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}

	response, err := h.service.SendToUser(withRequestContext(c), viewerFromContext(c), req)
	if err != nil {
		return h.fail(c, err, "failed to send message")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message sent", response)
}

func (h *MessagingHandler) markRead(c *fiber.Ctx) error {
	participantID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid participant id")
	}

	state, err := h.service.MarkRead(withRequestContext(c), viewerFromContext(c), participantID)
	if err != nil {
		return h.fail(c, err, "failed to mark thread read")
	}
	return utils.SendSuccess(c, "participant updated", state)
}

func (h *MessagingHandler) recipients(c *fiber.Ctx) error {
	candidates, err := h.service.Recipients(withRequestContext(c), viewerFromContext(c), dto.SearchQuery{Query: c.Query("q")})
	if err != nil {
		return h.fail(c, err, "failed to list recipients")
	}
	return utils.OK(c, candidates, "recipients", fiber.Map{"count": len(candidates)})
}

func (h *MessagingHandler) unread(c *fiber.Ctx) error {
	count, err := h.service.UnreadCount(withRequestContext(c), viewerFromContext(c))
	if err != nil {
		return h.fail(c, err, "failed to count unread threads")
	}
	return utils.SendSuccess(c, "unread threads", dto.UnreadResponse{Unread: count})
}

// fail maps domain errors onto HTTP statuses. Hidden and missing threads are
// indistinguishable to the caller.
func (h *MessagingHandler) fail(c *fiber.Ctx, err error, message string) error {
	switch {
	case isValidationError(err):
		return utils.Fail(c, fiber.StatusBadRequest, "validation failed", validationDetails(err))
	case errors.Is(err, messaging.ErrEmptyBody):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, messaging.ErrThreadNotFound):
		return utils.SendError(c, fiber.StatusNotFound, messaging.ErrThreadNotFound.Error())
	case errors.Is(err, messaging.ErrNotParticipant):
		return utils.SendError(c, fiber.StatusNotFound, messaging.ErrNotParticipant.Error())
	}

	requestLogger(h.logger, c).Error().Err(err).Str("path", c.Path()).Msg(message)
	return utils.SendError(c, fiber.StatusInternalServerError, message)
}
