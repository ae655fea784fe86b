package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-messaging/internal/messaging"
	"github.com/noah-isme/gema-messaging/internal/service"
	"github.com/noah-isme/gema-messaging/internal/utils"
)

const defaultStreamKeepAlive = 25 * time.Second

// RealtimeHandler exposes the websocket and server-sent-events transports.
type RealtimeHandler struct {
	service   service.RealtimeService
	keepAlive time.Duration
	logger    zerolog.Logger
}

// NewRealtimeHandler creates a realtime handler. keepAlive controls SSE comment frames.
func NewRealtimeHandler(service service.RealtimeService, keepAlive time.Duration, logger zerolog.Logger) *RealtimeHandler {
	if keepAlive <= 0 {
		keepAlive = defaultStreamKeepAlive
	}
	return &RealtimeHandler{
		service:   service,
		keepAlive: keepAlive,
		logger:    logger.With().Str("component", "realtime_handler").Logger(),
	}
}

// Register binds /ws and /stream under the provided router group.
func (h *RealtimeHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		viewer := viewerFromContext(c)
		if viewer.ID == 0 {
			return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
		}
		threadIDs, err := parseUintList(c.Query("thread_ids"))
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid thread_ids")
		}

		c.Locals("request_ctx", withRequestContext(c))
		c.Locals("viewer", viewer)
		c.Locals("thread_ids", threadIDs)
		return c.Next()
	})

	router.Get("/ws", websocket.New(h.handleConnection))
	router.Get("/stream", h.stream)
}

func (h *RealtimeHandler) handleConnection(conn *websocket.Conn) {
	viewer, _ := conn.Locals("viewer").(messaging.Viewer)
	threadIDs, _ := conn.Locals("thread_ids").([]uint)
	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	correlation, _ := conn.Locals("correlation_id").(string)

	opts := service.RealtimeConnectionOptions{
		Viewer:        viewer,
		ThreadIDs:     threadIDs,
		CorrelationID: correlation,
		Context:       baseCtx,
	}

	h.logger.Info().Uint("user_id", viewer.ID).Int("threads", len(threadIDs)).Msg("realtime websocket connected")
	h.service.ServeConnection(conn, opts)
	h.logger.Info().Uint("user_id", viewer.ID).Msg("realtime websocket disconnected")
}

func (h *RealtimeHandler) stream(c *fiber.Ctx) error {
	viewer := viewerFromContext(c)
	if viewer.ID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}
	threadIDs, err := parseUintList(c.Query("thread_ids"))
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid thread_ids")
	}

	ctx, cancel := context.WithCancel(withRequestContext(c))
	stream, err := h.service.Subscribe(ctx, viewer, threadIDs)
	if err != nil {
		cancel()
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to open event stream")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to open event stream")
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	keepAlive := h.keepAlive
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			stream.Close()
			cancel()
		}()

		if err := writeStreamFrame(w, service.StreamFrame{Kind: "subscribed", Data: subscribedPayload(stream.ThreadIDs)}); err != nil {
			return
		}

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		for {
			select {
			case frame, ok := <-stream.Frames:
				if !ok {
					return
				}
				if err := writeStreamFrame(w, frame); err != nil {
					h.logger.Debug().Err(err).Msg("failed to write stream event")
					return
				}
			case <-ticker.C:
				if err := writeKeepAlive(w); err != nil {
					h.logger.Debug().Err(err).Msg("failed to write stream keepalive")
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})

	return nil
}

func subscribedPayload(threadIDs []uint) []byte {
	if threadIDs == nil {
		threadIDs = []uint{}
	}
	payload, err := json.Marshal(fiber.Map{"type": "subscribed", "thread_ids": threadIDs})
	if err != nil {
		return []byte(`{"type":"subscribed"}`)
	}
	return payload
}

func writeStreamFrame(w *bufio.Writer, frame service.StreamFrame) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", frame.Kind); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", frame.Data); err != nil {
		return err
	}
	return w.Flush()
}

func writeKeepAlive(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, ": keep-alive %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return w.Flush()
}
