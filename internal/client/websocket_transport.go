package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-messaging/internal/messaging"
)

const (
	eventBufferSize  = 64
	handshakeTimeout = 5 * time.Second
	clientPingPeriod = 30 * time.Second
	clientWriteWait  = 10 * time.Second
)

type controlFrame struct {
	Type      string `json:"type"`
	ThreadIDs []uint `json:"thread_ids,omitempty"`
}

// WebsocketTransport implements messaging.Transport over the /ws endpoint.
type WebsocketTransport struct {
	endpoint *url.URL
	token    string
	dialer   *websocket.Dialer
	logger   zerolog.Logger
}

var _ messaging.Transport = (*WebsocketTransport)(nil)

// NewWebsocketTransport derives the websocket endpoint from cfg.BaseURL.
func NewWebsocketTransport(cfg Config, logger zerolog.Logger) (*WebsocketTransport, error) {
	endpoint, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch endpoint.Scheme {
	case "http":
		endpoint.Scheme = "ws"
	case "https":
		endpoint.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported base url scheme %q", endpoint.Scheme)
	}
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + apiPrefix + "/ws"

	return &WebsocketTransport{
		endpoint: endpoint,
		token:    cfg.Token,
		dialer:   &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		logger:   logger.With().Str("component", "websocket_transport").Logger(),
	}, nil
}

// Subscribe opens a connection following threadIDs and the viewer's own topic.
func (t *WebsocketTransport) Subscribe(ctx context.Context, threadIDs []uint) (messaging.Subscription, error) {
	target := *t.endpoint
	if len(threadIDs) > 0 {
		target.RawQuery = url.Values{"thread_ids": {joinIDs(threadIDs)}}.Encode()
	}

	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}

	conn, resp, err := t.dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	sub := &wsSubscription{
		conn:    conn,
		events:  make(chan messaging.Event, eventBufferSize),
		control: make(chan []uint, 1),
		done:    make(chan struct{}),
		logger:  t.logger,
	}
	sub.wg.Add(2)
	go sub.readLoop()
	go sub.writeLoop()
	return sub, nil
}

type wsSubscription struct {
	conn    *websocket.Conn
	events  chan messaging.Event
	control chan []uint
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

func (s *wsSubscription) Events() <-chan messaging.Event {
	return s.events
}

// Resubscribe queues a subscribe frame. Only the latest pending set is kept.
func (s *wsSubscription) Resubscribe(threadIDs []uint) error {
	select {
	case <-s.done:
		return messaging.ErrNotSubscribed
	default:
	}

	ids := append([]uint(nil), threadIDs...)
	for {
		select {
		case s.control <- ids:
			return nil
		default:
		}
		select {
		case <-s.control:
		default:
		}
	}
}

func (s *wsSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	s.wg.Wait()
	return err
}

func (s *wsSubscription) shutdown() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *wsSubscription) readLoop() {
	defer s.wg.Done()
	defer close(s.events)
	defer s.shutdown()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Debug().Err(err).Msg("realtime connection closed")
			}
			return
		}

		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err == nil && frame.Type != "" {
			s.logger.Debug().Str("type", frame.Type).Interface("thread_ids", frame.ThreadIDs).Msg("realtime control frame")
			continue
		}

		event, err := messaging.DecodeEvent(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed realtime frame")
			continue
		}

		select {
		case s.events <- event:
		case <-s.done:
			return
		}
	}
}

func (s *wsSubscription) writeLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(clientPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ids := <-s.control:
			_ = s.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := s.conn.WriteJSON(controlFrame{Type: "subscribe", ThreadIDs: ids}); err != nil {
				s.logger.Debug().Err(err).Msg("failed to send subscribe frame")
				s.shutdown()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := s.conn.WriteJSON(controlFrame{Type: "ping"}); err != nil {
				s.shutdown()
				return
			}
		case <-s.done:
			return
		}
	}
}

func joinIDs(ids []uint) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatUint(uint64(id), 10))
	}
	return strings.Join(parts, ",")
}
