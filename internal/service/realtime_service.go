package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-messaging/internal/messaging"
	"github.com/noah-isme/gema-messaging/internal/middleware"
	"github.com/noah-isme/gema-messaging/internal/observability"
)

const (
	realtimeSendBufferSize = 64
	realtimeDefaultTTL     = 30 * time.Minute
	realtimePingInterval   = 30 * time.Second
	realtimeWriteTimeout   = 10 * time.Second

	frameSubscribe  = "subscribe"
	frameSubscribed = "subscribed"
	framePing       = "ping"
	framePong       = "pong"
)

// ThreadAdmission narrows requested thread ids to those a viewer may follow.
type ThreadAdmission interface {
	SubscribableThreads(ctx context.Context, viewer messaging.Viewer, threadIDs []uint) ([]uint, error)
}

// AdmissionFunc adapts a function to ThreadAdmission.
type AdmissionFunc func(ctx context.Context, viewer messaging.Viewer, threadIDs []uint) ([]uint, error)

// SubscribableThreads calls f.
func (f AdmissionFunc) SubscribableThreads(ctx context.Context, viewer messaging.Viewer, threadIDs []uint) ([]uint, error) {
	return f(ctx, viewer, threadIDs)
}

// RealtimeConnectionOptions wraps metadata extracted during the HTTP upgrade.
type RealtimeConnectionOptions struct {
	Viewer        messaging.Viewer
	ThreadIDs     []uint
	CorrelationID string
	Context       context.Context
}

// StreamFrame is one outbound frame. Kind is the event kind or a control frame type.
type StreamFrame struct {
	Kind string
	Data []byte
}

// RealtimeStream is a server-sent-events subscription.
type RealtimeStream struct {
	Frames    <-chan StreamFrame
	ThreadIDs []uint
	close     func()
}

// Close releases the subscription.
func (s *RealtimeStream) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

// RealtimeService delivers messaging events to websocket and SSE clients and
// relays them between nodes.
type RealtimeService interface {
	EventPublisher
	ServeConnection(conn *websocket.Conn, opts RealtimeConnectionOptions)
	Subscribe(ctx context.Context, viewer messaging.Viewer, threadIDs []uint) (*RealtimeStream, error)
	Start(ctx context.Context)
}

type realtimeService struct {
	admission   ThreadAdmission
	redis       *redis.Client
	redisStream string
	redisCache  string
	cacheTTL    time.Duration
	nats        *nats.Conn
	natsSubject string
	logger      zerolog.Logger
	hub         *realtimeHub
	nodeID      string
}

type realtimeHub struct {
	mu     sync.RWMutex
	topics map[string]map[*realtimeClient]struct{}
	log    zerolog.Logger
}

type realtimeClient struct {
	viewer  messaging.Viewer
	conn    *websocket.Conn
	send    chan StreamFrame
	topics  map[string]struct{}
	service *realtimeService
	closed  chan struct{}
	once    sync.Once
	baseCtx context.Context
	cancel  context.CancelFunc
	log     zerolog.Logger
}

type relayEnvelope struct {
	Source   string          `json:"source"`
	Audience Audience        `json:"audience"`
	Event    json.RawMessage `json:"event"`
	SentAt   time.Time       `json:"sent_at"`
}

type controlFrame struct {
	Type      string `json:"type"`
	ThreadIDs []uint `json:"thread_ids,omitempty"`
}

// NewRealtimeService creates the realtime hub. redisClient and natsConn may be nil
// for single-node deployments.
func NewRealtimeService(admission ThreadAdmission, redisClient *redis.Client, channelBase string, cacheTTL time.Duration, natsConn *nats.Conn, logger zerolog.Logger) RealtimeService {
	hub := &realtimeHub{
		topics: make(map[string]map[*realtimeClient]struct{}),
		log:    logger.With().Str("component", "realtime_hub").Logger(),
	}

	streamChannel := ""
	cachePrefix := ""
	natsSubject := ""
	if channelBase != "" {
		streamChannel = channelBase + ":events"
		cachePrefix = channelBase + ":last"
		natsSubject = strings.ReplaceAll(channelBase, ":", ".") + ".events"
	}
	if cacheTTL <= 0 {
		cacheTTL = realtimeDefaultTTL
	}

	return &realtimeService{
		admission:   admission,
		redis:       redisClient,
		redisStream: streamChannel,
		redisCache:  cachePrefix,
		cacheTTL:    cacheTTL,
		nats:        natsConn,
		natsSubject: natsSubject,
		logger:      logger.With().Str("component", "realtime_service").Logger(),
		hub:         hub,
		nodeID:      uuid.NewString(),
	}
}

func (s *realtimeService) Start(ctx context.Context) {
	if s.redis != nil && s.redisStream != "" {
		go s.consumeRedis(ctx)
	}
	if s.nats != nil && s.natsSubject != "" {
		s.consumeNATS(ctx)
	}
}

func threadTopic(id uint) string {
	return "thread:" + strconv.FormatUint(uint64(id), 10)
}

func userTopic(id uint) string {
	return "user:" + strconv.FormatUint(uint64(id), 10)
}

func (s *realtimeService) newClient(ctx context.Context, viewer messaging.Viewer, conn *websocket.Conn, correlation string) *realtimeClient {
	if ctx == nil {
		ctx = context.Background()
	}
	if correlation == "" {
		correlation = middleware.CorrelationIDFromContext(ctx)
	}
	ctx, cancel := context.WithCancel(ctx)

	return &realtimeClient{
		viewer:  viewer,
		conn:    conn,
		send:    make(chan StreamFrame, realtimeSendBufferSize),
		topics:  make(map[string]struct{}),
		service: s,
		closed:  make(chan struct{}),
		baseCtx: ctx,
		cancel:  cancel,
		log: s.logger.With().
			Uint("user_id", viewer.ID).
			Str("correlation_id", correlation).
			Logger(),
	}
}

func (s *realtimeService) ServeConnection(conn *websocket.Conn, opts RealtimeConnectionOptions) {
	client := s.newClient(opts.Context, opts.Viewer, conn, opts.CorrelationID)

	s.hub.register(client)
	observability.RealtimeConnections().Inc()
	defer observability.RealtimeConnections().Dec()

	s.replay(client.baseCtx, client, []string{userTopic(opts.Viewer.ID)})
	if len(opts.ThreadIDs) > 0 {
		client.subscribe(opts.ThreadIDs)
	}

	go client.writer()
	client.reader()
}

func (s *realtimeService) Subscribe(ctx context.Context, viewer messaging.Viewer, threadIDs []uint) (*RealtimeStream, error) {
	admitted, err := s.admit(ctx, viewer, threadIDs)
	if err != nil {
		return nil, err
	}

	client := s.newClient(ctx, viewer, nil, "")
	s.hub.register(client)
	s.hub.setThreads(client, admitted)
	observability.RealtimeConnections().Inc()

	topics := []string{userTopic(viewer.ID)}
	for _, id := range admitted {
		topics = append(topics, threadTopic(id))
	}
	s.replay(client.baseCtx, client, topics)

	return &RealtimeStream{
		Frames:    client.send,
		ThreadIDs: admitted,
		close: func() {
			client.once.Do(func() {
				close(client.closed)
				client.cancel()
				s.hub.unregister(client)
				observability.RealtimeConnections().Dec()
			})
		},
	}, nil
}

func (s *realtimeService) admit(ctx context.Context, viewer messaging.Viewer, threadIDs []uint) ([]uint, error) {
	if len(threadIDs) == 0 {
		return nil, nil
	}
	if s.admission == nil {
		return nil, fmt.Errorf("realtime admission not configured")
	}
	return s.admission.SubscribableThreads(ctx, viewer, threadIDs)
}

// Publish delivers the event to local subscribers, caches it for replay and
// relays it to the other nodes.
func (s *realtimeService) Publish(ctx context.Context, event messaging.Event, audience Audience) error {
	payload, err := messaging.EncodeEvent(event)
	if err != nil {
		return err
	}

	s.hub.deliver(StreamFrame{Kind: string(event.Kind), Data: payload}, audience)
	observability.RealtimeEvents().WithLabelValues(string(event.Kind), "local").Inc()

	s.cacheLastEvent(ctx, payload, audience)
	return s.relay(ctx, payload, audience)
}

func (s *realtimeService) cacheKeys(audience Audience) []string {
	keys := make([]string, 0, len(audience.UserIDs)+1)
	if audience.ThreadID != 0 {
		keys = append(keys, fmt.Sprintf("%s:%s", s.redisCache, threadTopic(audience.ThreadID)))
	}
	for _, id := range audience.UserIDs {
		keys = append(keys, fmt.Sprintf("%s:%s", s.redisCache, userTopic(id)))
	}
	return keys
}

func (s *realtimeService) cacheLastEvent(ctx context.Context, payload []byte, audience Audience) {
	if s.redis == nil || s.redisCache == "" {
		return
	}

	pipe := s.redis.Pipeline()
	for _, key := range s.cacheKeys(audience) {
		pipe.Set(ctx, key, payload, s.cacheTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to cache realtime event")
	}
}

// replay sends the last cached event of each topic. Receivers are idempotent,
// so replaying something already seen is harmless.
func (s *realtimeService) replay(ctx context.Context, client *realtimeClient, topics []string) {
	if s.redis == nil || s.redisCache == "" || len(topics) == 0 {
		return
	}

	keys := make([]string, 0, len(topics))
	for _, topic := range topics {
		keys = append(keys, fmt.Sprintf("%s:%s", s.redisCache, topic))
	}

	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		s.logger.Debug().Err(err).Msg("failed to load cached realtime events")
		return
	}

	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		event, err := messaging.DecodeEvent([]byte(raw))
		if err != nil {
			s.logger.Warn().Err(err).Msg("discarding malformed cached realtime event")
			continue
		}
		client.enqueue(StreamFrame{Kind: string(event.Kind), Data: []byte(raw)}, "replay")
	}
}

func (s *realtimeService) relay(ctx context.Context, payload []byte, audience Audience) error {
	if (s.redis == nil || s.redisStream == "") && (s.nats == nil || s.natsSubject == "") {
		return nil
	}

	envelope, err := json.Marshal(relayEnvelope{
		Source:   s.nodeID,
		Audience: audience,
		Event:    payload,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	if s.redis != nil && s.redisStream != "" {
		if err := s.redis.Publish(ctx, s.redisStream, envelope).Err(); err != nil {
			return err
		}
	}

	if s.nats != nil && s.natsSubject != "" {
		if err := s.nats.Publish(s.natsSubject, envelope); err != nil {
			return err
		}
	}

	return nil
}

func (s *realtimeService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisStream)
	defer func() {
		_ = pubsub.Close()
	}()
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("realtime redis subscription closed")
			return
		}
		s.handleRelay([]byte(msg.Payload))
	}
}

// consumeNATS subscribes without a queue group: every node must see every
// event to reach its own clients.
func (s *realtimeService) consumeNATS(ctx context.Context) {
	sub, err := s.nats.Subscribe(s.natsSubject, func(msg *nats.Msg) {
		s.handleRelay(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats realtime subject")
		return
	}
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain realtime nats subscription")
		}
	}()
}

func (s *realtimeService) handleRelay(data []byte) {
	var envelope relayEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		observability.RealtimeDropped().WithLabelValues("malformed").Inc()
		s.logger.Warn().Err(err).Msg("invalid realtime relay envelope")
		return
	}

	if envelope.Source == s.nodeID {
		return
	}

	event, err := messaging.DecodeEvent(envelope.Event)
	if err != nil {
		observability.RealtimeDropped().WithLabelValues("malformed").Inc()
		s.logger.Warn().Err(err).Str("source", envelope.Source).Msg("dropping malformed relayed event")
		return
	}

	observability.RealtimeEvents().WithLabelValues(string(event.Kind), "relay").Inc()
	s.hub.deliver(StreamFrame{Kind: string(event.Kind), Data: envelope.Event}, envelope.Audience)
}

func (h *realtimeHub) register(client *realtimeClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.addTopicLocked(client, userTopic(client.viewer.ID))
	h.log.Debug().Uint("user_id", client.viewer.ID).Msg("realtime client connected")
}

func (h *realtimeHub) addTopicLocked(client *realtimeClient, topic string) {
	if _, exists := h.topics[topic]; !exists {
		h.topics[topic] = make(map[*realtimeClient]struct{})
	}
	h.topics[topic][client] = struct{}{}
	client.topics[topic] = struct{}{}
}

func (h *realtimeHub) removeTopicLocked(client *realtimeClient, topic string) {
	if clients, ok := h.topics[topic]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(client.topics, topic)
}

// setThreads replaces the client's thread topics and returns the newly added thread ids.
func (h *realtimeHub) setThreads(client *realtimeClient, threadIDs []uint) []uint {
	h.mu.Lock()
	defer h.mu.Unlock()

	wanted := make(map[string]uint, len(threadIDs))
	for _, id := range threadIDs {
		wanted[threadTopic(id)] = id
	}

	for topic := range client.topics {
		if !strings.HasPrefix(topic, "thread:") {
			continue
		}
		if _, keep := wanted[topic]; !keep {
			h.removeTopicLocked(client, topic)
		}
	}

	added := make([]uint, 0, len(wanted))
	for topic, id := range wanted {
		if _, exists := client.topics[topic]; exists {
			continue
		}
		h.addTopicLocked(client, topic)
		added = append(added, id)
	}
	return added
}

func (h *realtimeHub) unregister(client *realtimeClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for topic := range client.topics {
		h.removeTopicLocked(client, topic)
	}
	h.log.Debug().Uint("user_id", client.viewer.ID).Msg("realtime client disconnected")
}

// deliver sends frame once to every client subscribed to any audience topic.
func (h *realtimeHub) deliver(frame StreamFrame, audience Audience) int {
	h.mu.RLock()
	recipients := make(map[*realtimeClient]struct{})
	if audience.ThreadID != 0 {
		for client := range h.topics[threadTopic(audience.ThreadID)] {
			recipients[client] = struct{}{}
		}
	}
	for _, id := range audience.UserIDs {
		for client := range h.topics[userTopic(id)] {
			recipients[client] = struct{}{}
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for client := range recipients {
		if client.enqueue(frame, "broadcast") {
			delivered++
		}
	}
	return delivered
}

// enqueue never blocks: a slow client loses the frame and catches up on reload.
func (c *realtimeClient) enqueue(frame StreamFrame, site string) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		observability.RealtimeDropped().WithLabelValues("slow_consumer").Inc()
		c.log.Warn().Str("kind", frame.Kind).Str("site", site).Msg("dropping realtime frame for slow client")
		return false
	}
}

func (c *realtimeClient) subscribe(threadIDs []uint) {
	admitted, err := c.service.admit(c.baseCtx, c.viewer, threadIDs)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to admit realtime subscription")
		return
	}
	if rejected := len(threadIDs) - len(admitted); rejected > 0 {
		c.log.Debug().Int("rejected", rejected).Msg("ignoring threads outside the viewer's visible set")
	}

	added := c.service.hub.setThreads(c, admitted)

	ack, err := json.Marshal(controlFrame{Type: frameSubscribed, ThreadIDs: admitted})
	if err == nil {
		c.enqueue(StreamFrame{Kind: frameSubscribed, Data: ack}, "control")
	}

	topics := make([]string, 0, len(added))
	for _, id := range added {
		topics = append(topics, threadTopic(id))
	}
	c.service.replay(c.baseCtx, c, topics)
}

func (c *realtimeClient) reader() {
	defer c.close()

	for {
		var frame controlFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			c.log.Debug().Err(err).Msg("realtime read loop ended")
			return
		}

		switch frame.Type {
		case frameSubscribe:
			c.subscribe(frame.ThreadIDs)
		case framePing:
			if pong, err := json.Marshal(controlFrame{Type: framePong}); err == nil {
				c.enqueue(StreamFrame{Kind: framePong, Data: pong}, "control")
			}
		default:
			c.log.Debug().Str("type", frame.Type).Msg("ignoring unknown realtime frame")
		}
	}
}

func (c *realtimeClient) writer() {
	defer c.close()

	ticker := time.NewTicker(realtimePingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(realtimeWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame.Data); err != nil {
				c.log.Debug().Err(err).Msg("realtime write loop terminated")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.log.Debug().Err(err).Msg("realtime ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *realtimeClient) close() {
	c.once.Do(func() {
		close(c.closed)
		c.cancel()
		c.service.hub.unregister(c)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}
