package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-messaging/internal/dto"
	"github.com/noah-isme/gema-messaging/internal/messaging"
	"github.com/noah-isme/gema-messaging/internal/models"
	"github.com/noah-isme/gema-messaging/internal/observability"
	"github.com/noah-isme/gema-messaging/internal/repository"
)

const (
	defaultMessagePageSize = 100
	recipientSearchLimit   = 200
)

// AccessResolver computes the visibility inputs for a viewer.
type AccessResolver interface {
	Access(ctx context.Context, viewer messaging.Viewer) messaging.Access
}

// Audience selects who receives a realtime event: subscribers of a thread topic
// and/or the personal topics of specific users. A client matching both receives it once.
type Audience struct {
	ThreadID uint   `json:"thread_id,omitempty"`
	UserIDs  []uint `json:"user_ids,omitempty"`
}

// EventPublisher fans realtime events out to connected sessions.
type EventPublisher interface {
	Publish(ctx context.Context, event messaging.Event, audience Audience) error
}

// MessagingService is the server authority for threads, messages and read-state.
type MessagingService interface {
	Access(ctx context.Context, viewer messaging.Viewer) (messaging.Access, error)
	ListThreads(ctx context.Context, viewer messaging.Viewer) ([]messaging.ThreadView, error)
	SearchThreads(ctx context.Context, viewer messaging.Viewer, query dto.SearchQuery) ([]messaging.ThreadView, error)
	Recipients(ctx context.Context, viewer messaging.Viewer, query dto.SearchQuery) ([]messaging.RecipientCandidate, error)
	StartThread(ctx context.Context, viewer messaging.Viewer, req dto.StartThreadRequest) (messaging.ThreadView, bool, error)
	ListMessages(ctx context.Context, viewer messaging.Viewer, threadID uint, query dto.MessageListQuery) ([]messaging.Message, error)
	SendMessage(ctx context.Context, viewer messaging.Viewer, threadID uint, req dto.SendMessageRequest) (messaging.Message, error)
	SendToUser(ctx context.Context, viewer messaging.Viewer, req dto.SendToUserRequest) (dto.SendToUserResponse, error)
	MarkRead(ctx context.Context, viewer messaging.Viewer, participantID uint) (messaging.ParticipantState, error)
	UnreadCount(ctx context.Context, viewer messaging.Viewer) (int, error)
	SubscribableThreads(ctx context.Context, viewer messaging.Viewer, threadIDs []uint) ([]uint, error)
}

type messagingService struct {
	threads   repository.ThreadRepository
	messages  repository.MessageRepository
	users     repository.UserRepository
	access    AccessResolver
	publisher EventPublisher
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
	pageSize  int
}

// NewMessagingService constructs the messaging service. publisher may be nil.
func NewMessagingService(
	threads repository.ThreadRepository,
	messages repository.MessageRepository,
	users repository.UserRepository,
	access AccessResolver,
	publisher EventPublisher,
	validate *validator.Validate,
	pageSize int,
	logger zerolog.Logger,
) MessagingService {
	if pageSize <= 0 {
		pageSize = defaultMessagePageSize
	}

	return &messagingService{
		threads:   threads,
		messages:  messages,
		users:     users,
		access:    access,
		publisher: publisher,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "messaging_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-messaging/internal/service/messaging"),
		pageSize:  pageSize,
	}
}

func (s *messagingService) startSpan(ctx context.Context, name string, viewer messaging.Viewer, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.Int64("messaging.viewer_id", int64(viewer.ID)),
		attribute.String("messaging.viewer_role", viewer.Role.String()),
	)
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *messagingService) Access(ctx context.Context, viewer messaging.Viewer) (messaging.Access, error) {
	ctx, span := s.startSpan(ctx, "messaging.access", viewer)
	defer span.End()

	access := s.access.Access(ctx, viewer)
	span.SetAttributes(attribute.Bool("messaging.access_partial", access.Partial))
	return access, nil
}

func (s *messagingService) ListThreads(ctx context.Context, viewer messaging.Viewer) (views []messaging.ThreadView, err error) {
	ctx, span := s.startSpan(ctx, "messaging.list_threads", viewer)
	defer func() { endSpan(span, err) }()

	var (
		access  messaging.Access
		threads []models.Thread
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		access = s.access.Access(groupCtx, viewer)
		return nil
	})
	group.Go(func() error {
		var listErr error
		threads, listErr = s.threads.ListForUser(groupCtx, viewer.ID)
		return listErr
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}

	views = s.visibleViews(threads, viewer, access, "list")
	span.SetAttributes(attribute.Int("messaging.thread_count", len(views)))
	return views, nil
}

func (s *messagingService) visibleViews(threads []models.Thread, viewer messaging.Viewer, access messaging.Access, site string) []messaging.ThreadView {
	views := make([]messaging.ThreadView, 0, len(threads))
	for _, thread := range threads {
		view, ok := dto.NewThreadView(thread, viewer.ID)
		if !ok {
			continue
		}
		if !messaging.Visible(view, viewer.Role, access) {
			observability.VisibilityRejects().WithLabelValues(site).Inc()
			continue
		}
		views = append(views, view)
	}
	messaging.SortByRecency(views)
	return views
}

func (s *messagingService) SearchThreads(ctx context.Context, viewer messaging.Viewer, query dto.SearchQuery) ([]messaging.ThreadView, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, err
	}

	views, err := s.ListThreads(ctx, viewer)
	if err != nil {
		return nil, err
	}

	matches := make([]messaging.ThreadView, 0, len(views))
	for _, view := range views {
		if messaging.MatchesQuery(view, query.Query) {
			matches = append(matches, view)
		}
	}
	return matches, nil
}

func (s *messagingService) Recipients(ctx context.Context, viewer messaging.Viewer, query dto.SearchQuery) (candidates []messaging.RecipientCandidate, err error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, err
	}

	ctx, span := s.startSpan(ctx, "messaging.recipients", viewer)
	defer func() { endSpan(span, err) }()

	self, err := s.users.FindByID(ctx, viewer.ID)
	if err != nil {
		return nil, err
	}

	users, err := s.users.Search(ctx, repository.UserFilter{
		OrganizationID: self.OrganizationID,
		Search:         query.Query,
		ExcludeID:      viewer.ID,
		Limit:          recipientSearchLimit,
	})
	if err != nil {
		return nil, err
	}

	access := s.access.Access(ctx, viewer)
	candidates = make([]messaging.RecipientCandidate, 0, len(users))
	for _, user := range users {
		candidate := dto.NewRecipientCandidate(user)
		if messaging.CanMessage(candidate, viewer, access) {
			candidates = append(candidates, candidate)
		}
	}
	return candidates, nil
}

func (s *messagingService) StartThread(ctx context.Context, viewer messaging.Viewer, req dto.StartThreadRequest) (view messaging.ThreadView, created bool, err error) {
	if err := s.validator.Struct(req); err != nil {
		return messaging.ThreadView{}, false, err
	}

	ctx, span := s.startSpan(ctx, "messaging.start_thread", viewer, attribute.Int64("messaging.counterpart_id", int64(req.CounterpartID)))
	defer func() { endSpan(span, err) }()

	thread, created, err := s.resolveDirectThread(ctx, viewer, req.CounterpartID)
	if err != nil {
		return messaging.ThreadView{}, false, err
	}

	view, ok := dto.NewThreadView(thread, viewer.ID)
	if !ok {
		return messaging.ThreadView{}, false, messaging.ErrThreadNotFound
	}
	return view, created, nil
}

// resolveDirectThread applies the policy to the prospective counterpart before
// any row is created, then gets or creates the thread and announces new ones.
func (s *messagingService) resolveDirectThread(ctx context.Context, viewer messaging.Viewer, counterpartID uint) (models.Thread, bool, error) {
	if counterpartID == viewer.ID {
		return models.Thread{}, false, messaging.ErrThreadNotFound
	}

	counterpart, err := s.users.FindByID(ctx, counterpartID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Thread{}, false, messaging.ErrThreadNotFound
		}
		return models.Thread{}, false, err
	}

	access := s.access.Access(ctx, viewer)
	if !messaging.CanMessage(dto.NewRecipientCandidate(counterpart), viewer, access) {
		observability.VisibilityRejects().WithLabelValues("start").Inc()
		return models.Thread{}, false, messaging.ErrThreadNotFound
	}

	thread, created, err := s.threads.GetOrCreateDirect(ctx, viewer.ID, counterpart.ID)
	if err != nil {
		return models.Thread{}, false, err
	}

	if created {
		observability.ThreadsCreated().Inc()
		s.logger.Info().Uint("thread_id", thread.ID).Uint("viewer_id", viewer.ID).Uint("counterpart_id", counterpart.ID).Msg("direct thread created")
		s.publish(ctx, messaging.NewThreadEvent(dto.NewThreadSnapshot(thread)), Audience{UserIDs: []uint{viewer.ID, counterpart.ID}})
	}
	return thread, created, nil
}

// authorizedThread loads a thread the viewer participates in and may see.
func (s *messagingService) authorizedThread(ctx context.Context, viewer messaging.Viewer, threadID uint, site string) (models.Thread, error) {
	thread, err := s.threads.FindByID(ctx, threadID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Thread{}, messaging.ErrThreadNotFound
		}
		return models.Thread{}, err
	}

	// foreign threads answer exactly like missing ones
	view, ok := dto.NewThreadView(thread, viewer.ID)
	if !ok {
		return models.Thread{}, messaging.ErrThreadNotFound
	}

	access := s.access.Access(ctx, viewer)
	if !messaging.Visible(view, viewer.Role, access) {
		observability.VisibilityRejects().WithLabelValues(site).Inc()
		return models.Thread{}, messaging.ErrThreadNotFound
	}
	return thread, nil
}

func (s *messagingService) ListMessages(ctx context.Context, viewer messaging.Viewer, threadID uint, query dto.MessageListQuery) (messages []messaging.Message, err error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, err
	}

	ctx, span := s.startSpan(ctx, "messaging.list_messages", viewer, attribute.Int64("messaging.thread_id", int64(threadID)))
	defer func() { endSpan(span, err) }()

	if _, err := s.authorizedThread(ctx, viewer, threadID, "messages"); err != nil {
		return nil, err
	}

	before := time.Time{}
	if query.Before != nil {
		before = *query.Before
	}
	limit := query.Limit
	if limit <= 0 {
		limit = s.pageSize
	}

	items, err := s.messages.ListByThread(ctx, threadID, before, limit)
	if err != nil {
		return nil, err
	}
	return dto.NewMessageSlice(items), nil
}

func (s *messagingService) SendMessage(ctx context.Context, viewer messaging.Viewer, threadID uint, req dto.SendMessageRequest) (message messaging.Message, err error) {
	body, err := s.cleanBody(req)
	if err != nil {
		return messaging.Message{}, err
	}

	ctx, span := s.startSpan(ctx, "messaging.send", viewer, attribute.Int64("messaging.thread_id", int64(threadID)))
	defer func() { endSpan(span, err) }()

	if _, err := s.authorizedThread(ctx, viewer, threadID, "send"); err != nil {
		return messaging.Message{}, err
	}

	message, _, err = s.appendMessage(ctx, viewer, threadID, body)
	return message, err
}

func (s *messagingService) SendToUser(ctx context.Context, viewer messaging.Viewer, req dto.SendToUserRequest) (response dto.SendToUserResponse, err error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.SendToUserResponse{}, err
	}
	body, err := s.cleanBody(dto.SendMessageRequest{Body: req.Body})
	if err != nil {
		return dto.SendToUserResponse{}, err
	}

	ctx, span := s.startSpan(ctx, "messaging.send_to_user", viewer, attribute.Int64("messaging.counterpart_id", int64(req.CounterpartID)))
	defer func() { endSpan(span, err) }()

	thread, _, err := s.resolveDirectThread(ctx, viewer, req.CounterpartID)
	if err != nil {
		return dto.SendToUserResponse{}, err
	}

	message, view, err := s.appendMessage(ctx, viewer, thread.ID, body)
	if err != nil {
		return dto.SendToUserResponse{}, err
	}
	return dto.SendToUserResponse{Thread: view, Message: message}, nil
}

func (s *messagingService) cleanBody(req dto.SendMessageRequest) (string, error) {
	if err := s.validator.Struct(req); err != nil {
		return "", err
	}
	body := strings.TrimSpace(s.sanitizer.Sanitize(req.Body))
	if body == "" {
		return "", messaging.ErrEmptyBody
	}
	return body, nil
}

func (s *messagingService) appendMessage(ctx context.Context, viewer messaging.Viewer, threadID uint, body string) (messaging.Message, messaging.ThreadView, error) {
	result, err := s.messages.Append(ctx, threadID, viewer.ID, body)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrAuthorNotParticipant), errors.Is(err, gorm.ErrRecordNotFound):
			return messaging.Message{}, messaging.ThreadView{}, messaging.ErrThreadNotFound
		}
		return messaging.Message{}, messaging.ThreadView{}, err
	}

	observability.MessagesSent().Inc()

	message := dto.NewMessage(result.Item)
	snapshot := dto.NewThreadSnapshot(result.Thread)
	participants := make([]uint, 0, len(snapshot.Participants))
	for _, participant := range snapshot.Participants {
		participants = append(participants, participant.UserID)
	}

	s.publish(ctx, messaging.NewMessageEvent(message), Audience{ThreadID: threadID})
	s.publish(ctx, messaging.UpdatedThreadEvent(snapshot), Audience{ThreadID: threadID, UserIDs: participants})
	if result.Flipped != nil {
		state := dto.NewParticipantState(*result.Flipped)
		s.publish(ctx, messaging.UpdatedParticipantEvent(state), Audience{ThreadID: threadID, UserIDs: []uint{state.UserID}})
	}

	view, _ := snapshot.ViewFor(viewer.ID)
	return message, view, nil
}

func (s *messagingService) MarkRead(ctx context.Context, viewer messaging.Viewer, participantID uint) (state messaging.ParticipantState, err error) {
	ctx, span := s.startSpan(ctx, "messaging.mark_read", viewer, attribute.Int64("messaging.participant_id", int64(participantID)))
	defer func() { endSpan(span, err) }()

	participant, err := s.threads.FindParticipant(ctx, participantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return messaging.ParticipantState{}, messaging.ErrNotParticipant
		}
		return messaging.ParticipantState{}, err
	}
	if participant.UserID != viewer.ID {
		return messaging.ParticipantState{}, messaging.ErrNotParticipant
	}
	if _, err := s.authorizedThread(ctx, viewer, participant.ThreadID, "read"); err != nil {
		if errors.Is(err, messaging.ErrThreadNotFound) {
			return messaging.ParticipantState{}, messaging.ErrNotParticipant
		}
		return messaging.ParticipantState{}, err
	}

	updated, changed, err := s.threads.MarkRead(ctx, participantID)
	if err != nil {
		return messaging.ParticipantState{}, err
	}

	state = dto.NewParticipantState(updated)
	if changed {
		s.publish(ctx, messaging.UpdatedParticipantEvent(state), Audience{ThreadID: state.ThreadID, UserIDs: []uint{viewer.ID}})
	}
	return state, nil
}

func (s *messagingService) UnreadCount(ctx context.Context, viewer messaging.Viewer) (int, error) {
	views, err := s.ListThreads(ctx, viewer)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, view := range views {
		if view.Unread {
			count++
		}
	}
	return count, nil
}

// SubscribableThreads narrows threadIDs to the threads the viewer may receive events for.
func (s *messagingService) SubscribableThreads(ctx context.Context, viewer messaging.Viewer, threadIDs []uint) ([]uint, error) {
	if len(threadIDs) == 0 {
		return nil, nil
	}

	views, err := s.ListThreads(ctx, viewer)
	if err != nil {
		return nil, err
	}

	visible := messaging.NewIDSet()
	for _, view := range views {
		visible.Add(view.ID)
	}

	admitted := messaging.NewIDSet()
	for _, id := range threadIDs {
		if visible.Contains(id) {
			admitted.Add(id)
		}
	}
	return admitted.Sorted(), nil
}

func (s *messagingService) publish(ctx context.Context, event messaging.Event, audience Audience) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event, audience); err != nil {
		s.logger.Warn().Err(err).Str("kind", string(event.Kind)).Uint("thread_id", event.ThreadID).Msg("failed to publish realtime event")
	}
}
