package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// State is the thread-selection state of a session.
type State string

const (
	StateIdle          State = "idle"
	StateLoadingThread State = "loading-thread"
	StateThreadOpen    State = "thread-open"
)

// maxSendAttempts allows the initial send plus one retry.
const maxSendAttempts = 2

// PendingMessage is a locally sent message awaiting its authoritative copy.
type PendingMessage struct {
	Key       string    `json:"key"`
	ThreadID  uint      `json:"thread_id"`
	Body      string    `json:"body"`
	Failed    bool      `json:"failed"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

// View is a point-in-time copy of a session's state.
type View struct {
	State        State            `json:"state"`
	Viewer       Viewer           `json:"viewer"`
	Threads      []ThreadView     `json:"threads"`
	OpenThreadID uint             `json:"open_thread_id,omitempty"`
	Messages     []Message        `json:"messages"`
	Pending      []PendingMessage `json:"pending"`
	Unread       int              `json:"unread"`
	Draft        string           `json:"draft,omitempty"`
	Err          error            `json:"-"`
}

type readState struct {
	unread bool
	at     time.Time
}

// badgeOp is a counter change recorded under the state lock and applied after
// it is released, so counter watchers may read the session.
type badgeOp struct {
	delta int
	reset bool
	value int
}

// Reconciler merges synchronous responses and realtime events into one
// consistent in-memory view for a viewer session. Event handlers never perform
// I/O while holding the state lock, so they may be called from any goroutine.
type Reconciler struct {
	store     Store
	transport Transport
	unread    *UnreadCounter
	logger    zerolog.Logger
	now       func() time.Time

	subMu sync.Mutex
	sub   Subscription

	badgeMu sync.Mutex

	mu           sync.Mutex
	badgeOps     []badgeOp
	loading      int
	journal      []Event
	access       Access
	threads      []ThreadView
	flags        map[uint]readState
	pendingFlags map[uint]readState
	state        State
	openThreadID uint
	openSeq      uint64
	messages     []Message
	messageIDs   map[uint]struct{}
	pending      []PendingMessage
	draft        string
	err          error
}

// ReconcilerOption customises a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithTransport attaches a realtime transport.
func WithTransport(transport Transport) ReconcilerOption {
	return func(r *Reconciler) { r.transport = transport }
}

// WithUnreadCounter shares an externally owned badge counter.
func WithUnreadCounter(counter *UnreadCounter) ReconcilerOption {
	return func(r *Reconciler) {
		if counter != nil {
			r.unread = counter
		}
	}
}

// WithClock overrides the time source used for pending messages.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler builds an idle session over store.
func NewReconciler(store Store, logger zerolog.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:        store,
		unread:       NewUnreadCounter(),
		logger:       logger.With().Str("component", "reconciler").Logger(),
		now:          time.Now,
		flags:        make(map[uint]readState),
		pendingFlags: make(map[uint]readState),
		messageIDs:   make(map[uint]struct{}),
		state:        StateIdle,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Unread exposes the session's badge counter.
func (r *Reconciler) Unread() *UnreadCounter {
	return r.unread
}

// Load fetches access and threads and replaces the thread list. It is
// idempotent: repeated loads against the same store state give the same view.
// Failures keep whatever state is already present and set the error banner.
func (r *Reconciler) Load(ctx context.Context) error {
	r.mu.Lock()
	r.loading++
	r.mu.Unlock()

	var (
		access    Access
		threads   []ThreadView
		accessErr error
		listErr   error
		group     errgroup.Group
	)
	group.Go(func() error {
		access, accessErr = r.store.Access(ctx)
		return nil
	})
	group.Go(func() error {
		threads, listErr = r.store.ListThreads(ctx)
		return nil
	})
	_ = group.Wait()

	var err error
	if accessErr != nil {
		err = errors.Join(err, fmt.Errorf("load access: %w", accessErr))
	}
	if listErr != nil {
		err = errors.Join(err, fmt.Errorf("load threads: %w", listErr))
	}

	r.mu.Lock()
	if accessErr == nil {
		r.access = access
	}
	if listErr == nil {
		r.replaceThreadsLocked(threads)
	}
	// events that raced the fetch are newer than the fetched list may show
	if r.access.Viewer.ID != 0 {
		for _, event := range r.journal {
			r.applyEventLocked(event)
		}
	}
	r.loading--
	if r.loading == 0 {
		r.journal = nil
	}
	switch {
	case err != nil:
		r.err = err
		r.logger.Warn().Err(err).Msg("messaging load degraded")
	case r.access.Partial:
		r.err = ErrPartialRoster
	}
	ids := r.threadIDsLocked()
	reopen := r.state != StateIdle
	openID, seq := r.openThreadID, r.openSeq
	r.mu.Unlock()

	r.flushBadge()
	r.syncSubscription(ctx, ids)

	if reopen {
		if refreshErr := r.refreshMessages(ctx, openID, seq); refreshErr != nil {
			err = errors.Join(err, refreshErr)
		}
	}
	return err
}

func (r *Reconciler) replaceThreadsLocked(threads []ThreadView) {
	visible := FilterVisible(threads, r.access.Viewer.Role, r.access)
	SortByRecency(visible)

	r.threads = visible
	r.flags = make(map[uint]readState, len(visible))
	r.pendingFlags = make(map[uint]readState)

	count := 0
	for _, thread := range visible {
		r.flags[thread.ID] = readState{unread: thread.Unread, at: thread.ReadStateAt}
		if thread.Unread {
			count++
		}
	}
	r.badgeOps = append(r.badgeOps, badgeOp{reset: true, value: count})

	if r.openThreadID != 0 && r.indexLocked(r.openThreadID) < 0 {
		r.closeThreadLocked()
	}
}

// OpenThread selects a thread, loads its messages and marks it read when it
// was unread. Threads the viewer may not see are reported as not found.
func (r *Reconciler) OpenThread(ctx context.Context, threadID uint) error {
	r.mu.Lock()
	if r.indexLocked(threadID) < 0 {
		r.mu.Unlock()
		return ErrThreadNotFound
	}
	if r.openThreadID != threadID {
		r.pending = nil
		r.draft = ""
	}
	r.openSeq++
	seq := r.openSeq
	r.openThreadID = threadID
	r.state = StateLoadingThread
	r.messages = nil
	r.messageIDs = make(map[uint]struct{})
	r.mu.Unlock()

	if err := r.refreshMessages(ctx, threadID, seq); err != nil {
		return err
	}

	r.mu.Lock()
	idx := r.indexLocked(threadID)
	if r.openSeq != seq || idx < 0 {
		r.mu.Unlock()
		return nil
	}
	thread := r.threads[idx]
	unread := r.flags[threadID].unread
	r.mu.Unlock()

	if !unread {
		return nil
	}
	return r.markRead(ctx, thread)
}

// CloseThread returns the session to idle.
func (r *Reconciler) CloseThread() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeThreadLocked()
}

func (r *Reconciler) closeThreadLocked() {
	r.openSeq++
	r.openThreadID = 0
	r.state = StateIdle
	r.messages = nil
	r.messageIDs = make(map[uint]struct{})
	r.pending = nil
	r.draft = ""
}

func (r *Reconciler) refreshMessages(ctx context.Context, threadID uint, seq uint64) error {
	messages, err := r.store.ListMessages(ctx, threadID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.openSeq != seq || r.openThreadID != threadID {
		r.logger.Debug().Uint("thread_id", threadID).Msg("discarding stale message list")
		return nil
	}

	r.state = StateThreadOpen
	if err != nil {
		r.err = fmt.Errorf("load messages: %w", err)
		return r.err
	}

	for _, message := range messages {
		r.mergeMessageLocked(message)
	}
	return nil
}

func (r *Reconciler) markRead(ctx context.Context, thread ThreadView) error {
	defer r.flushBadge()

	participantID := thread.ParticipantID
	if participantID == 0 {
		if thread.Counterpart == nil {
			return ErrNotParticipant
		}
		refreshed, err := r.store.GetOrCreateThread(ctx, thread.Counterpart.ID)
		if err != nil {
			return r.recordError(fmt.Errorf("locate participant: %w", err))
		}
		participantID = refreshed.ParticipantID
	}

	state, err := r.store.MarkParticipantRead(ctx, participantID)
	if err != nil {
		return r.recordError(fmt.Errorf("mark thread read: %w", err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyReadStateLocked(thread.ID, state.Unread, state.UpdatedAt)
	return nil
}

// Send posts body into the open thread. The message is shown as pending until
// the store acknowledges it; on failure the body is kept as the draft.
func (r *Reconciler) Send(ctx context.Context, body string) (Message, error) {
	if strings.TrimSpace(body) == "" {
		return Message{}, ErrEmptyBody
	}

	r.mu.Lock()
	if r.state != StateThreadOpen || r.openThreadID == 0 {
		r.draft = body
		r.mu.Unlock()
		return Message{}, ErrNoThreadOpen
	}
	pending := PendingMessage{
		Key:       uuid.NewString(),
		ThreadID:  r.openThreadID,
		Body:      body,
		CreatedAt: r.now(),
	}
	r.pending = append(r.pending, pending)
	r.draft = ""
	r.mu.Unlock()

	return r.deliver(ctx, pending.Key)
}

// Retry resends the failed message of the open thread once.
func (r *Reconciler) Retry(ctx context.Context) (Message, error) {
	r.mu.Lock()
	key := ""
	for _, pending := range r.pending {
		if pending.Failed && pending.ThreadID == r.openThreadID {
			if pending.Attempts >= maxSendAttempts {
				r.mu.Unlock()
				return Message{}, ErrRetryExhausted
			}
			key = pending.Key
			break
		}
	}
	r.mu.Unlock()

	if key == "" {
		return Message{}, ErrNoFailedMessage
	}
	return r.deliver(ctx, key)
}

func (r *Reconciler) deliver(ctx context.Context, key string) (Message, error) {
	r.mu.Lock()
	idx := r.pendingIndexLocked(key)
	if idx < 0 {
		r.mu.Unlock()
		return Message{}, ErrNoFailedMessage
	}
	r.pending[idx].Attempts++
	r.pending[idx].Failed = false
	pending := r.pending[idx]
	r.mu.Unlock()

	message, err := r.store.SendMessage(ctx, pending.ThreadID, pending.Body)

	r.mu.Lock()
	defer r.mu.Unlock()

	idx = r.pendingIndexLocked(key)
	if err != nil {
		if idx >= 0 {
			r.pending[idx].Failed = true
		}
		if r.openThreadID == pending.ThreadID {
			r.draft = pending.Body
		}
		r.err = fmt.Errorf("send message: %w", err)
		return Message{}, r.err
	}

	if idx >= 0 {
		r.pending = append(r.pending[:idx], r.pending[idx+1:]...)
	}
	if r.draft == pending.Body {
		r.draft = ""
	}
	if r.openThreadID == message.ThreadID && r.state != StateIdle {
		r.mergeMessageLocked(message)
	}
	if threadIdx := r.indexLocked(message.ThreadID); threadIdx >= 0 {
		r.advancePreviewLocked(threadIdx, message.Preview(), message.CreatedAt)
	}
	return message, nil
}

// StartConversation finds or creates the direct thread with counterpartID and opens it.
func (r *Reconciler) StartConversation(ctx context.Context, counterpartID uint) (ThreadView, error) {
	defer r.flushBadge()

	view, err := r.store.GetOrCreateThread(ctx, counterpartID)
	if err != nil {
		if errors.Is(err, ErrThreadNotFound) {
			return ThreadView{}, err
		}
		return ThreadView{}, r.recordError(fmt.Errorf("start conversation: %w", err))
	}

	r.mu.Lock()
	if !Visible(view, r.access.Viewer.Role, r.access) {
		r.mu.Unlock()
		return ThreadView{}, ErrThreadNotFound
	}
	admitted := false
	if r.indexLocked(view.ID) < 0 {
		r.admitLocked(view)
		admitted = true
	}
	ids := r.threadIDsLocked()
	r.mu.Unlock()

	r.flushBadge()
	if admitted {
		r.resubscribe(ids)
	}
	return view, r.OpenThread(ctx, view.ID)
}

// HandleEvent applies one realtime event. Malformed events are dropped.
func (r *Reconciler) HandleEvent(event Event) {
	if err := event.Validate(); err != nil {
		r.logger.Warn().Err(err).Str("kind", string(event.Kind)).Msg("dropping malformed event")
		return
	}

	defer r.flushBadge()

	r.mu.Lock()
	held := r.loading > 0
	if held {
		r.journal = append(r.journal, event)
	}
	if r.access.Viewer.ID == 0 {
		r.mu.Unlock()
		if !held {
			r.logger.Debug().Str("kind", string(event.Kind)).Msg("dropping event received before load")
		}
		return
	}

	admitted := r.applyEventLocked(event)
	var ids []uint
	if admitted {
		ids = r.threadIDsLocked()
	}
	r.mu.Unlock()

	if admitted {
		r.resubscribe(ids)
	}
}

// applyEventLocked reports whether a new thread was admitted.
func (r *Reconciler) applyEventLocked(event Event) bool {
	switch event.Kind {
	case KindNewMessage:
		r.onNewMessageLocked(*event.Message)
	case KindUpdatedParticipant:
		r.onUpdatedParticipantLocked(*event.Participant)
	case KindNewThread, KindUpdatedThread:
		return r.onThreadSnapshotLocked(*event.Thread)
	}
	return false
}

func (r *Reconciler) onNewMessageLocked(message Message) {
	if idx := r.indexLocked(message.ThreadID); idx >= 0 {
		r.advancePreviewLocked(idx, message.Preview(), message.CreatedAt)
	} else {
		r.logger.Debug().Uint("thread_id", message.ThreadID).Msg("message for unknown thread")
	}

	if r.state != StateIdle && r.openThreadID == message.ThreadID {
		r.mergeMessageLocked(message)
	}
}

func (r *Reconciler) onUpdatedParticipantLocked(state ParticipantState) {
	if state.UserID == r.access.Viewer.ID {
		r.applyReadStateLocked(state.ThreadID, state.Unread, state.UpdatedAt)
		return
	}
	if idx := r.indexLocked(state.ThreadID); idx >= 0 {
		r.threads[idx].CounterpartUnread = state.Unread
	}
}

func (r *Reconciler) onThreadSnapshotLocked(snapshot ThreadSnapshot) bool {
	view, ok := snapshot.ViewFor(r.access.Viewer.ID)
	if !ok {
		r.logger.Debug().Uint("thread_id", snapshot.ID).Msg("discarding thread without viewer")
		return false
	}

	if idx := r.indexLocked(snapshot.ID); idx >= 0 {
		if view.LatestItem != nil {
			r.advancePreviewLocked(idx, *view.LatestItem, view.UpdatedAt)
		}
		return false
	}

	if !Visible(view, r.access.Viewer.Role, r.access) {
		r.logger.Debug().Uint("thread_id", snapshot.ID).Msg("discarding thread rejected by visibility policy")
		return false
	}

	r.admitLocked(view)
	return true
}

// admitLocked inserts a visible thread that is not yet listed.
func (r *Reconciler) admitLocked(view ThreadView) {
	if early, ok := r.pendingFlags[view.ID]; ok {
		if !early.at.Before(view.ReadStateAt) {
			view.Unread = early.unread
			view.ReadStateAt = early.at
		}
		delete(r.pendingFlags, view.ID)
	}

	r.insertLocked(view)
	r.flags[view.ID] = readState{unread: view.Unread, at: view.ReadStateAt}
	if view.Unread {
		r.badgeOps = append(r.badgeOps, badgeOp{delta: 1})
	}
}

// applyReadStateLocked moves the viewer's read flag for a thread. The counter
// changes only on an actual transition, and older updates never override newer ones.
func (r *Reconciler) applyReadStateLocked(threadID uint, unread bool, at time.Time) {
	idx := r.indexLocked(threadID)
	if idx < 0 {
		if early, ok := r.pendingFlags[threadID]; !ok || !at.Before(early.at) {
			r.pendingFlags[threadID] = readState{unread: unread, at: at}
		}
		return
	}

	previous := r.flags[threadID]
	if at.Before(previous.at) {
		return
	}
	r.flags[threadID] = readState{unread: unread, at: at}
	r.threads[idx].ReadStateAt = at
	if previous.unread == unread {
		return
	}

	r.threads[idx].Unread = unread
	if unread {
		r.badgeOps = append(r.badgeOps, badgeOp{delta: 1})
	} else {
		r.badgeOps = append(r.badgeOps, badgeOp{delta: -1})
	}
}

// flushBadge applies queued counter changes in the order they were recorded.
// It must be called without r.mu held. A nested call from a watcher returns
// at once and its changes are drained by the outer call.
func (r *Reconciler) flushBadge() {
	if !r.badgeMu.TryLock() {
		return
	}
	for {
		r.mu.Lock()
		ops := r.badgeOps
		r.badgeOps = nil
		if len(ops) == 0 {
			r.badgeMu.Unlock()
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		for _, op := range ops {
			switch {
			case op.reset:
				r.unread.Reset(op.value)
			case op.delta > 0:
				r.unread.Increment()
			case op.delta < 0:
				r.unread.Decrement()
			}
		}
	}
}

// advancePreviewLocked moves a thread's preview forward and promotes the thread.
// Older or repeated previews are ignored.
func (r *Reconciler) advancePreviewLocked(idx int, item LatestItem, updatedAt time.Time) bool {
	thread := &r.threads[idx]
	if thread.LatestItem != nil && !item.NewerThan(*thread.LatestItem) {
		return false
	}
	latest := item
	thread.LatestItem = &latest
	if updatedAt.After(thread.UpdatedAt) {
		thread.UpdatedAt = updatedAt
	}
	r.promoteLocked(idx)
	return true
}

// promoteLocked moves the thread at idx towards the head until it meets a
// thread at least as recent. In the common case that is the head itself.
func (r *Reconciler) promoteLocked(idx int) {
	thread := r.threads[idx]
	pos := idx
	for pos > 0 && MoreRecent(thread, r.threads[pos-1]) {
		r.threads[pos] = r.threads[pos-1]
		pos--
	}
	r.threads[pos] = thread
}

func (r *Reconciler) insertLocked(view ThreadView) {
	r.threads = append(r.threads, view)
	r.promoteLocked(len(r.threads) - 1)
}

// mergeMessageLocked inserts message unless its id is already present.
func (r *Reconciler) mergeMessageLocked(message Message) bool {
	if _, exists := r.messageIDs[message.ID]; exists {
		return false
	}
	r.messageIDs[message.ID] = struct{}{}

	pos := len(r.messages)
	for pos > 0 && MessageBefore(message, r.messages[pos-1]) {
		pos--
	}
	r.messages = append(r.messages, Message{})
	copy(r.messages[pos+1:], r.messages[pos:])
	r.messages[pos] = message
	return true
}

func (r *Reconciler) indexLocked(threadID uint) int {
	for i, thread := range r.threads {
		if thread.ID == threadID {
			return i
		}
	}
	return -1
}

func (r *Reconciler) pendingIndexLocked(key string) int {
	for i, pending := range r.pending {
		if pending.Key == key {
			return i
		}
	}
	return -1
}

func (r *Reconciler) threadIDsLocked() []uint {
	ids := make([]uint, 0, len(r.threads))
	for _, thread := range r.threads {
		ids = append(ids, thread.ID)
	}
	return ids
}

// Search filters the visible threads by counterpart name or email.
func (r *Reconciler) Search(query string) []ThreadView {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ThreadView, 0, len(r.threads))
	for _, thread := range r.threads {
		if !Visible(thread, r.access.Viewer.Role, r.access) {
			continue
		}
		if MatchesQuery(thread, query) {
			out = append(out, thread)
		}
	}
	return out
}

// Snapshot copies the current state.
func (r *Reconciler) Snapshot() View {
	r.mu.Lock()
	defer r.mu.Unlock()

	return View{
		State:        r.state,
		Viewer:       r.access.Viewer,
		Threads:      append([]ThreadView(nil), r.threads...),
		OpenThreadID: r.openThreadID,
		Messages:     append([]Message(nil), r.messages...),
		Pending:      append([]PendingMessage(nil), r.pending...),
		Unread:       r.unread.Value(),
		Draft:        r.draft,
		Err:          r.err,
	}
}

// DismissError clears the error banner.
func (r *Reconciler) DismissError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = nil
}

func (r *Reconciler) recordError(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
	r.logger.Warn().Err(err).Msg("messaging operation failed")
	return err
}

func (r *Reconciler) syncSubscription(ctx context.Context, ids []uint) {
	if r.transport == nil {
		return
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()

	if r.sub != nil {
		if err := r.sub.Resubscribe(ids); err != nil {
			r.logger.Warn().Err(err).Msg("failed to resubscribe realtime topics")
		}
		return
	}

	sub, err := r.transport.Subscribe(ctx, ids)
	if err != nil {
		_ = r.recordError(fmt.Errorf("subscribe realtime: %w", err))
		return
	}
	r.sub = sub
}

func (r *Reconciler) resubscribe(ids []uint) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.sub == nil {
		return
	}
	if err := r.sub.Resubscribe(ids); err != nil {
		r.logger.Warn().Err(err).Msg("failed to resubscribe realtime topics")
	}
}

// Run drains the realtime subscription until ctx ends or the stream closes.
func (r *Reconciler) Run(ctx context.Context) error {
	r.subMu.Lock()
	sub := r.sub
	r.subMu.Unlock()
	if sub == nil {
		return ErrNotSubscribed
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			r.HandleEvent(event)
		}
	}
}

// Close tears down the realtime subscription.
func (r *Reconciler) Close() error {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.sub == nil {
		return nil
	}
	err := r.sub.Close()
	r.sub = nil
	return err
}
