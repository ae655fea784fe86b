package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	staffViewer = Viewer{ID: 2, Role: RoleStaff}
	baseTime    = time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

	userAdmin    = Counterpart{ID: 1, Role: RoleAdministrator, FirstName: "Ada", LastName: "Admin", Email: "ada@school.test"}
	userGina     = Counterpart{ID: 3, Role: RoleGuardian, FirstName: "Gina", LastName: "Guardian", Email: "gina@home.test"}
	userOlive    = Counterpart{ID: 4, Role: RoleGuardian, FirstName: "Olive", LastName: "Other", Email: "olive@home.test"}
	userFaraway  = Counterpart{ID: 5, Role: RoleGuardian, FirstName: "Fay", LastName: "Faraway", Email: "fay@home.test"}
	userTess     = Counterpart{ID: 6, Role: RoleStaff, FirstName: "Tess", LastName: "Teacher", Email: "tess@school.test"}
	userRita     = Counterpart{ID: 7, Role: RoleUnknown, FirstName: "Rita", LastName: "Registrar", Email: "rita@school.test"}
	userStudent  = Counterpart{ID: 8, Role: Role("student"), FirstName: "Kid", LastName: "Pupil", Email: "kid@school.test"}
	userUntagged = Counterpart{ID: 9, Role: RoleUnknown, FirstName: "Uma", LastName: "Untagged", Email: "uma@home.test"}
)

// fakeStore is an in-memory Store scoped to one viewer. Time advances one
// second per mutation so timestamps totally order every change.
type fakeStore struct {
	mu        sync.Mutex
	viewer    Viewer
	access    Access
	accessErr error
	listErr   error
	clock     time.Time
	nextID    uint
	threads   []ThreadView
	messages  map[uint][]Message
	users     map[uint]Counterpart
	creates   int
	sendErrs  []error
	onSend    func(Message)
	onList    func(threadID uint)
	// onThreads runs once, after ListThreads has read its result.
	onThreads func()
}

func newFakeStore(viewer Viewer, guardianIDs ...uint) *fakeStore {
	store := &fakeStore{
		viewer: viewer,
		access: Access{
			Viewer:           viewer,
			GuardianIDs:      NewIDSet(guardianIDs...),
			AdministratorIDs: IDSet{},
		},
		clock:    baseTime,
		nextID:   100,
		messages: make(map[uint][]Message),
		users:    make(map[uint]Counterpart),
	}
	for _, user := range []Counterpart{userAdmin, userGina, userOlive, userFaraway, userTess, userRita, userStudent, userUntagged} {
		store.users[user.ID] = user
	}
	return store
}

func (s *fakeStore) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *fakeStore) id() uint {
	s.nextID++
	return s.nextID
}

func (s *fakeStore) indexLocked(threadID uint) int {
	for i := range s.threads {
		if s.threads[i].ID == threadID {
			return i
		}
	}
	return -1
}

// addThread creates a thread with counterpartID directly in the store.
func (s *fakeStore) addThread(counterpartID uint) ThreadView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addThreadLocked(counterpartID)
}

func (s *fakeStore) addThreadLocked(counterpartID uint) ThreadView {
	counterpart := s.users[counterpartID]
	now := s.tick()
	id := s.id()
	view := ThreadView{
		ID:            id,
		ThreadType:    "direct",
		CreatedAt:     now,
		UpdatedAt:     now,
		Counterpart:   &counterpart,
		ParticipantID: id * 10,
		ReadStateAt:   now,
	}
	s.threads = append(s.threads, view)
	s.creates++
	return view
}

// incoming appends a message written by the counterpart and flips the viewer to unread.
func (s *fakeStore) incoming(threadID uint, body string) (Message, ParticipantState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(threadID)
	thread := &s.threads[idx]
	message := Message{ID: s.id(), ThreadID: threadID, AuthorID: thread.Counterpart.ID, Body: body, CreatedAt: s.tick()}
	s.messages[threadID] = append(s.messages[threadID], message)

	preview := message.Preview()
	thread.LatestItem = &preview
	thread.UpdatedAt = message.CreatedAt
	thread.Unread = true
	thread.ReadStateAt = message.CreatedAt

	return message, ParticipantState{
		ID:        thread.ParticipantID,
		ThreadID:  threadID,
		UserID:    s.viewer.ID,
		Unread:    true,
		UpdatedAt: message.CreatedAt,
	}
}

// snapshot renders the stored thread the way the server broadcasts it.
func (s *fakeStore) snapshot(threadID uint) ThreadSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshotOf(s.threads[s.indexLocked(threadID)], s.viewer)
}

func snapshotOf(view ThreadView, viewer Viewer) ThreadSnapshot {
	snapshot := ThreadSnapshot{
		ID:         view.ID,
		ThreadType: view.ThreadType,
		CreatedAt:  view.CreatedAt,
		UpdatedAt:  view.UpdatedAt,
		Participants: []ParticipantSnapshot{
			{ParticipantID: view.ParticipantID, UserID: viewer.ID, Role: viewer.Role, Unread: view.Unread, UpdatedAt: view.ReadStateAt},
		},
	}
	if view.LatestItem != nil {
		latest := *view.LatestItem
		snapshot.LatestItem = &latest
	}
	if view.Counterpart != nil {
		snapshot.Participants = append(snapshot.Participants, ParticipantSnapshot{
			ParticipantID: view.ParticipantID + 1,
			UserID:        view.Counterpart.ID,
			Role:          view.Counterpart.Role,
			FirstName:     view.Counterpart.FirstName,
			LastName:      view.Counterpart.LastName,
			Email:         view.Counterpart.Email,
			Unread:        view.CounterpartUnread,
			UpdatedAt:     view.UpdatedAt,
		})
	}
	return snapshot
}

func (s *fakeStore) Access(context.Context) (Access, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accessErr != nil {
		return Access{}, s.accessErr
	}
	return s.access, nil
}

func (s *fakeStore) ListThreads(context.Context) ([]ThreadView, error) {
	s.mu.Lock()
	if s.listErr != nil {
		s.mu.Unlock()
		return nil, s.listErr
	}
	threads := append([]ThreadView(nil), s.threads...)
	hook := s.onThreads
	s.onThreads = nil
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return threads, nil
}

func (s *fakeStore) GetOrCreateThread(_ context.Context, counterpartID uint) (ThreadView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[counterpartID]; !ok || counterpartID == s.viewer.ID {
		return ThreadView{}, ErrThreadNotFound
	}
	for _, thread := range s.threads {
		if thread.Counterpart != nil && thread.Counterpart.ID == counterpartID {
			return thread, nil
		}
	}
	return s.addThreadLocked(counterpartID), nil
}

func (s *fakeStore) ListMessages(_ context.Context, threadID uint) ([]Message, error) {
	if s.onList != nil {
		s.onList(threadID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(threadID) < 0 {
		return nil, ErrThreadNotFound
	}
	return append([]Message(nil), s.messages[threadID]...), nil
}

func (s *fakeStore) SendMessage(_ context.Context, threadID uint, body string) (Message, error) {
	s.mu.Lock()
	if len(s.sendErrs) > 0 {
		err := s.sendErrs[0]
		s.sendErrs = s.sendErrs[1:]
		s.mu.Unlock()
		return Message{}, err
	}

	idx := s.indexLocked(threadID)
	if idx < 0 {
		s.mu.Unlock()
		return Message{}, ErrThreadNotFound
	}
	message := Message{ID: s.id(), ThreadID: threadID, AuthorID: s.viewer.ID, Body: body, CreatedAt: s.tick()}
	s.messages[threadID] = append(s.messages[threadID], message)
	preview := message.Preview()
	s.threads[idx].LatestItem = &preview
	s.threads[idx].UpdatedAt = message.CreatedAt
	s.threads[idx].CounterpartUnread = true
	hook := s.onSend
	s.mu.Unlock()

	if hook != nil {
		hook(message)
	}
	return message, nil
}

func (s *fakeStore) MarkParticipantRead(_ context.Context, participantID uint) (ParticipantState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.threads {
		if s.threads[i].ParticipantID != participantID {
			continue
		}
		at := s.tick()
		s.threads[i].Unread = false
		s.threads[i].ReadStateAt = at
		return ParticipantState{ID: participantID, ThreadID: s.threads[i].ID, UserID: s.viewer.ID, Unread: false, UpdatedAt: at}, nil
	}
	return ParticipantState{}, ErrNotParticipant
}

type fakeSubscription struct {
	mu           sync.Mutex
	events       chan Event
	initial      []uint
	resubscribes [][]uint
	closed       bool
}

func (s *fakeSubscription) Events() <-chan Event { return s.events }

func (s *fakeSubscription) Resubscribe(threadIDs []uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotSubscribed
	}
	s.resubscribes = append(s.resubscribes, append([]uint(nil), threadIDs...))
	return nil
}

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeSubscription) lastTopics() []uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.resubscribes) == 0 {
		return s.initial
	}
	return s.resubscribes[len(s.resubscribes)-1]
}

type fakeTransport struct {
	mu   sync.Mutex
	subs []*fakeSubscription
	err  error
}

func (t *fakeTransport) Subscribe(_ context.Context, threadIDs []uint) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	sub := &fakeSubscription{events: make(chan Event, 16), initial: append([]uint(nil), threadIDs...)}
	t.subs = append(t.subs, sub)
	return sub, nil
}

func (t *fakeTransport) latest() *fakeSubscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subs) == 0 {
		return nil
	}
	return t.subs[len(t.subs)-1]
}

// fakeRoster serves class/student/guardian edges. Keys listed in fail make the
// matching lookup return an error.
type fakeRoster struct {
	classes   map[uint][]uint
	students  map[uint][]uint
	guardians map[uint][]uint
	admins    []uint
	fail      map[string]bool
	delay     time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	staffCalls  atomic.Int32
}

func (f *fakeRoster) enter() func() {
	current := f.inFlight.Add(1)
	for {
		peak := f.maxInFlight.Load()
		if current <= peak || f.maxInFlight.CompareAndSwap(peak, current) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeRoster) lookup(kind string, key uint, edges map[uint][]uint) ([]uint, error) {
	defer f.enter()()
	if f.fail[fmt.Sprintf("%s:%d", kind, key)] {
		return nil, errors.New(kind + " lookup unavailable")
	}
	return append([]uint(nil), edges[key]...), nil
}

func (f *fakeRoster) ClassesForStaff(_ context.Context, staffID uint) ([]uint, error) {
	f.staffCalls.Add(1)
	return f.lookup("staff", staffID, f.classes)
}

func (f *fakeRoster) StudentsInClass(_ context.Context, classID uint) ([]uint, error) {
	return f.lookup("class", classID, f.students)
}

func (f *fakeRoster) GuardiansOfStudent(_ context.Context, studentID uint) ([]uint, error) {
	return f.lookup("student", studentID, f.guardians)
}

func (f *fakeRoster) AdministratorIDs(_ context.Context, viewer Viewer) ([]uint, error) {
	if f.fail["admins"] {
		return nil, errors.New("admin roster unavailable")
	}
	return append([]uint(nil), f.admins...), nil
}
