package messaging

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const snippetLength = 140

// Viewer is the identity a session acts as.
type Viewer struct {
	ID   uint `json:"id"`
	Role Role `json:"role"`
}

// Counterpart is the other participant of a direct thread, seen from the viewer.
type Counterpart struct {
	ID        uint   `json:"id"`
	Role      Role   `json:"role"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

// DisplayName joins first and last name, falling back to the email.
func (c Counterpart) DisplayName() string {
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	if name == "" {
		return c.Email
	}
	return name
}

// LatestItem is the denormalized preview of the newest message of a thread.
type LatestItem struct {
	MessageID uint      `json:"message_id"`
	Snippet   string    `json:"snippet"`
	CreatedAt time.Time `json:"created_at"`
}

// NewerThan reports whether l sorts after other by (created_at, message id).
func (l LatestItem) NewerThan(other LatestItem) bool {
	if !l.CreatedAt.Equal(other.CreatedAt) {
		return l.CreatedAt.After(other.CreatedAt)
	}
	return l.MessageID > other.MessageID
}

// ThreadView is a thread projected for one viewer.
type ThreadView struct {
	ID                uint         `json:"id"`
	ThreadType        string       `json:"thread_type"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
	Counterpart       *Counterpart `json:"other_participant,omitempty"`
	LatestItem        *LatestItem  `json:"latest_item,omitempty"`
	Unread            bool         `json:"unread"`
	ParticipantID     uint         `json:"participant_id"`
	ReadStateAt       time.Time    `json:"read_state_at"`
	CounterpartUnread bool         `json:"counterpart_unread"`
}

// RecencyAt is the timestamp threads are ordered by: the latest item, or creation when empty.
func (t ThreadView) RecencyAt() time.Time {
	if t.LatestItem != nil {
		return t.LatestItem.CreatedAt
	}
	return t.CreatedAt
}

// MoreRecent reports whether a belongs ahead of b in a most-recent-first list.
func MoreRecent(a, b ThreadView) bool {
	at, bt := a.RecencyAt(), b.RecencyAt()
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return a.ID > b.ID
}

// SortByRecency orders threads most-recent-first.
func SortByRecency(threads []ThreadView) {
	sort.SliceStable(threads, func(i, j int) bool {
		return MoreRecent(threads[i], threads[j])
	})
}

// MatchesQuery reports whether the counterpart's name or email contains query.
// An empty query matches everything.
func MatchesQuery(thread ThreadView, query string) bool {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return true
	}
	if thread.Counterpart == nil {
		return false
	}
	haystack := strings.ToLower(strings.Join([]string{
		thread.Counterpart.FirstName,
		thread.Counterpart.LastName,
		thread.Counterpart.DisplayName(),
		thread.Counterpart.Email,
	}, " "))
	return strings.Contains(haystack, query)
}

// Message is a single authored entry in a thread.
type Message struct {
	ID        uint      `json:"id"`
	ThreadID  uint      `json:"thread_id"`
	AuthorID  uint      `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Preview builds the latest-item pointer for m.
func (m Message) Preview() LatestItem {
	return LatestItem{MessageID: m.ID, Snippet: Snippet(m.Body), CreatedAt: m.CreatedAt}
}

// MessageBefore orders messages by created_at, ties broken by id.
func MessageBefore(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortMessages orders messages ascending.
func SortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return MessageBefore(messages[i], messages[j])
	})
}

// Snippet truncates body to the preview length on a rune boundary.
func Snippet(body string) string {
	body = strings.TrimSpace(body)
	if utf8.RuneCountInString(body) <= snippetLength {
		return body
	}
	runes := []rune(body)
	return string(runes[:snippetLength]) + "…"
}

// ParticipantState is the read-state of one participant row.
type ParticipantState struct {
	ID        uint      `json:"id"`
	ThreadID  uint      `json:"thread_id"`
	UserID    uint      `json:"user_id"`
	Unread    bool      `json:"unread"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecipientCandidate is a user the viewer may start a conversation with.
type RecipientCandidate struct {
	ID        uint   `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
}

// IDSet is a set of user ids. It marshals as a sorted array.
type IDSet map[uint]struct{}

// NewIDSet builds a set from ids.
func NewIDSet(ids ...uint) IDSet {
	set := make(IDSet, len(ids))
	set.Add(ids...)
	return set
}

// Add inserts ids into the set.
func (s IDSet) Add(ids ...uint) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

// Contains reports membership. A nil set contains nothing.
func (s IDSet) Contains(id uint) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in ascending order.
func (s IDSet) Sorted() []uint {
	out := make([]uint, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s IDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *IDSet) UnmarshalJSON(data []byte) error {
	var ids []uint
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewIDSet(ids...)
	return nil
}

// Access bundles what the visibility policy needs for one viewer.
type Access struct {
	Viewer Viewer `json:"viewer"`
	// AllGuardians lifts the guardian restriction entirely (administrators).
	AllGuardians     bool  `json:"all_guardians"`
	GuardianIDs      IDSet `json:"guardian_ids"`
	AdministratorIDs IDSet `json:"administrator_ids"`
	// Partial is set when some roster lookups failed and the sets may be incomplete.
	Partial bool `json:"partial"`
}

// AllowsGuardian reports whether the viewer may see a thread with guardian id.
func (a Access) AllowsGuardian(id uint) bool {
	return a.AllGuardians || a.GuardianIDs.Contains(id)
}
