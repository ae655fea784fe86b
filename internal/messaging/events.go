package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Kind identifies a realtime event.
type Kind string

const (
	KindNewMessage         Kind = "new_message"
	KindUpdatedParticipant Kind = "updated_participant"
	KindNewThread          Kind = "new_thread"
	KindUpdatedThread      Kind = "updated_thread"
)

// Event is one realtime delivery. Exactly one payload field is set, matching Kind.
type Event struct {
	Kind        Kind              `json:"kind"`
	ThreadID    uint              `json:"thread_id"`
	Message     *Message          `json:"message,omitempty"`
	Participant *ParticipantState `json:"participant,omitempty"`
	Thread      *ThreadSnapshot   `json:"thread,omitempty"`
	SentAt      time.Time         `json:"sent_at"`
}

// ParticipantSnapshot describes one side of a thread inside a snapshot.
type ParticipantSnapshot struct {
	ParticipantID uint      `json:"participant_id"`
	UserID        uint      `json:"user_id"`
	Role          Role      `json:"role"`
	FirstName     string    `json:"first_name"`
	LastName      string    `json:"last_name"`
	Email         string    `json:"email"`
	Unread        bool      `json:"unread"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ThreadSnapshot is a viewer-neutral thread: it carries both participants so
// every receiver can project its own counterpart.
type ThreadSnapshot struct {
	ID           uint                  `json:"id"`
	ThreadType   string                `json:"thread_type"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
	LatestItem   *LatestItem           `json:"latest_item,omitempty"`
	Participants []ParticipantSnapshot `json:"participants"`
}

// Involves reports whether userID participates in the thread.
func (s ThreadSnapshot) Involves(userID uint) bool {
	for _, participant := range s.Participants {
		if participant.UserID == userID {
			return true
		}
	}
	return false
}

// ViewFor projects the snapshot for viewerID. ok is false when the viewer is not a participant.
func (s ThreadSnapshot) ViewFor(viewerID uint) (ThreadView, bool) {
	view := ThreadView{
		ID:         s.ID,
		ThreadType: s.ThreadType,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
	if s.LatestItem != nil {
		latest := *s.LatestItem
		view.LatestItem = &latest
	}

	self := false
	for _, participant := range s.Participants {
		if participant.UserID == viewerID {
			self = true
			view.ParticipantID = participant.ParticipantID
			view.Unread = participant.Unread
			view.ReadStateAt = participant.UpdatedAt
			continue
		}
		if view.Counterpart == nil {
			view.Counterpart = &Counterpart{
				ID:        participant.UserID,
				Role:      participant.Role,
				FirstName: participant.FirstName,
				LastName:  participant.LastName,
				Email:     participant.Email,
			}
			view.CounterpartUnread = participant.Unread
		}
	}

	return view, self
}

// Transport delivers realtime events for a set of threads.
type Transport interface {
	Subscribe(ctx context.Context, threadIDs []uint) (Subscription, error)
}

// Subscription is a live event stream. Resubscribe must not block on network I/O.
type Subscription interface {
	Events() <-chan Event
	Resubscribe(threadIDs []uint) error
	Close() error
}

const eventSchemaURL = "gema://messaging/event.schema.json"

const eventSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["kind", "thread_id"],
  "properties": {
    "kind": {"enum": ["new_message", "updated_participant", "new_thread", "updated_thread"]},
    "thread_id": {"type": "integer", "minimum": 1},
    "message": {
      "type": "object",
      "required": ["id", "thread_id", "author_id", "body", "created_at"],
      "properties": {
        "id": {"type": "integer", "minimum": 1},
        "thread_id": {"type": "integer", "minimum": 1},
        "author_id": {"type": "integer", "minimum": 1},
        "body": {"type": "string", "minLength": 1},
        "created_at": {"type": "string", "minLength": 1}
      }
    },
    "participant": {
      "type": "object",
      "required": ["id", "thread_id", "user_id", "unread"],
      "properties": {
        "id": {"type": "integer", "minimum": 1},
        "thread_id": {"type": "integer", "minimum": 1},
        "user_id": {"type": "integer", "minimum": 1},
        "unread": {"type": "boolean"}
      }
    },
    "thread": {
      "type": "object",
      "required": ["id", "participants"],
      "properties": {
        "id": {"type": "integer", "minimum": 1},
        "participants": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["participant_id", "user_id", "unread"]
          }
        }
      }
    }
  },
  "allOf": [
    {"if": {"properties": {"kind": {"const": "new_message"}}}, "then": {"required": ["message"]}},
    {"if": {"properties": {"kind": {"const": "updated_participant"}}}, "then": {"required": ["participant"]}},
    {"if": {"properties": {"kind": {"const": "new_thread"}}}, "then": {"required": ["thread"]}},
    {"if": {"properties": {"kind": {"const": "updated_thread"}}}, "then": {"required": ["thread"]}}
  ]
}`

var compiledEventSchema = jsonschema.MustCompileString(eventSchemaURL, eventSchema)

// EncodeEvent serializes an event for the wire.
func EncodeEvent(event Event) ([]byte, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(event)
}

// DecodeEvent parses and validates a realtime frame. Any shape problem yields
// an error wrapping ErrMalformedEvent.
func DecodeEvent(data []byte) (Event, error) {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := compiledEventSchema.Validate(raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := event.Validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}

// Validate checks that the payload matches the kind and refers to the same thread.
func (e Event) Validate() error {
	if e.ThreadID == 0 {
		return fmt.Errorf("%w: thread id missing", ErrMalformedEvent)
	}
	switch e.Kind {
	case KindNewMessage:
		if e.Message == nil || e.Message.ID == 0 || e.Message.ThreadID != e.ThreadID {
			return fmt.Errorf("%w: new_message payload invalid", ErrMalformedEvent)
		}
	case KindUpdatedParticipant:
		if e.Participant == nil || e.Participant.ThreadID != e.ThreadID || e.Participant.UserID == 0 {
			return fmt.Errorf("%w: updated_participant payload invalid", ErrMalformedEvent)
		}
	case KindNewThread, KindUpdatedThread:
		if e.Thread == nil || e.Thread.ID != e.ThreadID {
			return fmt.Errorf("%w: %s payload invalid", ErrMalformedEvent, e.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, e.Kind)
	}
	return nil
}

// NewMessageEvent wraps a message.
func NewMessageEvent(message Message) Event {
	return Event{Kind: KindNewMessage, ThreadID: message.ThreadID, Message: &message, SentAt: time.Now().UTC()}
}

// UpdatedParticipantEvent wraps a read-state change.
func UpdatedParticipantEvent(state ParticipantState) Event {
	return Event{Kind: KindUpdatedParticipant, ThreadID: state.ThreadID, Participant: &state, SentAt: time.Now().UTC()}
}

// NewThreadEvent wraps a freshly created thread.
func NewThreadEvent(snapshot ThreadSnapshot) Event {
	return Event{Kind: KindNewThread, ThreadID: snapshot.ID, Thread: &snapshot, SentAt: time.Now().UTC()}
}

// UpdatedThreadEvent wraps a preview change.
func UpdatedThreadEvent(snapshot ThreadSnapshot) Event {
	return Event{Kind: KindUpdatedThread, ThreadID: snapshot.ID, Thread: &snapshot, SentAt: time.Now().UTC()}
}
