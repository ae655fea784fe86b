package dto

import (
	"time"

	"github.com/noah-isme/gema-messaging/internal/messaging"
	"github.com/noah-isme/gema-messaging/internal/models"
)

// StartThreadRequest opens (or reuses) the direct thread with a counterpart.
type StartThreadRequest struct {
	CounterpartID uint `json:"counterpart_id" validate:"required,gt=0"`
}

// SendMessageRequest appends a message to an existing thread.
type SendMessageRequest struct {
	Body string `json:"body" validate:"required,min=1,max=4000"`
}

// SendToUserRequest sends to a counterpart, creating the thread lazily.
type SendToUserRequest struct {
	CounterpartID uint   `json:"counterpart_id" validate:"required,gt=0"`
	Body          string `json:"body" validate:"required,min=1,max=4000"`
}

// MessageListQuery pages backwards through a thread.
type MessageListQuery struct {
	Before *time.Time `query:"before"`
	Limit  int        `query:"limit" validate:"omitempty,min=1,max=500"`
}

// SearchQuery filters threads or recipients by counterpart name or email.
type SearchQuery struct {
	Query string `query:"q" validate:"omitempty,max=128"`
}

// UnreadResponse reports how many visible threads are unread for the viewer.
type UnreadResponse struct {
	Unread int `json:"unread"`
}

// StartThreadResponse wraps the resolved thread.
type StartThreadResponse struct {
	Thread  messaging.ThreadView `json:"thread"`
	Created bool                 `json:"created"`
}

// SendToUserResponse carries the thread the message landed in.
type SendToUserResponse struct {
	Thread  messaging.ThreadView `json:"thread"`
	Message messaging.Message    `json:"message"`
}

// NewThreadSnapshot converts a thread with preloaded participants into its viewer-neutral form.
func NewThreadSnapshot(thread models.Thread) messaging.ThreadSnapshot {
	snapshot := messaging.ThreadSnapshot{
		ID:           thread.ID,
		ThreadType:   thread.ThreadType,
		CreatedAt:    thread.CreatedAt,
		UpdatedAt:    thread.UpdatedAt,
		Participants: make([]messaging.ParticipantSnapshot, 0, len(thread.Participants)),
	}
	if thread.LatestItemID != nil && thread.LatestItemAt != nil {
		snapshot.LatestItem = &messaging.LatestItem{
			MessageID: *thread.LatestItemID,
			Snippet:   thread.LatestItemSnippet,
			CreatedAt: *thread.LatestItemAt,
		}
	}
	for _, participant := range thread.Participants {
		entry := messaging.ParticipantSnapshot{
			ParticipantID: participant.ID,
			UserID:        participant.UserID,
			Unread:        participant.Unread,
			UpdatedAt:     participant.UpdatedAt,
		}
		if participant.User != nil {
			entry.Role = messaging.ParseRole(participant.User.Role)
			entry.FirstName = participant.User.FirstName
			entry.LastName = participant.User.LastName
			entry.Email = participant.User.Email
		}
		snapshot.Participants = append(snapshot.Participants, entry)
	}
	return snapshot
}

// NewThreadView projects a thread for viewerID. ok is false when the viewer is not a participant.
func NewThreadView(thread models.Thread, viewerID uint) (messaging.ThreadView, bool) {
	return NewThreadSnapshot(thread).ViewFor(viewerID)
}

// NewMessage converts a thread item.
func NewMessage(item models.ThreadItem) messaging.Message {
	return messaging.Message{
		ID:        item.ID,
		ThreadID:  item.ThreadID,
		AuthorID:  item.AuthorID,
		Body:      item.Body,
		CreatedAt: item.CreatedAt,
	}
}

// NewMessageSlice converts thread items preserving order.
func NewMessageSlice(items []models.ThreadItem) []messaging.Message {
	out := make([]messaging.Message, 0, len(items))
	for _, item := range items {
		out = append(out, NewMessage(item))
	}
	return out
}

// NewParticipantState converts a participant row.
func NewParticipantState(participant models.Participant) messaging.ParticipantState {
	return messaging.ParticipantState{
		ID:        participant.ID,
		ThreadID:  participant.ThreadID,
		UserID:    participant.UserID,
		Unread:    participant.Unread,
		UpdatedAt: participant.UpdatedAt,
	}
}

// NewRecipientCandidate converts a user row.
func NewRecipientCandidate(user models.User) messaging.RecipientCandidate {
	return messaging.RecipientCandidate{
		ID:        user.ID,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Email:     user.Email,
		Role:      messaging.ParseRole(user.Role),
	}
}
