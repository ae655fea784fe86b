package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// ThreadTypeDirect is the only thread type currently produced: a two-party conversation.
const ThreadTypeDirect = "direct"

// Thread is a two-party conversation with a denormalized preview of its latest item.
type Thread struct {
	ID                uint              `gorm:"primaryKey" json:"id"`
	ThreadType        string            `gorm:"size:32;not null;default:direct" json:"thread_type"`
	PairKey           string            `gorm:"size:64;uniqueIndex;not null" json:"pair_key"`
	LatestItemID      *uint             `json:"latest_item_id,omitempty"`
	LatestItemSnippet string            `gorm:"size:280" json:"latest_item_snippet,omitempty"`
	LatestItemAt      *time.Time        `gorm:"index" json:"latest_item_at,omitempty"`
	Metadata          datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	Participants      []Participant     `json:"participants,omitempty"`
}

// Participant joins a user to a thread and holds that user's read-state.
type Participant struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ThreadID  uint      `gorm:"not null;uniqueIndex:idx_participant_thread_user" json:"thread_id"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_participant_thread_user;index" json:"user_id"`
	Unread    bool      `gorm:"not null;default:false" json:"unread"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	User      *User     `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// ThreadItem is a single authored message within a thread. Items are append-only.
type ThreadItem struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ThreadID  uint      `gorm:"not null;index:idx_thread_item_order,priority:1" json:"thread_id"`
	AuthorID  uint      `gorm:"not null;index" json:"author_id"`
	Body      string    `gorm:"type:text;not null" json:"body"`
	CreatedAt time.Time `gorm:"index:idx_thread_item_order,priority:2" json:"created_at"`
}

// PairKey returns the canonical key for a direct thread between two users.
func PairKey(a, b uint) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// ParticipantFor returns the participant row belonging to userID, if loaded.
func (t Thread) ParticipantFor(userID uint) (Participant, bool) {
	for _, participant := range t.Participants {
		if participant.UserID == userID {
			return participant, true
		}
	}
	return Participant{}, false
}

// Counterpart returns the participant row that is not userID, if loaded.
func (t Thread) Counterpart(userID uint) (Participant, bool) {
	for _, participant := range t.Participants {
		if participant.UserID != userID {
			return participant, true
		}
	}
	return Participant{}, false
}
