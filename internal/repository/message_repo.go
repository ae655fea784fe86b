package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-messaging/internal/messaging"
	"github.com/noah-isme/gema-messaging/internal/models"
)

// ErrAuthorNotParticipant is returned when an append is attempted by a non-member.
var ErrAuthorNotParticipant = errors.New("author is not a participant of the thread")

// AppendResult captures everything an append changed.
type AppendResult struct {
	Item   models.ThreadItem
	Thread models.Thread
	// Flipped holds the counterpart participant when its unread flag went false -> true.
	Flipped *models.Participant
}

// MessageRepository persists thread items.
type MessageRepository interface {
	ListByThread(ctx context.Context, threadID uint, before time.Time, limit int) ([]models.ThreadItem, error)
	Append(ctx context.Context, threadID, authorID uint, body string) (AppendResult, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository constructs a message repository backed by GORM.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

// ListByThread returns up to limit items before the cursor in (created_at, id) ascending order.
func (r *messageRepository) ListByThread(ctx context.Context, threadID uint, before time.Time, limit int) ([]models.ThreadItem, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := r.db.WithContext(ctx).Where("thread_id = ?", threadID)
	if !before.IsZero() {
		query = query.Where("created_at < ?", before)
	}

	var items []models.ThreadItem
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&items).Error; err != nil {
		return nil, err
	}

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

// Append inserts the item, advances the thread preview and flags the other
// participant unread, all in one transaction.
func (r *messageRepository) Append(ctx context.Context, threadID, authorID uint, body string) (AppendResult, error) {
	var result AppendResult

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// the row lock serializes concurrent appends so the preview cannot regress
		var thread models.Thread
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&thread, threadID).Error; err != nil {
			return err
		}
		if err := tx.Where("thread_id = ?", threadID).Find(&thread.Participants).Error; err != nil {
			return err
		}
		if _, ok := thread.ParticipantFor(authorID); !ok {
			return ErrAuthorNotParticipant
		}

		now := time.Now().UTC().Truncate(time.Microsecond)
		if thread.LatestItemAt != nil && !now.After(*thread.LatestItemAt) {
			// keep created_at monotonic per thread when clocks collide
			now = thread.LatestItemAt.Add(time.Microsecond)
		}

		item := models.ThreadItem{ThreadID: threadID, AuthorID: authorID, Body: body, CreatedAt: now}
		if err := tx.Create(&item).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.Thread{}).Where("id = ?", threadID).Updates(map[string]interface{}{
			"latest_item_id":      item.ID,
			"latest_item_snippet": messaging.Snippet(body),
			"latest_item_at":      now,
			"updated_at":          now,
		}).Error; err != nil {
			return err
		}

		flip := tx.Model(&models.Participant{}).
			Where("thread_id = ? AND user_id <> ? AND unread = ?", threadID, authorID, false).
			Updates(map[string]interface{}{"unread": true, "updated_at": now})
		if flip.Error != nil {
			return flip.Error
		}
		if flip.RowsAffected > 0 {
			var participant models.Participant
			if err := tx.Where("thread_id = ? AND user_id <> ?", threadID, authorID).First(&participant).Error; err != nil {
				return err
			}
			result.Flipped = &participant
		}

		var updated models.Thread
		if err := tx.Preload("Participants", func(db *gorm.DB) *gorm.DB {
			return db.Order("participants.id ASC")
		}).Preload("Participants.User").First(&updated, threadID).Error; err != nil {
			return err
		}

		result.Item = item
		result.Thread = updated
		return nil
	})
	if err != nil {
		return AppendResult{}, err
	}

	return result, nil
}
