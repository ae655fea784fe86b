package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-messaging/internal/models"
)

// ThreadRepository persists direct threads and their participants.
type ThreadRepository interface {
	ListForUser(ctx context.Context, userID uint) ([]models.Thread, error)
	FindByID(ctx context.Context, id uint) (models.Thread, error)
	GetOrCreateDirect(ctx context.Context, userID, counterpartID uint) (models.Thread, bool, error)
	FindParticipant(ctx context.Context, id uint) (models.Participant, error)
	MarkRead(ctx context.Context, participantID uint) (models.Participant, bool, error)
}

type threadRepository struct {
	db *gorm.DB
}

// NewThreadRepository constructs a thread repository backed by GORM.
func NewThreadRepository(db *gorm.DB) ThreadRepository {
	return &threadRepository{db: db}
}

func (r *threadRepository) withParticipants(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Preload("Participants", func(db *gorm.DB) *gorm.DB {
		return db.Order("participants.id ASC")
	}).Preload("Participants.User")
}

func (r *threadRepository) ListForUser(ctx context.Context, userID uint) ([]models.Thread, error) {
	var threads []models.Thread
	err := r.withParticipants(ctx).
		Joins("JOIN participants viewer ON viewer.thread_id = threads.id AND viewer.user_id = ?", userID).
		Order("COALESCE(threads.latest_item_at, threads.created_at) DESC").
		Order("threads.id DESC").
		Find(&threads).Error
	if err != nil {
		return nil, err
	}
	return threads, nil
}

func (r *threadRepository) FindByID(ctx context.Context, id uint) (models.Thread, error) {
	var thread models.Thread
	if err := r.withParticipants(ctx).First(&thread, id).Error; err != nil {
		return models.Thread{}, err
	}
	return thread, nil
}

func (r *threadRepository) findByPairKey(ctx context.Context, key string) (models.Thread, error) {
	var thread models.Thread
	if err := r.withParticipants(ctx).Where("pair_key = ?", key).First(&thread).Error; err != nil {
		return models.Thread{}, err
	}
	return thread, nil
}

// GetOrCreateDirect returns the unique direct thread between the two users,
// creating it with both participants when absent. Concurrent callers converge on
// one row through the pair_key unique index. created reports whether this call inserted it.
func (r *threadRepository) GetOrCreateDirect(ctx context.Context, userID, counterpartID uint) (models.Thread, bool, error) {
	key := models.PairKey(userID, counterpartID)

	thread, err := r.findByPairKey(ctx, key)
	if err == nil {
		return thread, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Thread{}, false, err
	}

	created := false
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidate := models.Thread{
			ThreadType: models.ThreadTypeDirect,
			PairKey:    key,
			Metadata:   datatypes.JSONMap{"initiator_id": userID},
		}
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pair_key"}},
			DoNothing: true,
		}).Create(&candidate)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		created = true
		participants := []models.Participant{
			{ThreadID: candidate.ID, UserID: userID},
			{ThreadID: candidate.ID, UserID: counterpartID},
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&participants).Error
	})
	if err != nil {
		return models.Thread{}, false, err
	}

	thread, err = r.findByPairKey(ctx, key)
	if err != nil {
		return models.Thread{}, false, err
	}
	return thread, created, nil
}

func (r *threadRepository) FindParticipant(ctx context.Context, id uint) (models.Participant, error) {
	var participant models.Participant
	if err := r.db.WithContext(ctx).First(&participant, id).Error; err != nil {
		return models.Participant{}, err
	}
	return participant, nil
}

// MarkRead clears the unread flag. changed is false when the participant was already read.
func (r *threadRepository) MarkRead(ctx context.Context, participantID uint) (models.Participant, bool, error) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	result := r.db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ? AND unread = ?", participantID, true).
		Updates(map[string]interface{}{"unread": false, "updated_at": now})
	if result.Error != nil {
		return models.Participant{}, false, result.Error
	}

	participant, err := r.FindParticipant(ctx, participantID)
	if err != nil {
		return models.Participant{}, false, err
	}
	return participant, result.RowsAffected > 0, nil
}
