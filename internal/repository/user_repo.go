package repository

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-messaging/internal/models"
)

// UserFilter narrows a recipient search.
type UserFilter struct {
	OrganizationID uint
	Search         string
	ExcludeID      uint
	Limit          int
}

// UserRepository provides read access to the users known to messaging.
type UserRepository interface {
	FindByID(ctx context.Context, id uint) (models.User, error)
	Search(ctx context.Context, filter UserFilter) ([]models.User, error)
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository constructs a user repository backed by GORM.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) FindByID(ctx context.Context, id uint) (models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *userRepository) Search(ctx context.Context, filter UserFilter) ([]models.User, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := r.db.WithContext(ctx).Model(&models.User{}).Where("organization_id = ?", filter.OrganizationID)
	if filter.ExcludeID != 0 {
		query = query.Where("id <> ?", filter.ExcludeID)
	}
	if search := strings.ToLower(strings.TrimSpace(filter.Search)); search != "" {
		like := "%" + search + "%"
		query = query.Where(
			"LOWER(first_name) LIKE ? OR LOWER(last_name) LIKE ? OR LOWER(email) LIKE ?",
			like, like, like,
		)
	}

	var users []models.User
	if err := query.Order("last_name ASC, first_name ASC, id ASC").Limit(limit).Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}
