package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-messaging/internal/messaging"
	"github.com/noah-isme/gema-messaging/internal/models"
)

// RosterRepository reads the class, enrollment, guardian-link and administrator tables.
// It satisfies messaging.RosterProvider and messaging.AdminRoster.
type RosterRepository interface {
	messaging.RosterProvider
	messaging.AdminRoster
}

type rosterRepository struct {
	db *gorm.DB
}

// NewRosterRepository constructs a roster repository backed by GORM.
func NewRosterRepository(db *gorm.DB) RosterRepository {
	return &rosterRepository{db: db}
}

func (r *rosterRepository) ClassesForStaff(ctx context.Context, staffID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.Class{}).
		Where("staff_id = ?", staffID).
		Order("id").
		Pluck("id", &ids).Error
	return ids, err
}

func (r *rosterRepository) StudentsInClass(ctx context.Context, classID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.ClassStudent{}).
		Where("class_id = ?", classID).
		Order("student_id").
		Pluck("student_id", &ids).Error
	return ids, err
}

func (r *rosterRepository) GuardiansOfStudent(ctx context.Context, studentID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.GuardianLink{}).
		Where("student_id = ?", studentID).
		Distinct("guardian_id").
		Pluck("guardian_id", &ids).Error
	return ids, err
}

// AdministratorIDs lists the administrators of the viewer's organization.
func (r *rosterRepository) AdministratorIDs(ctx context.Context, viewer messaging.Viewer) ([]uint, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Select("id", "organization_id").First(&user, viewer.ID).Error; err != nil {
		return nil, err
	}

	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.OrganizationAdmin{}).
		Where("organization_id = ?", user.OrganizationID).
		Order("user_id").
		Pluck("user_id", &ids).Error
	return ids, err
}
