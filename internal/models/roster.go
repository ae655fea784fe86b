package models

import "time"

// User is an identity known to the messaging core. Roles come from the identity provider.
type User struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OrganizationID uint      `gorm:"index" json:"organization_id"`
	Role           string    `gorm:"size:32;index" json:"role"`
	FirstName      string    `gorm:"size:128" json:"first_name"`
	LastName       string    `gorm:"size:128" json:"last_name"`
	Email          string    `gorm:"size:255;index" json:"email"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// OrganizationAdmin lists the administrators of an organization independently of User.Role.
type OrganizationAdmin struct {
	ID             uint `gorm:"primaryKey" json:"id"`
	OrganizationID uint `gorm:"index" json:"organization_id"`
	UserID         uint `gorm:"uniqueIndex" json:"user_id"`
}

// Class groups students under a staff member.
type Class struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OrganizationID uint      `gorm:"index" json:"organization_id"`
	Name           string    `gorm:"size:255;not null" json:"name"`
	StaffID        uint      `gorm:"index" json:"staff_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ClassStudent enrolls a student in a class.
type ClassStudent struct {
	ClassID   uint `gorm:"primaryKey" json:"class_id"`
	StudentID uint `gorm:"primaryKey" json:"student_id"`
}

// Student represents an enrolled child.
type Student struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OrganizationID uint      `gorm:"index" json:"organization_id"`
	FirstName      string    `gorm:"size:128;not null" json:"first_name"`
	LastName       string    `gorm:"size:128" json:"last_name"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// GuardianLink relates a student to a guardian user.
type GuardianLink struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	StudentID    uint   `gorm:"index;not null" json:"student_id"`
	GuardianID   uint   `gorm:"index;not null" json:"guardian_id"`
	Relationship string `gorm:"size:64" json:"relationship"`
}
