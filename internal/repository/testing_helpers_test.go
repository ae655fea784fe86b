package repository

import (
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/gema-messaging/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.OrganizationAdmin{},
		&models.Class{},
		&models.ClassStudent{},
		&models.Student{},
		&models.GuardianLink{},
		&models.Thread{},
		&models.Participant{},
		&models.ThreadItem{},
	))
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

func seedUser(t *testing.T, db *gorm.DB, id uint, role, first, last string) models.User {
	t.Helper()
	user := models.User{
		ID:             id,
		OrganizationID: 1,
		Role:           role,
		FirstName:      first,
		LastName:       last,
		Email:          strings.ToLower(first) + "@school.test",
	}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}
