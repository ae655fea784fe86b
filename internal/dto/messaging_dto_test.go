package dto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-messaging/internal/messaging"
	"github.com/noah-isme/gema-messaging/internal/models"
)

func TestNewThreadViewProjectsCounterpart(t *testing.T) {
	now := time.Now().UTC()
	latestID := uint(9)
	thread := models.Thread{
		ID:                3,
		ThreadType:        models.ThreadTypeDirect,
		LatestItemID:      &latestID,
		LatestItemSnippet: "see you",
		LatestItemAt:      &now,
		CreatedAt:         now.Add(-time.Hour),
		UpdatedAt:         now,
		Participants: []models.Participant{
			{ID: 30, ThreadID: 3, UserID: 1, Unread: true, User: &models.User{ID: 1, Role: "teacher", FirstName: "Sam"}},
			{ID: 31, ThreadID: 3, UserID: 2, User: &models.User{ID: 2, Role: "parent", FirstName: "Gina", Email: "gina@school.test"}},
		},
	}

	view, ok := NewThreadView(thread, 1)
	require.True(t, ok)
	require.Equal(t, uint(30), view.ParticipantID)
	require.True(t, view.Unread)
	require.NotNil(t, view.Counterpart)
	require.Equal(t, uint(2), view.Counterpart.ID)
	require.Equal(t, messaging.RoleGuardian, view.Counterpart.Role)
	require.Equal(t, uint(9), view.LatestItem.MessageID)

	_, ok = NewThreadView(thread, 77)
	require.False(t, ok)
}

func TestNewThreadSnapshotWithoutPreviewOrUsers(t *testing.T) {
	snapshot := NewThreadSnapshot(models.Thread{ID: 4})
	require.Nil(t, snapshot.LatestItem)
	require.NotNil(t, snapshot.Participants)
	require.Empty(t, snapshot.Participants)

	snapshot = NewThreadSnapshot(models.Thread{ID: 4, Participants: []models.Participant{{ID: 1, UserID: 5}}})
	require.Equal(t, messaging.RoleUnknown, snapshot.Participants[0].Role)
}
