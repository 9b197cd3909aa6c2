package apps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scotty/internal/errdefs"
)

func migrateAction() *CustomAction {
	return &CustomAction{
		Name:       "migrate",
		Commands:   map[string][]string{"web": {"bin/migrate"}},
		Permission: "action_write",
		CreatedBy:  "dev@example.com",
	}
}

func TestAddActionStartsPending(t *testing.T) {
	s := &AppSettings{}
	require.NoError(t, s.AddAction(migrateAction()))

	action, err := s.Action("migrate")
	require.NoError(t, err)
	assert.Equal(t, ActionPending, action.Status)
	assert.False(t, action.CreatedAt.IsZero())
}

func TestAddActionRejectsDuplicates(t *testing.T) {
	s := &AppSettings{}
	require.NoError(t, s.AddAction(migrateAction()))

	err := s.AddAction(migrateAction())
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))
}

func TestAddActionValidatesInput(t *testing.T) {
	s := &AppSettings{}
	err := s.AddAction(&CustomAction{Commands: map[string][]string{"web": {"x"}}})
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidInput))

	err = s.AddAction(&CustomAction{Name: "empty"})
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidInput))
}

func TestApprovalLifecycle(t *testing.T) {
	s := &AppSettings{}
	require.NoError(t, s.AddAction(migrateAction()))

	action, err := s.ApproveAction("migrate", "admin@example.com", "looks safe")
	require.NoError(t, err)
	assert.Equal(t, ActionApproved, action.Status)
	assert.Equal(t, "admin@example.com", action.ReviewedBy)
	require.NotNil(t, action.ReviewedAt)

	action, err = s.RevokeAction("migrate", "admin@example.com", "rotated creds")
	require.NoError(t, err)
	assert.Equal(t, ActionRevoked, action.Status)
}

func TestForbiddenTransitionsFailTyped(t *testing.T) {
	s := &AppSettings{}
	require.NoError(t, s.AddAction(migrateAction()))

	// Revoke requires approved.
	_, err := s.RevokeAction("migrate", "admin", "")
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))

	_, err = s.ApproveAction("migrate", "admin", "")
	require.NoError(t, err)

	// Approve again must fail: already approved.
	_, err = s.ApproveAction("migrate", "admin", "")
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))

	// Reject after approval is forbidden.
	_, err = s.RejectAction("migrate", "admin", "")
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))
}

func TestCanExecute(t *testing.T) {
	now := time.Now()

	pending := migrateAction()
	assert.False(t, pending.CanExecute(now))

	approved := migrateAction()
	approved.Status = ActionApproved
	assert.True(t, approved.CanExecute(now))

	past := now.Add(-time.Hour)
	approved.ExpiresAt = &past
	assert.False(t, approved.CanExecute(now))

	future := now.Add(time.Hour)
	approved.ExpiresAt = &future
	assert.True(t, approved.CanExecute(now))
}

func TestExpireActions(t *testing.T) {
	s := &AppSettings{}
	a := migrateAction()
	require.NoError(t, s.AddAction(a))
	_, err := s.ApproveAction("migrate", "admin", "")
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	a.ExpiresAt = &past

	expired := s.ExpireActions(time.Now())
	assert.Equal(t, []string{"migrate"}, expired)
	assert.Equal(t, ActionExpired, a.Status)

	// Idempotent: already-expired actions are not reported again.
	assert.Empty(t, s.ExpireActions(time.Now()))
}

func TestRemoveAction(t *testing.T) {
	s := &AppSettings{}
	require.NoError(t, s.AddAction(migrateAction()))

	removed := s.RemoveAction("migrate")
	require.NotNil(t, removed)
	assert.Equal(t, "migrate", removed.Name)
	assert.Nil(t, s.RemoveAction("migrate"))
}
