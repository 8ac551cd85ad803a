package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpen_RejectsInvalidRole(t *testing.T) {
	s := NewStore(0)
	_, err := s.Open(Role("BOGUS"), "/repo", "1.0")
	require.ErrorIs(t, err, ErrInvalidRole)
}

func TestOpen_CreatesActiveSession(t *testing.T) {
	s := NewStore(0)
	sess, err := s.Open(RoleExecutor, "/repo", "1.0")
	require.NoError(t, err)
	require.Equal(t, StatusActive, sess.Status)
	require.NotEmpty(t, sess.ID)
}

func TestTouch_ExpiresAfterIdleTimeout(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewStore(5 * time.Minute).WithClock(func() time.Time { return now })

	sess, err := s.Open(RolePlanner, "/repo", "1.0")
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	_, err = s.Touch(sess.ID)
	require.ErrorIs(t, err, ErrNotActive)

	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)
}

func TestHaltAll_HaltsOnlyActiveSessions(t *testing.T) {
	s := NewStore(0)
	a, err := s.Open(RoleExecutor, "/repo", "1.0")
	require.NoError(t, err)
	b, err := s.Open(RolePlanner, "/repo", "1.0")
	require.NoError(t, err)
	require.NoError(t, s.Halt(b.ID, "manual close"))

	halted := s.HaltAll("kill switch")
	require.ElementsMatch(t, []string{a.ID}, halted)

	gotA, err := s.Get(a.ID)
	require.NoError(t, err)
	require.Equal(t, StatusHalted, gotA.Status)
	require.Equal(t, "kill switch", gotA.HaltReason)
}

func TestList_ReturnsSnapshotOfAllSessions(t *testing.T) {
	s := NewStore(0)
	a, err := s.Open(RoleExecutor, "/repo", "1.0")
	require.NoError(t, err)
	b, err := s.Open(RolePlanner, "/repo", "1.0")
	require.NoError(t, err)

	all := s.List()
	ids := make([]string, 0, len(all))
	for _, sess := range all {
		ids = append(ids, sess.ID)
	}
	require.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	// the snapshot is a copy: mutating it must not affect the store.
	all[0].Status = StatusHalted
	fresh, err := s.Get(all[0].ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, fresh.Status)
}

func TestGet_UnknownSession(t *testing.T) {
	s := NewStore(0)
	_, err := s.Get("does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBeginForConnection_IdempotentForSameRoot(t *testing.T) {
	s := NewStore(0)
	first, err := s.BeginForConnection("conn-1", RoleExecutor, "/repo", "1.0")
	require.NoError(t, err)

	again, err := s.BeginForConnection("conn-1", RoleExecutor, "/repo", "1.0")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
}

func TestBeginForConnection_RejectsDifferentRoot(t *testing.T) {
	s := NewStore(0)
	_, err := s.BeginForConnection("conn-1", RoleExecutor, "/repo", "1.0")
	require.NoError(t, err)

	_, err = s.BeginForConnection("conn-1", RoleExecutor, "/other", "1.0")
	require.ErrorIs(t, err, ErrAlreadyBound)
}

func TestRequirePromptFetched_LockedUntilMarked(t *testing.T) {
	s := NewStore(0)
	sess, err := s.Open(RoleExecutor, "/repo", "1.0")
	require.NoError(t, err)

	require.ErrorIs(t, s.RequirePromptFetched(sess.ID), ErrPromptGateLocked)

	require.NoError(t, s.MarkPromptFetched(sess.ID))
	require.NoError(t, s.RequirePromptFetched(sess.ID))
}
