package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore opens a fresh in-memory database with the current schema.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newSession(id, user string, lastActive time.Time) *ExecutionSession {
	return &ExecutionSession{
		SessionID:      id,
		ProjectID:      "proj",
		UserID:         user,
		Goal:           "ship it",
		Channel:        "autonomous:" + id,
		Autonomy:       "supervised",
		CreatedAt:      lastActive,
		LastActivityAt: lastActive,
	}
}

func TestSessionCreateAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Sessions.Create(ctx, newSession("s1", "alice", now)))

	got, err := store.Sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "proj", got.ProjectID)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "ship it", got.Goal)
	assert.Equal(t, "autonomous:s1", got.Channel)
	assert.Equal(t, SessionStatusActive, got.Status)
	assert.True(t, got.CreatedAt.Equal(now))
	assert.True(t, got.Resumable())
}

func TestSessionCreateDuplicateFails(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Sessions.Create(ctx, newSession("s1", "alice", time.Now())))
	assert.Error(t, store.Sessions.Create(ctx, newSession("s1", "alice", time.Now())))
}

func TestSessionGetMissing(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.Sessions.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionUpdateStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Hour)
	require.NoError(t, store.Sessions.Create(ctx, newSession("s1", "alice", start)))

	require.NoError(t, store.Sessions.UpdateStatus(ctx, "s1", SessionStatusCompleted))
	got, err := store.Sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusCompleted, got.Status)
	assert.True(t, got.LastActivityAt.After(start))
	assert.False(t, got.Resumable())

	assert.ErrorIs(t, store.Sessions.UpdateStatus(ctx, "missing", SessionStatusPaused), ErrSessionNotFound)
	assert.Error(t, store.Sessions.UpdateStatus(ctx, "s1", "exploded"))
}

func TestSessionTouch(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Hour)
	require.NoError(t, store.Sessions.Create(ctx, newSession("s1", "alice", start)))

	require.NoError(t, store.Sessions.Touch(ctx, "s1"))
	got, err := store.Sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.LastActivityAt.After(start))
	assert.ErrorIs(t, store.Sessions.Touch(ctx, "missing"), ErrSessionNotFound)
}

func TestSessionListByUserMostRecentFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	require.NoError(t, store.Sessions.Create(ctx, newSession("old", "alice", base)))
	require.NoError(t, store.Sessions.Create(ctx, newSession("new", "alice", base.Add(30*time.Minute))))
	require.NoError(t, store.Sessions.Create(ctx, newSession("mid", "alice", base.Add(10*time.Minute))))
	require.NoError(t, store.Sessions.Create(ctx, newSession("other", "bob", base.Add(40*time.Minute))))
	require.NoError(t, store.Sessions.UpdateStatus(ctx, "mid", SessionStatusFailed))

	all, err := store.Sessions.ListByUser(ctx, "alice")
	require.NoError(t, err)
	ids := make([]string, len(all))
	for i, s := range all {
		ids[i] = s.SessionID
	}
	// UpdateStatus bumped "mid" to now.
	assert.Equal(t, []string{"mid", "new", "old"}, ids)

	active, err := store.Sessions.ListByUser(ctx, "alice", SessionStatusActive, SessionStatusPaused)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "new", active[0].SessionID)

	none, err := store.Sessions.ListByUser(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSessionLatestForUser(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	require.NoError(t, store.Sessions.Create(ctx, newSession("a", "alice", base)))
	require.NoError(t, store.Sessions.Create(ctx, newSession("b", "alice", base.Add(time.Minute))))

	got, err := store.Sessions.LatestForUser(ctx, "alice", "proj", SessionStatusActive)
	require.NoError(t, err)
	assert.Equal(t, "b", got.SessionID)

	_, err = store.Sessions.LatestForUser(ctx, "alice", "elsewhere")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionMarkInterrupted(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Sessions.Create(ctx, newSession("a", "alice", time.Now())))
	require.NoError(t, store.Sessions.Create(ctx, newSession("b", "alice", time.Now())))
	require.NoError(t, store.Sessions.UpdateStatus(ctx, "b", SessionStatusCompleted))

	n, err := store.Sessions.MarkInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.Sessions.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusPaused, got.Status)
}
