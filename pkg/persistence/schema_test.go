package persistence

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeDatabaseIsIdempotent(t *testing.T) {
	store := setupTestStore(t)

	version, err := GetSchemaVersion(store.DB())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)

	require.NoError(t, InitializeDatabase(store.DB()))
	version, err = GetSchemaVersion(store.DB())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestInitializeDatabaseMigratesFromVersion1(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = GetSchemaVersion(db)
	require.NoError(t, err)
	require.NoError(t, execAll(db, []string{
		`CREATE TABLE execution_sessions (
			session_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			goal TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL,
			last_activity_at TEXT NOT NULL
		)`,
		`CREATE TABLE checkpoints (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			state TEXT NOT NULL,
			goal TEXT NOT NULL DEFAULT '',
			completed_action_ids TEXT NOT NULL DEFAULT '[]',
			pending_action_ids TEXT NOT NULL DEFAULT '[]',
			snapshot TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE orchestrator_sessions (
			session_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}))
	require.NoError(t, setSchemaVersion(db, 1))

	require.NoError(t, InitializeDatabase(db))
	version, err := GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)

	store := NewStore(db)
	ctx := context.Background()
	require.NoError(t, store.Sessions.Create(ctx, newSession("s1", "alice", time.Now())))
	got, err := store.Sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "autonomous:s1", got.Channel)

	_, err = store.Memory.Store(ctx, "proj", map[string]any{"type": "pattern"}, nil)
	require.NoError(t, err)
}

func TestInitializeDatabaseRejectsNewerSchema(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = GetSchemaVersion(db)
	require.NoError(t, err)
	require.NoError(t, setSchemaVersion(db, CurrentSchemaVersion+1))

	assert.Error(t, InitializeDatabase(db))
}

func TestOpenCreatesDatabaseFile(t *testing.T) {
	path := t.TempDir() + "/nested/autopilot.db"
	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	version, err := GetSchemaVersion(reopened.DB())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}
