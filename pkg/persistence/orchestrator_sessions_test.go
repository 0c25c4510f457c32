package persistence

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrchestratorSessionSaveLoad(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sess := &OrchestratorSession{
		SessionID: "chat-1",
		ProjectID: "proj",
		UserID:    "alice",
		State:     json.RawMessage(`{"mode":"planning","history":["hi"]}`),
	}
	require.NoError(t, store.Orchestrator.Save(ctx, sess))

	got, err := store.Orchestrator.Load(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)
	assert.JSONEq(t, `{"mode":"planning","history":["hi"]}`, string(got.State))
	created := got.CreatedAt

	sess.State = json.RawMessage(`{"mode":"executing"}`)
	require.NoError(t, store.Orchestrator.Save(ctx, sess))
	got, err = store.Orchestrator.Load(ctx, "chat-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"mode":"executing"}`, string(got.State))
	assert.True(t, got.CreatedAt.Equal(created))
	assert.False(t, got.UpdatedAt.Before(created))
}

func TestOrchestratorSessionDefaultsEmptyState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Orchestrator.Save(ctx, &OrchestratorSession{SessionID: "c", ProjectID: "p", UserID: "u"}))
	got, err := store.Orchestrator.Load(ctx, "c")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(got.State))
}

func TestOrchestratorSessionLatestAndDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Orchestrator.Save(ctx, &OrchestratorSession{SessionID: "a", ProjectID: "p", UserID: "u"}))
	require.NoError(t, store.Orchestrator.Save(ctx, &OrchestratorSession{SessionID: "b", ProjectID: "p", UserID: "u"}))

	latest, err := store.Orchestrator.LatestForUser(ctx, "u", "p")
	require.NoError(t, err)
	assert.Equal(t, "b", latest.SessionID)

	require.NoError(t, store.Orchestrator.Delete(ctx, "b"))
	require.NoError(t, store.Orchestrator.Delete(ctx, "b"))
	_, err = store.Orchestrator.Load(ctx, "b")
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, err = store.Orchestrator.LatestForUser(ctx, "u", "elsewhere")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}
