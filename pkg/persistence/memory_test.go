package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreAndRecent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id1, err := store.Memory.Store(ctx, "proj", map[string]any{"type": MemoryKindAction, "description": "first"}, nil)
	require.NoError(t, err)
	id2, err := store.Memory.Store(ctx, "proj", map[string]any{"type": MemoryKindPattern, "description": "second"},
		map[string]any{"session_id": "s1"})
	require.NoError(t, err)
	_, err = store.Memory.Store(ctx, "other", map[string]any{"type": MemoryKindAction}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	recent, err := store.Memory.Recent(ctx, "proj", "", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, id2, recent[0].ID)
	assert.Equal(t, "s1", recent[0].Metadata["session_id"])

	actions, err := store.Memory.Recent(ctx, "proj", MemoryKindAction, 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "first", actions[0].Content["description"])
}

func TestMemorySearchRanksByKeywordHits(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.Memory.Store(ctx, "proj", map[string]any{"text": "login page styling"}, nil)
	require.NoError(t, err)
	both, err := store.Memory.Store(ctx, "proj", map[string]any{"text": "login handler returns a session token"}, nil)
	require.NoError(t, err)
	_, err = store.Memory.Store(ctx, "proj", map[string]any{"text": "database migrations"}, nil)
	require.NoError(t, err)

	results, err := store.Memory.Search(ctx, "proj", "login token", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, both, results[0].ID)

	limited, err := store.Memory.Search(ctx, "proj", "login", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemorySearchEscapesWildcards(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	want, err := store.Memory.Store(ctx, "proj", map[string]any{"text": "rename snake_case fields"}, nil)
	require.NoError(t, err)
	_, err = store.Memory.Store(ctx, "proj", map[string]any{"text": "rename snakeXcase fields"}, nil)
	require.NoError(t, err)

	results, err := store.Memory.Search(ctx, "proj", "snake_case", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, want, results[0].ID)
}

func TestMemorySearchWithoutKeywordsReturnsRecent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.Memory.Store(ctx, "proj", map[string]any{"text": "anything"}, nil)
	require.NoError(t, err)

	results, err := store.Memory.Search(ctx, "proj", "a b", 5)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestMemoryGetContext(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.Memory.Store(ctx, "proj", map[string]any{"type": MemoryKindAction, "description": "analyzed auth"}, nil)
	require.NoError(t, err)
	_, err = store.Memory.Store(ctx, "proj", map[string]any{"type": MemoryKindPattern, "pattern": "auth uses middleware"}, nil)
	require.NoError(t, err)
	_, err = store.Memory.Store(ctx, "proj", map[string]any{"type": MemoryKindProject, "language": "go"}, nil)
	require.NoError(t, err)

	mc, err := store.Memory.GetContext(ctx, "proj", "auth", 10)
	require.NoError(t, err)
	require.Len(t, mc.Actions, 1)
	require.Len(t, mc.Patterns, 1)
	assert.Equal(t, "auth uses middleware", mc.Patterns[0].Content["pattern"])
	assert.Equal(t, "go", mc.Project["language"])

	empty, err := store.Memory.GetContext(ctx, "none", "auth", 10)
	require.NoError(t, err)
	assert.Empty(t, empty.Actions)
	assert.Empty(t, empty.Patterns)
	assert.Empty(t, empty.Project)
}

func TestKeywordsOf(t *testing.T) {
	assert.Equal(t, []string{"fix", "login", "pkg/auth.go"}, keywordsOf("Fix the LOGIN in pkg/auth.go, fix it"))
	assert.Empty(t, keywordsOf("a an"))
}
