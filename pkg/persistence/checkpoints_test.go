package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/pkg/engine"
)

func sampleCheckpoint(id string, iteration int, at time.Time) *engine.Checkpoint {
	started := at.Add(-time.Minute)
	return &engine.Checkpoint{
		ID:                 id,
		SessionID:          "s1",
		Iteration:          iteration,
		State:              engine.StateExecuting,
		Goal:               "add login",
		CompletedActionIDs: []string{"a1"},
		PendingActionIDs:   []string{"a2", "a3"},
		Snapshot: engine.Snapshot{
			ProjectID: "proj",
			UserID:    "alice",
			Plan: &engine.Plan{Goal: "add login", Tasks: []engine.Task{
				{ID: "t1", Type: "analyze", Title: "look", Priority: 5},
			}},
			MemoryContext: map[string]any{"project": "demo"},
			Stats:         engine.Stats{TotalActions: 3, CompletedActions: 1, PendingActions: 2},
			Pending: []*engine.Action{
				{ID: "a2", Kind: engine.KindGenerateCode, Description: "write", Priority: 7,
					Input: map[string]any{engine.RetryCountKey: 1}, Status: engine.ActionPending},
				{ID: "a3", Kind: engine.KindTest, Description: "test", Priority: 5,
					Input: map[string]any{}, Status: engine.ActionPending},
			},
			Completed: []*engine.Action{
				{ID: "a1", Kind: engine.KindAnalyze, Description: "look", Priority: 5,
					Input: map[string]any{}, Output: map[string]any{"analysis": "ok"},
					Status: engine.ActionCompleted, StartedAt: &started},
			},
			PauseReason: "lunch",
		},
		CreatedAt: at,
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()
	cp := sampleCheckpoint("cp1", 4, now)

	require.NoError(t, store.Checkpoints.SaveCheckpoint(ctx, cp))

	got, err := store.Checkpoints.LatestCheckpoint(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, cp.ID, got.ID)
	assert.Equal(t, cp.SessionID, got.SessionID)
	assert.Equal(t, cp.Iteration, got.Iteration)
	assert.Equal(t, cp.State, got.State)
	assert.Equal(t, cp.Goal, got.Goal)
	assert.Equal(t, cp.CompletedActionIDs, got.CompletedActionIDs)
	assert.Equal(t, cp.PendingActionIDs, got.PendingActionIDs)
	assert.True(t, cp.CreatedAt.Equal(got.CreatedAt))

	snap := got.Snapshot
	assert.Equal(t, "proj", snap.ProjectID)
	assert.Equal(t, "alice", snap.UserID)
	assert.Equal(t, "lunch", snap.PauseReason)
	assert.Equal(t, cp.Snapshot.Stats, snap.Stats)
	require.NotNil(t, snap.Plan)
	assert.Equal(t, cp.Snapshot.Plan.Tasks, snap.Plan.Tasks)
	assert.Equal(t, "demo", snap.MemoryContext["project"])
	require.Len(t, snap.Pending, 2)
	assert.Equal(t, engine.KindGenerateCode, snap.Pending[0].Kind)
	assert.Equal(t, 1, snap.Pending[0].RetryCount())
	require.Len(t, snap.Completed, 1)
	assert.Equal(t, "ok", snap.Completed[0].Output["analysis"])
	require.NotNil(t, snap.Completed[0].StartedAt)
	assert.True(t, snap.Completed[0].StartedAt.Equal(*cp.Snapshot.Completed[0].StartedAt))
}

func TestCheckpointEmptyIDListsStayEmpty(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	cp := &engine.Checkpoint{ID: "cp", SessionID: "s1", State: engine.StateIdle, CreatedAt: time.Now()}

	require.NoError(t, store.Checkpoints.SaveCheckpoint(ctx, cp))
	got, err := store.Checkpoints.LatestCheckpoint(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got.CompletedActionIDs)
	assert.Empty(t, got.PendingActionIDs)
}

func TestCheckpointLatestAndList(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	require.NoError(t, store.Checkpoints.SaveCheckpoint(ctx, sampleCheckpoint("cp2", 20, base.Add(2*time.Minute))))
	require.NoError(t, store.Checkpoints.SaveCheckpoint(ctx, sampleCheckpoint("cp1", 10, base.Add(time.Minute))))
	require.NoError(t, store.Checkpoints.SaveCheckpoint(ctx, sampleCheckpoint("cp3", 30, base.Add(3*time.Minute))))

	latest, err := store.Checkpoints.LatestCheckpoint(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "cp3", latest.ID)

	all, err := store.Checkpoints.ListCheckpoints(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int{10, 20, 30}, []int{all[0].Iteration, all[1].Iteration, all[2].Iteration})
}

func TestCheckpointNotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.Checkpoints.LatestCheckpoint(ctx, "nobody")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
	assert.ErrorIs(t, err, engine.ErrCheckpointNotFound)

	list, err := store.Checkpoints.ListCheckpoints(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCheckpointDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Checkpoints.SaveCheckpoint(ctx, sampleCheckpoint("cp1", 1, time.Now())))

	n, err := store.Checkpoints.DeleteCheckpoints(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = store.Checkpoints.LatestCheckpoint(ctx, "s1")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestCheckpointStoreBacksEngineRestore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Checkpoints.SaveCheckpoint(ctx, sampleCheckpoint("cp1", 4, time.Now())))

	cp, err := store.Checkpoints.LatestCheckpoint(ctx, "s1")
	require.NoError(t, err)

	e, err := engine.New(engine.DefaultConfig(), engine.Deps{
		Planner:     nopPlanner{},
		Checkpoints: store.Checkpoints,
	})
	require.NoError(t, err)
	require.NoError(t, e.ResumeFromCheckpoint(cp))

	st := e.Status()
	assert.Equal(t, engine.StatePaused, st.State)
	assert.Equal(t, 4, st.Iteration)
	assert.Equal(t, 2, st.PendingActions)
	assert.Equal(t, 1, st.CompletedActions)
}

type nopPlanner struct{}

func (nopPlanner) CreatePlan(context.Context, engine.PlanRequest) (*engine.Plan, error) {
	return &engine.Plan{}, nil
}

func (nopPlanner) AssessCompletion(context.Context, string, string, []string) (*engine.Assessment, error) {
	return &engine.Assessment{}, nil
}

func (nopPlanner) AnalyzeCodebase(context.Context, engine.TaskRequest) (map[string]any, error) {
	return map[string]any{}, nil
}

func (nopPlanner) GenerateCode(context.Context, engine.TaskRequest) (map[string]any, error) {
	return map[string]any{}, nil
}

func (nopPlanner) SuggestRefactoring(context.Context, engine.TaskRequest) (map[string]any, error) {
	return map[string]any{}, nil
}

func (nopPlanner) RunTests(context.Context, engine.TaskRequest) (map[string]any, error) {
	return map[string]any{}, nil
}

func (nopPlanner) AnalyzeError(context.Context, engine.TaskRequest) (map[string]any, error) {
	return map[string]any{}, nil
}

func (nopPlanner) GenerateDocumentation(context.Context, engine.TaskRequest) (map[string]any, error) {
	return map[string]any{}, nil
}

func (nopPlanner) ReviewCode(context.Context, engine.TaskRequest) (map[string]any, error) {
	return map[string]any{}, nil
}
