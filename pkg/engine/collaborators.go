package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Sentinel errors.
var (
	ErrInvalidIdentifier  = errors.New("invalid identifier")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrNotPaused          = errors.New("session is not paused")
	ErrNoPendingInput     = errors.New("no pending input request")
	ErrEngineNotStarted   = errors.New("engine not started")
	ErrAlreadyStarted     = errors.New("engine already started")
	ErrAlreadyRunning     = errors.New("execution loop already running")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrNoPlanner          = errors.New("planner is required")
)

// PlanRequest asks the planner to decompose a goal.
type PlanRequest struct {
	ProjectID string
	Goal      string
	Context   map[string]any
}

// TaskRequest carries one action to a per-kind planner handler.
type TaskRequest struct {
	ProjectID   string
	Goal        string
	Description string
	Input       map[string]any
	Context     map[string]any
}

// Assessment is the planner's verdict on whether the goal is met.
type Assessment struct {
	GoalComplete         bool     `json:"goal_complete"`
	CompletionPercentage float64  `json:"completion_percentage"`
	RemainingTasks       []string `json:"remaining_tasks,omitempty"`
}

// Planner decomposes goals and performs the planning-side work of each action kind.
// Any method may fail; the engine treats a failure as the action failing.
type Planner interface {
	CreatePlan(ctx context.Context, req PlanRequest) (*Plan, error)
	AssessCompletion(ctx context.Context, projectID, goal string, completed []string) (*Assessment, error)
	AnalyzeCodebase(ctx context.Context, req TaskRequest) (map[string]any, error)
	GenerateCode(ctx context.Context, req TaskRequest) (map[string]any, error)
	SuggestRefactoring(ctx context.Context, req TaskRequest) (map[string]any, error)
	RunTests(ctx context.Context, req TaskRequest) (map[string]any, error)
	AnalyzeError(ctx context.Context, req TaskRequest) (map[string]any, error)
	GenerateDocumentation(ctx context.Context, req TaskRequest) (map[string]any, error)
	ReviewCode(ctx context.Context, req TaskRequest) (map[string]any, error)
}

// MemoryItem is one stored memory record.
type MemoryItem struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	Content   map[string]any `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// MemoryContext is recent context relevant to a query.
type MemoryContext struct {
	Actions  []MemoryItem   `json:"actions"`
	Patterns []MemoryItem   `json:"patterns"`
	Project  map[string]any `json:"project,omitempty"`
}

// Memory provides search and storage across sessions. Implementations must be safe for
// concurrent use by many engines.
type Memory interface {
	GetContext(ctx context.Context, projectID, query string, limit int) (*MemoryContext, error)
	Search(ctx context.Context, projectID, query string, limit int) ([]MemoryItem, error)
	Store(ctx context.Context, projectID string, content, metadata map[string]any) (string, error)
}

// CheckpointStore persists checkpoints. Implementations must be safe for concurrent use.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	LatestCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error)
}

// Recorder receives engine measurements.
type Recorder interface {
	ObserveIteration(d time.Duration)
	ObserveAction(kind ActionKind, status ActionStatus, d time.Duration)
	ObserveRetry(kind ActionKind)
	ObserveCheckpoint()
	ObserveStateChange(from, to State)
	ObserveInputWait(d time.Duration, timedOut bool)
}

// NopRecorder discards all measurements.
type NopRecorder struct{}

func (NopRecorder) ObserveIteration(time.Duration)                        {}
func (NopRecorder) ObserveAction(ActionKind, ActionStatus, time.Duration) {}
func (NopRecorder) ObserveRetry(ActionKind)                               {}
func (NopRecorder) ObserveCheckpoint()                                    {}
func (NopRecorder) ObserveStateChange(State, State)                       {}
func (NopRecorder) ObserveInputWait(time.Duration, bool)                  {}

type nopMemory struct{}

func (nopMemory) GetContext(context.Context, string, string, int) (*MemoryContext, error) {
	return &MemoryContext{}, nil
}

func (nopMemory) Search(context.Context, string, string, int) ([]MemoryItem, error) {
	return nil, nil
}

func (nopMemory) Store(context.Context, string, map[string]any, map[string]any) (string, error) {
	return "", nil
}

// MemoryCheckpointStore keeps checkpoints in process memory.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]*Checkpoint
}

// NewMemoryCheckpointStore returns an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: make(map[string][]*Checkpoint)}
}

// SaveCheckpoint stores a copy of cp.
func (s *MemoryCheckpointStore) SaveCheckpoint(_ context.Context, cp *Checkpoint) error {
	c := *cp
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.SessionID] = append(s.checkpoints[cp.SessionID], &c)
	return nil
}

// LatestCheckpoint returns the newest checkpoint for sessionID.
func (s *MemoryCheckpointStore) LatestCheckpoint(_ context.Context, sessionID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.checkpoints[sessionID]
	if len(list) == 0 {
		return nil, ErrCheckpointNotFound
	}
	latest := list[0]
	for _, cp := range list[1:] {
		if !cp.CreatedAt.Before(latest.CreatedAt) {
			latest = cp
		}
	}
	c := *latest
	return &c, nil
}

// ListCheckpoints returns every checkpoint for sessionID, oldest first.
func (s *MemoryCheckpointStore) ListCheckpoints(_ context.Context, sessionID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Checkpoint, 0, len(s.checkpoints[sessionID]))
	for _, cp := range s.checkpoints[sessionID] {
		c := *cp
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
