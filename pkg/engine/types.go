// Package engine drives one autonomous goal through a supervised, resumable action loop.
//
// An Engine owns exactly one ExecutionContext. The loop assesses state, plans actions from the
// Planner's task list, runs one action per iteration through a kind-keyed handler table,
// checkpoints on a fixed cadence and suspends for user confirmation or answers.
package engine

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of an execution context.
type State string

// Execution states.
const (
	StateIdle         State = "idle"
	StatePlanning     State = "planning"
	StateExecuting    State = "executing"
	StateWaitingInput State = "waiting_input"
	StatePaused       State = "paused"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateStopped      State = "stopped"
)

// TransitionTable lists the states reachable from each state.
type TransitionTable map[State][]State

// ValidTransitions is the engine's state machine. Terminal states have no exits.
//
//nolint:gochecknoglobals // immutable transition table
var ValidTransitions = TransitionTable{
	StateIdle:         {StatePlanning, StatePaused, StateCompleted, StateFailed, StateStopped},
	StatePlanning:     {StateExecuting, StatePaused, StateCompleted, StateFailed, StateStopped},
	StateExecuting:    {StatePlanning, StateWaitingInput, StatePaused, StateCompleted, StateFailed, StateStopped},
	StateWaitingInput: {StateExecuting, StatePaused, StateCompleted, StateFailed, StateStopped},
	StatePaused:       {StateExecuting, StateWaitingInput, StateCompleted, StateFailed, StateStopped},
	StateCompleted:    {},
	StateFailed:       {},
	StateStopped:      {},
}

// IsValidTransition reports whether the state machine allows from → to.
func IsValidTransition(from, to State) bool {
	for _, allowed := range ValidTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s ends the session.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateStopped
}

// ActionKind is the closed set of things an action can do.
type ActionKind string

// Action kinds.
const (
	KindAnalyze      ActionKind = "analyze"
	KindPlan         ActionKind = "plan"
	KindResearch     ActionKind = "research"
	KindGenerateCode ActionKind = "generate_code"
	KindRefactor     ActionKind = "refactor"
	KindTest         ActionKind = "test"
	KindDebug        ActionKind = "debug"
	KindDocument     ActionKind = "document"
	KindReview       ActionKind = "review"
	KindDeploy       ActionKind = "deploy"
	KindCommunicate  ActionKind = "communicate"
)

// AllKinds lists every action kind in declaration order.
//
//nolint:gochecknoglobals // closed enumeration
var AllKinds = []ActionKind{
	KindAnalyze, KindPlan, KindResearch, KindGenerateCode, KindRefactor, KindTest,
	KindDebug, KindDocument, KindReview, KindDeploy, KindCommunicate,
}

// ParseActionKind maps a planner task type onto an action kind. Unknown types become analyze.
func ParseActionKind(taskType string) ActionKind {
	switch taskType {
	case "code", "generate", "generate_code", "implement":
		return KindGenerateCode
	case "ask", "question", "communicate":
		return KindCommunicate
	case "docs", "documentation":
		return KindDocument
	case "tests":
		return KindTest
	}
	for _, k := range AllKinds {
		if string(k) == taskType {
			return k
		}
	}
	return KindAnalyze
}

// ActionStatus tracks one action through its lifecycle.
type ActionStatus string

// Action statuses.
const (
	ActionPending   ActionStatus = "pending"
	ActionRunning   ActionStatus = "running"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	ActionSkipped   ActionStatus = "skipped"
)

// RetryCountKey is the reserved input key holding an action's retry counter.
const RetryCountKey = "_retry_count"

// Priority bounds.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Action is one discrete unit of autonomous work.
type Action struct {
	ID                   string         `json:"id"`
	TaskID               string         `json:"task_id,omitempty"`
	Kind                 ActionKind     `json:"kind"`
	Description          string         `json:"description"`
	Priority             int            `json:"priority"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
	Input                map[string]any `json:"input"`
	Output               map[string]any `json:"output,omitempty"`
	Status               ActionStatus   `json:"status"`
	StartedAt            *time.Time     `json:"started_at,omitempty"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
	Error                string         `json:"error,omitempty"`
}

// ClampPriority forces p into [MinPriority, MaxPriority]; zero selects DefaultPriority.
func ClampPriority(p int) int {
	switch {
	case p == 0:
		return DefaultPriority
	case p < MinPriority:
		return MinPriority
	case p > MaxPriority:
		return MaxPriority
	}
	return p
}

// RetryCount reads the reserved retry counter from the action's input.
func (a *Action) RetryCount() int {
	switch v := a.Input[RetryCountKey].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func (a *Action) clone() *Action {
	if a == nil {
		return nil
	}
	c := *a
	c.Input = copyMap(a.Input)
	c.Output = copyMap(a.Output)
	return &c
}

// Task is one entry of a planner-produced plan.
type Task struct {
	ID                   string         `json:"id" yaml:"id"`
	Type                 string         `json:"type" yaml:"type"`
	Title                string         `json:"title" yaml:"title"`
	Description          string         `json:"description" yaml:"description"`
	Priority             int            `json:"priority" yaml:"priority"`
	RequiresConfirmation bool           `json:"requires_confirmation" yaml:"requires_confirmation"`
	Input                map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
}

// Plan is the nested task list owned by one execution context.
type Plan struct {
	Goal     string         `json:"goal" yaml:"goal"`
	Tasks    []Task         `json:"tasks" yaml:"tasks"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

func (p *Plan) clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Tasks = make([]Task, len(p.Tasks))
	for i := range p.Tasks {
		c.Tasks[i] = p.Tasks[i]
		c.Tasks[i].Input = copyMap(p.Tasks[i].Input)
	}
	c.Metadata = copyMap(p.Metadata)
	return &c
}

// Stats aggregates queue sizes at checkpoint time.
type Stats struct {
	TotalActions     int `json:"total_actions"`
	CompletedActions int `json:"completed_actions"`
	FailedActions    int `json:"failed_actions"`
	PendingActions   int `json:"pending_actions"`
	SkippedActions   int `json:"skipped_actions"`
}

// Snapshot is the context state carried inside a checkpoint. The action records let a restored
// engine rebuild its queues exactly.
type Snapshot struct {
	ProjectID        string         `json:"project_id"`
	UserID           string         `json:"user_id"`
	Plan             *Plan          `json:"plan,omitempty"`
	MemoryContext    map[string]any `json:"memory_context,omitempty"`
	Stats            Stats          `json:"stats"`
	Pending          []*Action      `json:"pending,omitempty"`
	Completed        []*Action      `json:"completed,omitempty"`
	Failed           []*Action      `json:"failed,omitempty"`
	PauseReason      string         `json:"pause_reason,omitempty"`
	StopReason       string         `json:"stop_reason,omitempty"`
	CompletionReason string         `json:"completion_reason,omitempty"`
}

// Checkpoint is an immutable snapshot of an execution context.
type Checkpoint struct {
	ID                 string    `json:"id"`
	SessionID          string    `json:"session_id"`
	Iteration          int       `json:"iteration"`
	State              State     `json:"state"`
	Goal               string    `json:"goal"`
	CompletedActionIDs []string  `json:"completed_action_ids"`
	PendingActionIDs   []string  `json:"pending_action_ids"`
	Snapshot           Snapshot  `json:"snapshot"`
	CreatedAt          time.Time `json:"created_at"`
}

// InputType distinguishes confirmation gates from free-form questions.
type InputType string

// Input request types.
const (
	InputConfirmation InputType = "confirmation"
	InputQuestion     InputType = "question"
)

// InputRequest describes what the engine is waiting for.
type InputRequest struct {
	SessionID string         `json:"session_id"`
	Type      InputType      `json:"type"`
	ActionID  string         `json:"action_id,omitempty"`
	Question  string         `json:"question"`
	Action    map[string]any `json:"action,omitempty"`
}

// ExecutionContext is the full mutable state of one running or paused goal.
type ExecutionContext struct {
	SessionID        string         `json:"session_id"`
	ProjectID        string         `json:"project_id"`
	UserID           string         `json:"user_id"`
	State            State          `json:"state"`
	Goal             string         `json:"goal"`
	Plan             *Plan          `json:"plan,omitempty"`
	Iteration        int            `json:"iteration"`
	MaxIterations    int            `json:"max_iterations"`
	Pending          []*Action      `json:"pending"`
	Completed        []*Action      `json:"completed"`
	Failed           []*Action      `json:"failed"`
	Current          *Action        `json:"current,omitempty"`
	Checkpoints      []*Checkpoint  `json:"checkpoints"`
	MemoryContext    map[string]any `json:"memory_context"`
	WaitingFor       *InputRequest  `json:"waiting_for,omitempty"`
	PauseReason      string         `json:"pause_reason,omitempty"`
	StopReason       string         `json:"stop_reason,omitempty"`
	CompletionReason string         `json:"completion_reason,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	LastActivity     time.Time      `json:"last_activity"`
}

func (ec *ExecutionContext) clone() *ExecutionContext {
	c := *ec
	c.Plan = ec.Plan.clone()
	c.Pending = cloneActions(ec.Pending)
	c.Completed = cloneActions(ec.Completed)
	c.Failed = cloneActions(ec.Failed)
	c.Current = ec.Current.clone()
	c.Checkpoints = append([]*Checkpoint(nil), ec.Checkpoints...)
	c.MemoryContext = copyMap(ec.MemoryContext)
	if ec.WaitingFor != nil {
		w := *ec.WaitingFor
		c.WaitingFor = &w
	}
	return &c
}

// Status is a read-only summary of an execution context.
type Status struct {
	SessionID        string        `json:"session_id"`
	ProjectID        string        `json:"project_id"`
	UserID           string        `json:"user_id"`
	State            State         `json:"state"`
	Goal             string        `json:"goal"`
	Iteration        int           `json:"iteration"`
	MaxIterations    int           `json:"max_iterations"`
	PendingActions   int           `json:"pending_actions"`
	CompletedActions int           `json:"completed_actions"`
	FailedActions    int           `json:"failed_actions"`
	CurrentAction    string        `json:"current_action,omitempty"`
	WaitingFor       *InputRequest `json:"waiting_for,omitempty"`
	PauseReason      string        `json:"pause_reason,omitempty"`
	StopReason       string        `json:"stop_reason,omitempty"`
	CompletionReason string        `json:"completion_reason,omitempty"`
	Checkpoints      int           `json:"checkpoints"`
	StartedAt        time.Time     `json:"started_at"`
	LastActivity     time.Time     `json:"last_activity"`
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneActions(in []*Action) []*Action {
	out := make([]*Action, len(in))
	for i, a := range in {
		out[i] = a.clone()
	}
	return out
}

func actionIDs(actions []*Action) []string {
	ids := make([]string, len(actions))
	for i, a := range actions {
		ids[i] = a.ID
	}
	return ids
}
