package engine

import "time"

// Status event names.
const (
	EventStarted         = "started"
	EventPlanning        = "planning"
	EventExecutingAction = "executing_action"
	EventWaitingInput    = "waiting_input"
	EventCheckpoint      = "checkpoint_created"
	EventPaused          = "paused"
	EventResumed         = "resumed"
	EventStopped         = "stopped"
	EventCompleted       = "completed"
	EventFailed          = "failed"
	EventRestored        = "restored_from_checkpoint"
)

// StatusEvent is emitted on every phase transition.
type StatusEvent struct {
	SessionID string         `json:"session_id"`
	Event     string         `json:"event"`
	State     State          `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// ActionEvent is emitted once per finished, non-skipped action.
type ActionEvent struct {
	SessionID   string         `json:"session_id"`
	ActionID    string         `json:"action_id"`
	TaskID      string         `json:"task_id,omitempty"`
	Kind        ActionKind     `json:"kind"`
	Description string         `json:"description"`
	Status      ActionStatus   `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Iteration   int            `json:"iteration"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Listener observes an engine. Callbacks run on the engine's goroutine without engine locks
// held, so they may call back into the engine; they should return promptly.
type Listener interface {
	OnStatusChange(ev StatusEvent)
	OnActionComplete(ev ActionEvent)
	OnUserInputNeeded(req InputRequest)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) OnStatusChange(StatusEvent)     {}
func (NopListener) OnActionComplete(ActionEvent)   {}
func (NopListener) OnUserInputNeeded(InputRequest) {}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	StatusChange    func(StatusEvent)
	ActionComplete  func(ActionEvent)
	UserInputNeeded func(InputRequest)
}

// OnStatusChange implements Listener.
func (f ListenerFuncs) OnStatusChange(ev StatusEvent) {
	if f.StatusChange != nil {
		f.StatusChange(ev)
	}
}

// OnActionComplete implements Listener.
func (f ListenerFuncs) OnActionComplete(ev ActionEvent) {
	if f.ActionComplete != nil {
		f.ActionComplete(ev)
	}
}

// OnUserInputNeeded implements Listener.
func (f ListenerFuncs) OnUserInputNeeded(req InputRequest) {
	if f.UserInputNeeded != nil {
		f.UserInputNeeded(req)
	}
}

// MultiListener fans events out in order.
type MultiListener []Listener

// OnStatusChange implements Listener.
func (m MultiListener) OnStatusChange(ev StatusEvent) {
	for _, l := range m {
		l.OnStatusChange(ev)
	}
}

// OnActionComplete implements Listener.
func (m MultiListener) OnActionComplete(ev ActionEvent) {
	for _, l := range m {
		l.OnActionComplete(ev)
	}
}

// OnUserInputNeeded implements Listener.
func (m MultiListener) OnUserInputNeeded(req InputRequest) {
	for _, l := range m {
		l.OnUserInputNeeded(req)
	}
}
