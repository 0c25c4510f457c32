package engine

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"autopilot/pkg/config"
	"autopilot/pkg/logx"
)

// Config holds the engine's tunables. Build one with DefaultConfig or ConfigFrom.
type Config struct {
	MaxIterations      int
	CheckpointInterval int
	InputTimeout       time.Duration
	// nil selects the default set {deploy, refactor}; an empty non-nil slice gates nothing.
	ConfirmationKinds  []ActionKind
	AutoRetry          bool
	MaxRetries         int
	LoopDelay          time.Duration
	PausePoll          time.Duration
	PlanningTimeout    time.Duration
	MemoryContextLimit int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:      config.DefaultMaxIterations,
		CheckpointInterval: config.DefaultCheckpointInterval,
		InputTimeout:       config.DefaultInputTimeout,
		AutoRetry:          true,
		MaxRetries:         config.DefaultMaxRetries,
		LoopDelay:          config.DefaultLoopDelay,
		PausePoll:          config.DefaultPausePoll,
		MemoryContextLimit: 20,
	}
}

// ConfigFrom converts the file-level engine section.
func ConfigFrom(ec *config.EngineConfig) Config {
	cfg := DefaultConfig()
	cfg.MaxIterations = ec.MaxIterations
	cfg.CheckpointInterval = ec.CheckpointInterval
	cfg.InputTimeout = ec.InputTimeout.Std()
	if ec.ConfirmationKinds != nil {
		cfg.ConfirmationKinds = make([]ActionKind, 0, len(ec.ConfirmationKinds))
		for _, k := range ec.ConfirmationKinds {
			cfg.ConfirmationKinds = append(cfg.ConfirmationKinds, ActionKind(k))
		}
	}
	cfg.AutoRetry = ec.AutoRetryEnabled()
	cfg.MaxRetries = ec.MaxRetries
	cfg.LoopDelay = ec.LoopDelay.Std()
	cfg.PausePoll = ec.PausePoll.Std()
	cfg.PlanningTimeout = ec.PlanningTimeout.Std()
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = d.CheckpointInterval
	}
	if c.InputTimeout <= 0 {
		c.InputTimeout = d.InputTimeout
	}
	if c.ConfirmationKinds == nil {
		for _, k := range config.DefaultConfirmationKinds {
			c.ConfirmationKinds = append(c.ConfirmationKinds, ActionKind(k))
		}
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.LoopDelay < 0 {
		c.LoopDelay = 0
	}
	if c.PausePoll <= 0 {
		c.PausePoll = d.PausePoll
	}
	if c.MemoryContextLimit <= 0 {
		c.MemoryContextLimit = d.MemoryContextLimit
	}
	return c
}

// Deps are the engine's collaborators. Only Planner is required.
type Deps struct {
	Planner     Planner
	Memory      Memory
	Checkpoints CheckpointStore
	Listener    Listener
	Recorder    Recorder
	Tracer      trace.Tracer
	// Context bounds loops launched by Resume on a restored engine. Defaults to Background.
	Context     context.Context //nolint:containedctx
}

// Handler executes one action kind and returns its output.
type Handler func(ctx context.Context, action *Action) (map[string]any, error)

// Engine runs one session's goal. All exported methods are safe for concurrent use.
type Engine struct {
	cfg        Config
	planner    Planner
	memory     Memory
	store      CheckpointStore
	listener   Listener
	recorder   Recorder
	tracer     trace.Tracer
	handlers   map[ActionKind]Handler
	confirmSet map[ActionKind]bool
	logger     *logx.Logger

	mu      sync.Mutex
	ec      *ExecutionContext
	parent  context.Context //nolint:containedctx // lifetime for loops launched by Resume
	running bool
	done    chan struct{}
	stopCh  chan struct{}
	stopped bool
	waiter  *inputWaiter
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@-]{0,127}$`) //nolint:gochecknoglobals

// ValidateIdentifier checks a session, project or user id.
func ValidateIdentifier(kind, id string) error {
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("%w: %s %q", ErrInvalidIdentifier, kind, id)
	}
	return nil
}

// New builds an engine for a single session.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Planner == nil {
		return nil, ErrNoPlanner
	}
	e := &Engine{
		cfg:      cfg.withDefaults(),
		planner:  deps.Planner,
		memory:   deps.Memory,
		store:    deps.Checkpoints,
		listener: deps.Listener,
		recorder: deps.Recorder,
		tracer:   deps.Tracer,
		logger:   logx.NewLogger("engine"),
		parent:   context.Background(),
		stopCh:   make(chan struct{}),
	}
	if deps.Context != nil {
		e.parent = deps.Context
	}
	if e.memory == nil {
		e.memory = nopMemory{}
	}
	if e.store == nil {
		e.store = NewMemoryCheckpointStore()
	}
	if e.listener == nil {
		e.listener = NopListener{}
	}
	if e.recorder == nil {
		e.recorder = NopRecorder{}
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("autopilot/engine")
	}
	e.confirmSet = make(map[ActionKind]bool, len(e.cfg.ConfirmationKinds))
	for _, k := range e.cfg.ConfirmationKinds {
		e.confirmSet[k] = true
	}
	e.handlers = e.buildHandlers()
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Start creates the execution context in idle and launches the loop on its own goroutine.
// ctx bounds the loop's lifetime.
func (e *Engine) Start(ctx context.Context, sessionID, projectID, userID, goal string) (*ExecutionContext, error) {
	for _, check := range []struct{ kind, id string }{
		{"session", sessionID}, {"project", projectID}, {"user", userID},
	} {
		if err := ValidateIdentifier(check.kind, check.id); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	e.mu.Lock()
	if e.ec != nil {
		e.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	e.ec = &ExecutionContext{
		SessionID:     sessionID,
		ProjectID:     projectID,
		UserID:        userID,
		State:         StateIdle,
		Goal:          goal,
		MaxIterations: e.cfg.MaxIterations,
		Pending:       []*Action{},
		Completed:     []*Action{},
		Failed:        []*Action{},
		MemoryContext: map[string]any{},
		StartedAt:     now,
		LastActivity:  now,
	}
	e.parent = ctx
	done, err := e.beginRunLocked()
	snapshot := e.ec.clone()
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.logger.Info("🚀 Session %s started: %s", sessionID, goal)
	e.notifyStatus(EventStarted, map[string]any{"goal": goal})

	go func() { _ = e.runLoop(ctx, done) }()
	return snapshot, nil
}

// Run drives the loop synchronously until the session reaches a terminal state or ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	done, err := e.beginRunLocked()
	if err == nil {
		e.parent = ctx
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return e.runLoop(ctx, done)
}

func (e *Engine) beginRunLocked() (chan struct{}, error) {
	if e.ec == nil {
		return nil, ErrEngineNotStarted
	}
	if e.running {
		return nil, ErrAlreadyRunning
	}
	e.running = true
	e.done = make(chan struct{})
	return e.done, nil
}

// Pause suspends the loop at its next iteration boundary and forces a checkpoint.
func (e *Engine) Pause(reason string) error {
	e.mu.Lock()
	if e.ec == nil {
		e.mu.Unlock()
		return ErrEngineNotStarted
	}
	from := e.ec.State
	if !IsValidTransition(from, StatePaused) {
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, from)
	}
	e.ec.State = StatePaused
	e.ec.PauseReason = reason
	e.ec.LastActivity = time.Now()
	parent := e.parent
	e.mu.Unlock()

	e.recorder.ObserveStateChange(from, StatePaused)
	e.logger.Info("⏸️ Session %s paused: %s", e.SessionID(), reason)
	e.checkpoint(context.WithoutCancel(parent))
	e.notifyStatus(EventPaused, map[string]any{"reason": reason})
	return nil
}

// Resume continues a paused session. A restored engine whose loop is not running gets a new one.
func (e *Engine) Resume() error {
	e.mu.Lock()
	if e.ec == nil {
		e.mu.Unlock()
		return ErrEngineNotStarted
	}
	if e.ec.State != StatePaused {
		state := e.ec.State
		e.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotPaused, state)
	}
	next := StateExecuting
	if e.ec.WaitingFor != nil {
		next = StateWaitingInput
	}
	e.ec.State = next
	e.ec.PauseReason = ""
	e.ec.LastActivity = time.Now()

	var (
		done   chan struct{}
		launch bool
	)
	if !e.running {
		done, _ = e.beginRunLocked()
		launch = true
	}
	parent := e.parent
	e.mu.Unlock()

	e.recorder.ObserveStateChange(StatePaused, next)
	e.logger.Info("▶️ Session %s resumed", e.SessionID())
	e.notifyStatus(EventResumed, nil)
	if launch {
		go func() { _ = e.runLoop(parent, done) }()
	}
	return nil
}

// Stop ends the session. An in-flight handler finishes first; a pending input wait is released.
func (e *Engine) Stop(reason string) error {
	e.mu.Lock()
	if e.ec == nil {
		e.mu.Unlock()
		return ErrEngineNotStarted
	}
	from := e.ec.State
	if from.IsTerminal() {
		e.mu.Unlock()
		return fmt.Errorf("%w: session already %s", ErrInvalidTransition, from)
	}
	e.ec.State = StateStopped
	e.ec.StopReason = reason
	e.ec.LastActivity = time.Now()
	e.closeStopLocked()
	parent := e.parent
	e.mu.Unlock()

	e.recorder.ObserveStateChange(from, StateStopped)
	e.logger.Info("⏹️ Session %s stopped: %s", e.SessionID(), reason)
	e.checkpoint(context.WithoutCancel(parent))
	e.notifyStatus(EventStopped, map[string]any{"reason": reason})
	return nil
}

func (e *Engine) closeStopLocked() {
	if !e.stopped {
		e.stopped = true
		close(e.stopCh)
	}
}

// ResumeFromCheckpoint rebuilds the context from cp in the paused state. Call Resume to continue.
func (e *Engine) ResumeFromCheckpoint(cp *Checkpoint) error {
	if cp == nil {
		return ErrCheckpointNotFound
	}
	if err := ValidateIdentifier("session", cp.SessionID); err != nil {
		return err
	}
	snap := cp.Snapshot

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	now := time.Now()
	e.ec = &ExecutionContext{
		SessionID:     cp.SessionID,
		ProjectID:     snap.ProjectID,
		UserID:        snap.UserID,
		State:         StatePaused,
		Goal:          cp.Goal,
		Plan:          snap.Plan.clone(),
		Iteration:     cp.Iteration,
		MaxIterations: e.cfg.MaxIterations,
		Pending:       restoreQueue(snap.Pending),
		Completed:     restoreQueue(snap.Completed),
		Failed:        restoreQueue(snap.Failed),
		Checkpoints:   []*Checkpoint{cp},
		MemoryContext: copyMap(snap.MemoryContext),
		PauseReason:   "restored from checkpoint",
		StartedAt:     cp.CreatedAt,
		LastActivity:  now,
	}
	if e.ec.MemoryContext == nil {
		e.ec.MemoryContext = map[string]any{}
	}
	if e.ec.MaxIterations < cp.Iteration {
		e.ec.MaxIterations = cp.Iteration
	}
	e.stopCh = make(chan struct{})
	e.stopped = false
	e.waiter = nil
	e.mu.Unlock()

	e.logger.Info("🔄 Session %s restored from checkpoint %s (iteration %d)", cp.SessionID, cp.ID, cp.Iteration)
	e.notifyStatus(EventRestored, map[string]any{
		"checkpoint_id": cp.ID,
		"iteration":     cp.Iteration,
		"prior_state":   string(cp.State),
	})
	return nil
}

func restoreQueue(in []*Action) []*Action {
	out := cloneActions(in)
	for _, a := range out {
		if a.Status == ActionRunning {
			a.Status = ActionPending
			a.StartedAt = nil
		}
	}
	return out
}

// SessionID returns the session this engine drives, or "" before Start.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ec == nil {
		return ""
	}
	return e.ec.SessionID
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ec == nil {
		return StateIdle
	}
	return e.ec.State
}

// Running reports whether a loop goroutine is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Status returns a read-only summary.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ec == nil {
		return Status{State: StateIdle}
	}
	ec := e.ec
	st := Status{
		SessionID:        ec.SessionID,
		ProjectID:        ec.ProjectID,
		UserID:           ec.UserID,
		State:            ec.State,
		Goal:             ec.Goal,
		Iteration:        ec.Iteration,
		MaxIterations:    ec.MaxIterations,
		PendingActions:   len(ec.Pending),
		CompletedActions: len(ec.Completed),
		FailedActions:    len(ec.Failed),
		PauseReason:      ec.PauseReason,
		StopReason:       ec.StopReason,
		CompletionReason: ec.CompletionReason,
		Checkpoints:      len(ec.Checkpoints),
		StartedAt:        ec.StartedAt,
		LastActivity:     ec.LastActivity,
	}
	if ec.Current != nil {
		st.CurrentAction = ec.Current.Description
	}
	if ec.WaitingFor != nil {
		w := *ec.WaitingFor
		st.WaitingFor = &w
	}
	return st
}

// Snapshot returns a deep copy of the execution context, or nil before Start.
func (e *Engine) Snapshot() *ExecutionContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ec == nil {
		return nil
	}
	return e.ec.clone()
}

// Done returns a channel closed when the current loop exits. It is nil if no loop ever ran.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Wait blocks until the current loop exits.
func (e *Engine) Wait() {
	if done := e.Done(); done != nil {
		<-done
	}
}

func (e *Engine) notifyStatus(event string, details map[string]any) {
	e.mu.Lock()
	ev := StatusEvent{Event: event, Timestamp: time.Now(), Details: details}
	if e.ec != nil {
		ev.SessionID = e.ec.SessionID
		ev.State = e.ec.State
	}
	e.mu.Unlock()
	e.listener.OnStatusChange(ev)
}

// setPhaseLocked moves between working states. It never overrides a pause or a terminal state.
func (e *Engine) setPhaseLocked(to State) bool {
	from := e.ec.State
	if from == to {
		return true
	}
	if from == StatePaused || from.IsTerminal() || !IsValidTransition(from, to) {
		return false
	}
	e.ec.State = to
	e.recorder.ObserveStateChange(from, to)
	return true
}
