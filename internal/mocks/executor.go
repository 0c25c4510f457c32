package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"autopilot/pkg/engine"
	"autopilot/pkg/registry"
)

// MockExecutor simulates the session registry without running engine loops. Sessions move
// between states only through the control calls and the Complete/RequestInput helpers, which
// notify the listener passed at start or restore.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockExecutor struct {
	StartSessionFunc     func(ctx context.Context, req registry.StartRequest) (*engine.ExecutionContext, error)
	PauseSessionFunc     func(sessionID, reason string) error
	ResumeSessionFunc    func(sessionID string) error
	StopSessionFunc      func(sessionID, reason string) error
	GetStatusFunc        func(sessionID string) (*registry.SessionStatus, error)
	ProvideUserInputFunc func(sessionID string, resp map[string]any) error
	ListSessionsFunc     func(ctx context.Context, userID string) ([]registry.SessionInfo, error)
	RestoreSessionFunc   func(ctx context.Context, req registry.RestoreRequest) (*registry.SessionStatus, error)

	// Call tracking.
	StartCalls   []registry.StartRequest
	PauseCalls   []string
	ResumeCalls  []string
	StopCalls    []string
	InputCalls   []InputCall
	RestoreCalls []registry.RestoreRequest

	// Recorded are durable records returned by ListSessions alongside live sessions.
	Recorded []registry.SessionInfo
	// Checkpointed maps a session id to the goal RestoreSession rebuilds it with. Sessions not
	// listed have no checkpoint.
	Checkpointed map[string]string

	mu        sync.Mutex
	sessions  map[string]*mockSession
	nextID    int
	listeners map[string]engine.Listener
}

// InputCall records one ProvideUserInput call.
type InputCall struct {
	SessionID string
	Response  map[string]any
}

type mockSession struct {
	status  registry.SessionStatus
	started time.Time
}

// NewMockExecutor creates an executor whose defaults behave like an idle registry.
func NewMockExecutor() *MockExecutor {
	m := &MockExecutor{
		Checkpointed: map[string]string{},
		sessions:     map[string]*mockSession{},
		listeners:    map[string]engine.Listener{},
	}
	m.StartSessionFunc = m.startSession
	m.PauseSessionFunc = func(id, reason string) error { return m.transition(id, engine.EventPaused, engine.StatePaused, reason) }
	m.ResumeSessionFunc = func(id string) error { return m.transition(id, engine.EventResumed, engine.StateExecuting, "") }
	m.StopSessionFunc = func(id, reason string) error { return m.transition(id, engine.EventStopped, engine.StateStopped, reason) }
	m.GetStatusFunc = m.getStatus
	m.ProvideUserInputFunc = func(string, map[string]any) error { return nil }
	m.ListSessionsFunc = m.listSessions
	m.RestoreSessionFunc = m.restoreSession
	return m
}

// StartSession implements the orchestrator's Executor.
func (m *MockExecutor) StartSession(ctx context.Context, req registry.StartRequest) (*engine.ExecutionContext, error) {
	m.mu.Lock()
	m.StartCalls = append(m.StartCalls, req)
	m.mu.Unlock()
	return m.StartSessionFunc(ctx, req)
}

// PauseSession implements the orchestrator's Executor.
func (m *MockExecutor) PauseSession(sessionID, reason string) error {
	m.mu.Lock()
	m.PauseCalls = append(m.PauseCalls, sessionID)
	m.mu.Unlock()
	return m.PauseSessionFunc(sessionID, reason)
}

// ResumeSession implements the orchestrator's Executor.
func (m *MockExecutor) ResumeSession(sessionID string) error {
	m.mu.Lock()
	m.ResumeCalls = append(m.ResumeCalls, sessionID)
	m.mu.Unlock()
	return m.ResumeSessionFunc(sessionID)
}

// StopSession implements the orchestrator's Executor.
func (m *MockExecutor) StopSession(sessionID, reason string) error {
	m.mu.Lock()
	m.StopCalls = append(m.StopCalls, sessionID)
	m.mu.Unlock()
	return m.StopSessionFunc(sessionID, reason)
}

// GetStatus implements the orchestrator's Executor.
func (m *MockExecutor) GetStatus(sessionID string) (*registry.SessionStatus, error) {
	return m.GetStatusFunc(sessionID)
}

// ProvideUserInput implements the orchestrator's Executor.
func (m *MockExecutor) ProvideUserInput(sessionID string, resp map[string]any) error {
	m.mu.Lock()
	m.InputCalls = append(m.InputCalls, InputCall{SessionID: sessionID, Response: resp})
	m.mu.Unlock()
	return m.ProvideUserInputFunc(sessionID, resp)
}

// ListSessions implements the orchestrator's Executor.
func (m *MockExecutor) ListSessions(ctx context.Context, userID string) ([]registry.SessionInfo, error) {
	return m.ListSessionsFunc(ctx, userID)
}

// RestoreSession implements the orchestrator's Executor.
func (m *MockExecutor) RestoreSession(ctx context.Context, req registry.RestoreRequest) (*registry.SessionStatus, error) {
	m.mu.Lock()
	m.RestoreCalls = append(m.RestoreCalls, req)
	m.mu.Unlock()
	return m.RestoreSessionFunc(ctx, req)
}

// Complete finishes a live session and notifies its listener.
func (m *MockExecutor) Complete(sessionID string) error {
	return m.transition(sessionID, engine.EventCompleted, engine.StateCompleted, "")
}

// RequestInput moves a live session to waiting_input and notifies its listener.
func (m *MockExecutor) RequestInput(req engine.InputRequest) error {
	m.mu.Lock()
	s, ok := m.sessions[req.SessionID]
	if !ok {
		m.mu.Unlock()
		return registry.ErrSessionNotFound
	}
	s.status.State = engine.StateWaitingInput
	s.status.WaitingFor = &req
	l := m.listeners[req.SessionID]
	m.mu.Unlock()
	if l != nil {
		l.OnUserInputNeeded(req)
	}
	return nil
}

// FinishAction reports a finished action to the session's listener.
func (m *MockExecutor) FinishAction(ev engine.ActionEvent) {
	m.mu.Lock()
	l := m.listeners[ev.SessionID]
	m.mu.Unlock()
	if l != nil {
		l.OnActionComplete(ev)
	}
}

// Live reports whether sessionID is held by the mock.
func (m *MockExecutor) Live(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionID]
	return ok
}

func (m *MockExecutor) startSession(_ context.Context, req registry.StartRequest) (*engine.ExecutionContext, error) {
	if err := engine.ValidateIdentifier("project", req.ProjectID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	id := req.SessionID
	if id == "" {
		m.nextID++
		id = fmt.Sprintf("exec-%d", m.nextID)
	}
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return nil, registry.ErrSessionExists
	}
	now := time.Now()
	s := &mockSession{started: now}
	s.status.SessionID = id
	s.status.ProjectID = req.ProjectID
	s.status.UserID = req.UserID
	s.status.Goal = req.Goal
	s.status.State = engine.StateExecuting
	s.status.MaxIterations = 10
	s.status.StartedAt = now
	s.status.LastActivity = now
	s.status.Autonomy = req.Autonomy
	s.status.Channel = req.Channel
	m.sessions[id] = s
	m.listeners[id] = req.Listener
	m.mu.Unlock()

	if req.Listener != nil {
		req.Listener.OnStatusChange(engine.StatusEvent{SessionID: id, Event: engine.EventStarted, State: engine.StateExecuting, Timestamp: now})
	}
	return &engine.ExecutionContext{
		SessionID: id,
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		State:     engine.StateExecuting,
		Goal:      req.Goal,
		StartedAt: now,
	}, nil
}

func (m *MockExecutor) transition(id, event string, to engine.State, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return registry.ErrSessionNotFound
	}
	from := s.status.State
	switch {
	case to == engine.StateExecuting && from != engine.StatePaused:
		m.mu.Unlock()
		return fmt.Errorf("%w (state %s)", engine.ErrNotPaused, from)
	case from.IsTerminal(), to == engine.StatePaused && from == engine.StatePaused:
		m.mu.Unlock()
		return fmt.Errorf("%w: session already %s", engine.ErrInvalidTransition, from)
	}
	s.status.State = to
	s.status.LastActivity = time.Now()
	switch to {
	case engine.StatePaused:
		s.status.PauseReason = reason
	case engine.StateStopped:
		s.status.StopReason = reason
	}
	l := m.listeners[id]
	m.mu.Unlock()

	if l != nil {
		l.OnStatusChange(engine.StatusEvent{SessionID: id, Event: event, State: to, Timestamp: time.Now()})
	}
	return nil
}

func (m *MockExecutor) getStatus(id string) (*registry.SessionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrSessionNotFound, id)
	}
	st := s.status
	return &st, nil
}

func (m *MockExecutor) listSessions(_ context.Context, userID string) ([]registry.SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []registry.SessionInfo
	for id, s := range m.sessions {
		if s.status.UserID != userID {
			continue
		}
		seen[id] = true
		out = append(out, registry.SessionInfo{
			SessionID:    id,
			ProjectID:    s.status.ProjectID,
			UserID:       s.status.UserID,
			Goal:         s.status.Goal,
			Status:       registry.SessionStatusFor(s.status.State),
			Autonomy:     string(s.status.Autonomy),
			Channel:      s.status.Channel,
			Live:         true,
			CreatedAt:    s.started,
			LastActivity: s.status.LastActivity,
		})
	}
	for _, info := range m.Recorded {
		if info.UserID == userID && !seen[info.SessionID] {
			out = append(out, info)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

func (m *MockExecutor) restoreSession(_ context.Context, req registry.RestoreRequest) (*registry.SessionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	goal, ok := m.Checkpointed[req.SessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrCheckpointNotFound, req.SessionID)
	}
	if s, live := m.sessions[req.SessionID]; live && !s.status.State.IsTerminal() {
		return nil, registry.ErrSessionExists
	}
	var projectID, userID string
	for _, info := range m.Recorded {
		if info.SessionID == req.SessionID {
			projectID, userID = info.ProjectID, info.UserID
		}
	}
	now := time.Now()
	s := &mockSession{started: now}
	s.status.SessionID = req.SessionID
	s.status.ProjectID = projectID
	s.status.UserID = userID
	s.status.Goal = goal
	s.status.State = engine.StatePaused
	s.status.Channel = req.Channel
	s.status.LastActivity = now
	m.sessions[req.SessionID] = s
	m.listeners[req.SessionID] = req.Listener
	st := s.status
	return &st, nil
}
