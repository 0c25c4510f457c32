// Package registry keeps the directory of live execution sessions. Each session owns one
// engine; the registry starts, controls and restores them and forwards their events to the
// session's transport channel.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"autopilot/pkg/engine"
	"autopilot/pkg/logx"
	"autopilot/pkg/persistence"
)

// Sentinel errors.
var (
	ErrSessionNotFound = errors.New("execution session not found")
	ErrSessionExists   = errors.New("execution session already running")
	ErrShutdown        = errors.New("registry is shut down")
)

// SessionLookup reads durable session records. persistence.SessionStore satisfies it.
type SessionLookup interface {
	Get(ctx context.Context, sessionID string) (*persistence.ExecutionSession, error)
	ListByUser(ctx context.Context, userID string, statuses ...string) ([]*persistence.ExecutionSession, error)
}

// Deps are the collaborators shared by every session. Planner is required.
type Deps struct {
	Planner     engine.Planner
	Memory      engine.Memory
	Checkpoints engine.CheckpointStore
	Sessions    SessionLookup
	Worker      *persistence.Worker
	Notifier    Notifier
	Recorder    engine.Recorder
	Tracer      trace.Tracer
}

// Config holds registry-wide defaults.
type Config struct {
	Engine          engine.Config
	DefaultAutonomy Autonomy
	DefaultChannel  string
}

// StartRequest describes a new session. An empty SessionID is generated.
type StartRequest struct {
	SessionID string
	ProjectID string
	UserID    string
	Goal      string
	Channel   string
	Autonomy  Autonomy
	// Listener additionally observes this session's engine.
	Listener engine.Listener
}

// RestoreRequest rebuilds a session from its newest checkpoint.
type RestoreRequest struct {
	SessionID string
	Channel   string
	Listener  engine.Listener
}

// SessionStatus is an engine status plus the registry's view of the session.
type SessionStatus struct {
	engine.Status
	Autonomy Autonomy `json:"autonomy"`
	Channel  string   `json:"channel"`
}

// SessionInfo summarizes a session for listings. Live is false for sessions only known from
// durable records.
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	ProjectID    string    `json:"project_id"`
	UserID       string    `json:"user_id"`
	Goal         string    `json:"goal"`
	Status       string    `json:"status"`
	Autonomy     string    `json:"autonomy"`
	Channel      string    `json:"channel"`
	Live         bool      `json:"live"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

type entry struct {
	engine    *engine.Engine
	sessionID string
	projectID string
	userID    string
	autonomy  Autonomy
	channel   string
	createdAt time.Time
}

// Registry is safe for concurrent use.
type Registry struct {
	cfg    Config
	deps   Deps
	logger *logx.Logger

	ctx    context.Context //nolint:containedctx // lifetime of every session loop
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*entry
	closed   bool
}

// New builds a registry. Session loops run until Shutdown.
func New(cfg Config, deps Deps) (*Registry, error) {
	if deps.Planner == nil {
		return nil, engine.ErrNoPlanner
	}
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}
	if deps.Checkpoints == nil {
		deps.Checkpoints = engine.NewMemoryCheckpointStore()
	}
	if cfg.DefaultAutonomy == "" {
		cfg.DefaultAutonomy = Supervised
	}
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = "default"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:      cfg,
		deps:     deps,
		logger:   logx.NewLogger("registry"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*entry),
	}, nil
}

// StartSession creates an engine for req and launches its loop.
func (r *Registry) StartSession(ctx context.Context, req StartRequest) (*engine.ExecutionContext, error) {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	for kind, id := range map[string]string{"session": req.SessionID, "project": req.ProjectID, "user": req.UserID} {
		if err := engine.ValidateIdentifier(kind, id); err != nil {
			return nil, err
		}
	}
	autonomy, err := ParseAutonomy(string(req.Autonomy), r.cfg.DefaultAutonomy)
	if err != nil {
		return nil, err
	}

	e := &entry{
		sessionID: req.SessionID,
		projectID: req.ProjectID,
		userID:    req.UserID,
		autonomy:  autonomy,
		channel:   r.channelOr(req.Channel),
		createdAt: time.Now(),
	}
	eng, err := r.newEngine(e, req.Listener)
	if err != nil {
		return nil, err
	}
	e.engine = eng
	if err := r.register(e); err != nil {
		return nil, err
	}

	r.submit(ctx, &persistence.Request{
		Operation: persistence.OpCreateSession,
		Data: &persistence.ExecutionSession{
			SessionID:      e.sessionID,
			ProjectID:      e.projectID,
			UserID:         e.userID,
			Goal:           req.Goal,
			Channel:        e.channel,
			Autonomy:       string(autonomy),
			Status:         persistence.SessionStatusActive,
			CreatedAt:      e.createdAt,
			LastActivityAt: e.createdAt,
		},
	})

	ec, err := eng.Start(r.ctx, e.sessionID, e.projectID, e.userID, req.Goal)
	if err != nil {
		r.unregister(e)
		persistence.PersistSessionStatus(r.deps.Worker, e.sessionID, persistence.SessionStatusFailed)
		return nil, fmt.Errorf("failed to start session %s: %w", e.sessionID, err)
	}
	r.logger.Info("🚀 Started %s session %s for user %s", autonomy, e.sessionID, e.userID)
	return ec, nil
}

// PauseSession pauses a live session.
func (r *Registry) PauseSession(sessionID, reason string) error {
	e, err := r.get(sessionID)
	if err != nil {
		return err
	}
	return e.engine.Pause(reason)
}

// ResumeSession resumes a paused session, launching its loop if it was restored.
func (r *Registry) ResumeSession(sessionID string) error {
	e, err := r.get(sessionID)
	if err != nil {
		return err
	}
	return e.engine.Resume()
}

// StopSession stops a live session. Stopped sessions stay listed until Remove or Shutdown.
func (r *Registry) StopSession(sessionID, reason string) error {
	e, err := r.get(sessionID)
	if err != nil {
		return err
	}
	return e.engine.Stop(reason)
}

// GetStatus reports on a live session.
func (r *Registry) GetStatus(sessionID string) (*SessionStatus, error) {
	e, err := r.get(sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionStatus{Status: e.engine.Status(), Autonomy: e.autonomy, Channel: e.channel}, nil
}

// ProvideUserInput answers a session's pending confirmation or question.
func (r *Registry) ProvideUserInput(sessionID string, resp map[string]any) error {
	e, err := r.get(sessionID)
	if err != nil {
		return err
	}
	return e.engine.ProvideUserInput(resp)
}

// Remove forgets a terminal session.
func (r *Registry) Remove(sessionID string) error {
	e, err := r.get(sessionID)
	if err != nil {
		return err
	}
	if !e.engine.State().IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrSessionExists, sessionID, e.engine.State())
	}
	r.unregister(e)
	return nil
}

// ListSessions returns the user's live and recorded sessions, most recent activity first.
// Live state wins over a recorded row for the same session.
func (r *Registry) ListSessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	seen := map[string]bool{}
	var out []SessionInfo

	r.mu.RLock()
	for _, e := range r.sessions {
		if e.userID != userID {
			continue
		}
		st := e.engine.Status()
		seen[e.sessionID] = true
		out = append(out, SessionInfo{
			SessionID:    e.sessionID,
			ProjectID:    e.projectID,
			UserID:       e.userID,
			Goal:         st.Goal,
			Status:       SessionStatusFor(st.State),
			Autonomy:     string(e.autonomy),
			Channel:      e.channel,
			Live:         true,
			CreatedAt:    e.createdAt,
			LastActivity: st.LastActivity,
		})
	}
	r.mu.RUnlock()

	if r.deps.Sessions != nil {
		records, err := r.deps.Sessions.ListByUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions for %s: %w", userID, err)
		}
		for _, s := range records {
			if seen[s.SessionID] {
				continue
			}
			out = append(out, SessionInfo{
				SessionID:    s.SessionID,
				ProjectID:    s.ProjectID,
				UserID:       s.UserID,
				Goal:         s.Goal,
				Status:       s.Status,
				Autonomy:     s.Autonomy,
				Channel:      s.Channel,
				CreatedAt:    s.CreatedAt,
				LastActivity: s.LastActivityAt,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

// RestoreSession rebuilds a session from its newest checkpoint in the paused state.
// Call ResumeSession to continue it.
func (r *Registry) RestoreSession(ctx context.Context, req RestoreRequest) (*SessionStatus, error) {
	if err := engine.ValidateIdentifier("session", req.SessionID); err != nil {
		return nil, err
	}
	if existing, err := r.get(req.SessionID); err == nil && !existing.engine.State().IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, req.SessionID)
	}

	cp, err := r.deps.Checkpoints.LatestCheckpoint(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for %s: %w", req.SessionID, err)
	}

	e := &entry{
		sessionID: req.SessionID,
		projectID: cp.Snapshot.ProjectID,
		userID:    cp.Snapshot.UserID,
		autonomy:  r.cfg.DefaultAutonomy,
		channel:   req.Channel,
		createdAt: cp.CreatedAt,
	}
	if r.deps.Sessions != nil {
		if rec, lookupErr := r.deps.Sessions.Get(ctx, req.SessionID); lookupErr == nil {
			if a, parseErr := ParseAutonomy(rec.Autonomy, r.cfg.DefaultAutonomy); parseErr == nil {
				e.autonomy = a
			}
			if e.channel == "" {
				e.channel = rec.Channel
			}
			e.createdAt = rec.CreatedAt
		}
	}
	e.channel = r.channelOr(e.channel)

	eng, err := r.newEngine(e, req.Listener)
	if err != nil {
		return nil, err
	}
	e.engine = eng
	if err := r.register(e); err != nil {
		return nil, err
	}
	if err := eng.ResumeFromCheckpoint(cp); err != nil {
		r.unregister(e)
		return nil, fmt.Errorf("failed to restore session %s: %w", req.SessionID, err)
	}
	persistence.PersistSessionStatus(r.deps.Worker, e.sessionID, persistence.SessionStatusPaused)
	r.logger.Info("🔄 Restored session %s at iteration %d", e.sessionID, cp.Iteration)
	return &SessionStatus{Status: eng.Status(), Autonomy: e.autonomy, Channel: e.channel}, nil
}

// BroadcastToProject sends a message to every channel with a live session in projectID.
// It returns the number of channels reached.
func (r *Registry) BroadcastToProject(ctx context.Context, projectID, msgType string, data any) (int, error) {
	return r.broadcast(ctx, func(e *entry) bool { return e.projectID == projectID },
		&Message{Type: msgType, ProjectID: projectID, Data: data, Timestamp: time.Now()})
}

// BroadcastToUser sends a message to every channel with a live session owned by userID.
func (r *Registry) BroadcastToUser(ctx context.Context, userID, msgType string, data any) (int, error) {
	return r.broadcast(ctx, func(e *entry) bool { return e.userID == userID },
		&Message{Type: msgType, UserID: userID, Data: data, Timestamp: time.Now()})
}

func (r *Registry) broadcast(ctx context.Context, match func(*entry) bool, msg *Message) (int, error) {
	channels := map[string]bool{}
	r.mu.RLock()
	for _, e := range r.sessions {
		if match(e) {
			channels[e.channel] = true
		}
	}
	r.mu.RUnlock()

	var errs []error
	sent := 0
	for ch := range channels {
		if err := r.deps.Notifier.Publish(ctx, ch, msg); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// Shutdown pauses every running session so it can be restored later, then ends all loops
// and waits for them until ctx expires.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		state := e.engine.State()
		if state.IsTerminal() || state == engine.StatePaused {
			continue
		}
		if err := e.engine.Pause("shutdown"); err != nil {
			r.logger.Warn("⚠️ Could not pause session %s: %v", e.sessionID, err)
		}
	}
	r.cancel()

	for _, e := range entries {
		done := e.engine.Done()
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("shutdown interrupted waiting for %s: %w", e.sessionID, ctx.Err())
		}
	}
	r.logger.Info("🛑 Registry shut down (%d sessions)", len(entries))
	return nil
}

// SessionStatusFor maps an engine state to the durable session status.
func SessionStatusFor(s engine.State) string {
	switch s {
	case engine.StatePaused:
		return persistence.SessionStatusPaused
	case engine.StateCompleted:
		return persistence.SessionStatusCompleted
	case engine.StateFailed:
		return persistence.SessionStatusFailed
	case engine.StateStopped:
		return persistence.SessionStatusCancelled
	default:
		return persistence.SessionStatusActive
	}
}

func (r *Registry) newEngine(e *entry, extra engine.Listener) (*engine.Engine, error) {
	var listener engine.Listener = &forwarder{registry: r, entry: e}
	if extra != nil {
		listener = engine.MultiListener{listener, extra}
	}
	eng, err := engine.New(e.autonomy.Apply(r.cfg.Engine), engine.Deps{
		Planner:     r.deps.Planner,
		Memory:      r.deps.Memory,
		Checkpoints: r.deps.Checkpoints,
		Listener:    listener,
		Recorder:    r.deps.Recorder,
		Tracer:      r.deps.Tracer,
		Context:     r.ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return eng, nil
}

func (r *Registry) register(e *entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrShutdown
	}
	if old, ok := r.sessions[e.sessionID]; ok && !old.engine.State().IsTerminal() {
		return fmt.Errorf("%w: %s", ErrSessionExists, e.sessionID)
	}
	r.sessions[e.sessionID] = e
	return nil
}

func (r *Registry) unregister(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[e.sessionID] == e {
		delete(r.sessions, e.sessionID)
	}
}

func (r *Registry) get(sessionID string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return e, nil
}

func (r *Registry) channelOr(channel string) string {
	if channel == "" {
		return r.cfg.DefaultChannel
	}
	return channel
}

// submit queues a write and waits for it so the session row exists before status updates.
func (r *Registry) submit(ctx context.Context, req *persistence.Request) {
	if r.deps.Worker == nil {
		return
	}
	resp := make(chan error, 1)
	req.Response = resp
	if !r.deps.Worker.Submit(req) {
		return
	}
	select {
	case err := <-resp:
		if err != nil {
			r.logger.Warn("⚠️ %s failed: %v", req.Operation, err)
		}
	case <-ctx.Done():
	}
}
