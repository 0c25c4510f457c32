// Package orchestrator is the single entry point for a user message. It classifies the message,
// routes it to planning, a query responder, a control handler or the execution registry, runs the
// clarification sub-protocol, and keeps one conversation state per session.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"autopilot/pkg/engine"
	"autopilot/pkg/intent"
	"autopilot/pkg/logx"
	"autopilot/pkg/persistence"
	"autopilot/pkg/planner"
	"autopilot/pkg/registry"
)

// Sentinel errors.
var (
	ErrEmptyMessage      = errors.New("message is empty")
	ErrSessionNotFound   = errors.New("conversation not found")
	ErrSessionMismatch   = errors.New("conversation belongs to another user or project")
	ErrMissingClassifier = errors.New("orchestrator requires a classifier")
	ErrMissingPlanning   = errors.New("orchestrator requires a planning collaborator")
	ErrMissingExecutor   = errors.New("orchestrator requires an executor")
)

// ResultType names the kind of answer ProcessMessage produced.
type ResultType string

// Result types.
const (
	ResultStatus           ResultType = "status_response"
	ResultSuggestions      ResultType = "suggestions_response"
	ResultQuery            ResultType = "query_response"
	ResultPlanning         ResultType = "planning_response"
	ResultClarification    ResultType = "clarification_request"
	ResultExecutionStarted ResultType = "execution_started"
	ResultExecutionPaused  ResultType = "execution_paused"
	ResultExecutionResumed ResultType = "execution_resumed"
	ResultExecutionStopped ResultType = "execution_stopped"
	ResultInputReceived    ResultType = "input_received"
	ResultContinuation     ResultType = "continuation"
	ResultError            ResultType = "error"
)

// What a conversation is waiting for when AwaitingResponse is set.
const (
	AwaitIntentClarification   = "intent_clarification"
	AwaitPlanningClarification = "planning_clarification"
	AwaitExecutorInput         = "executor_input"
)

// MsgOrchestratorStatus is the transport message type for orchestrator progress.
const MsgOrchestratorStatus = "orchestrator_status"

// Classifier classifies one user message. *intent.Classifier satisfies it.
type Classifier interface {
	Classify(ctx context.Context, msg string, cctx intent.Context) *intent.Result
}

// Planning is the feature-level planning collaborator. *planner.FeatureBook satisfies it.
type Planning interface {
	HandleMessage(ctx context.Context, req planner.Request) (*planner.Result, error)
	ActiveFeature(projectID string) *planner.Feature
	ResumableFeatures(projectID string) []*planner.Feature
	Suggestions(projectID string, limit int) []*planner.Feature
	Status(projectID string) *planner.Summary
	PlanningContext(projectID string) map[string]any
	NextStep(projectID string) *planner.Suggestion
	ReportTaskCompletion(ctx context.Context, projectID, taskID, title string) *planner.TaskUpdate
	ReportTaskFailure(ctx context.Context, projectID, taskID, title, errMsg string) *planner.TaskUpdate
	Load(ctx context.Context, projectID string) error
}

// Executor runs autonomous sessions. *registry.Registry satisfies it.
type Executor interface {
	StartSession(ctx context.Context, req registry.StartRequest) (*engine.ExecutionContext, error)
	PauseSession(sessionID, reason string) error
	ResumeSession(sessionID string) error
	StopSession(sessionID, reason string) error
	GetStatus(sessionID string) (*registry.SessionStatus, error)
	ProvideUserInput(sessionID string, resp map[string]any) error
	ListSessions(ctx context.Context, userID string) ([]registry.SessionInfo, error)
	RestoreSession(ctx context.Context, req registry.RestoreRequest) (*registry.SessionStatus, error)
}

// SessionStore persists conversation state. *persistence.OrchestratorSessionStore satisfies it.
type SessionStore interface {
	Save(ctx context.Context, sess *persistence.OrchestratorSession) error
	Load(ctx context.Context, sessionID string) (*persistence.OrchestratorSession, error)
	LatestForUser(ctx context.Context, userID, projectID string) (*persistence.OrchestratorSession, error)
	Delete(ctx context.Context, sessionID string) error
}

// Deps wires the orchestrator. Classifier, Planning and Executor are required; Memory, Store and
// Notifier are optional.
type Deps struct {
	Classifier Classifier
	Planning   Planning
	Executor   Executor
	Memory     engine.Memory
	Store      SessionStore
	Notifier   registry.Notifier
}

// SessionContext identifies the conversation a message belongs to. An empty SessionID starts a
// new conversation.
type SessionContext struct {
	SessionID   string
	ProjectID   string
	UserID      string
	ProjectName string
	Channel     string
	Autonomy    registry.Autonomy
	// Values are merged into the conversation's context map.
	Values map[string]any
}

// Session is the persisted state of one conversation.
type Session struct {
	SessionID          string            `json:"session_id"`
	ProjectID          string            `json:"project_id"`
	UserID             string            `json:"user_id"`
	Channel            string            `json:"channel,omitempty"`
	Autonomy           registry.Autonomy `json:"autonomy,omitempty"`
	ExecutionSessionID string            `json:"execution_session_id,omitempty"`
	PlannerActive      bool              `json:"planner_active"`
	ExecutorActive     bool              `json:"executor_active"`
	CurrentIntent      intent.Intent     `json:"current_intent,omitempty"`
	AwaitingResponse   bool              `json:"awaiting_response"`
	AwaitingType       string            `json:"awaiting_type,omitempty"`
	PendingIntent      *intent.Result    `json:"pending_intent,omitempty"`
	PendingNeeds       []string          `json:"pending_needs,omitempty"`
	LastPlannerResult  *planner.Result   `json:"last_planner_result,omitempty"`
	LastExecutorResult map[string]any    `json:"last_executor_result,omitempty"`
	Context            map[string]any    `json:"context"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Result is the orchestrator's answer to one message.
type Result struct {
	Type               ResultType              `json:"type"`
	Success            bool                    `json:"success"`
	Message            string                  `json:"message,omitempty"`
	SessionID          string                  `json:"session_id"`
	ExecutionSessionID string                  `json:"execution_session_id,omitempty"`
	Goal               string                  `json:"goal,omitempty"`
	State              engine.State            `json:"state,omitempty"`
	Intent             *intent.Result          `json:"intent,omitempty"`
	Questions          []string                `json:"questions,omitempty"`
	Planning           *planner.Result         `json:"planning,omitempty"`
	Summary            *planner.Summary        `json:"summary,omitempty"`
	Suggestions        []*planner.Feature      `json:"suggestions,omitempty"`
	Next               *planner.Suggestion     `json:"next,omitempty"`
	Executor           *registry.SessionStatus `json:"executor,omitempty"`
	Results            []engine.MemoryItem     `json:"results,omitempty"`
	Context            map[string]any          `json:"context,omitempty"`
}

func failure(msg string) *Result {
	return &Result{Type: ResultError, Message: msg}
}

// conversation guards one Session. turn serializes messages; mu guards state and is the only lock
// engine listener callbacks take, since the engine emits some events synchronously from calls
// made while turn is held.
type conversation struct {
	turn  sync.Mutex
	mu    sync.Mutex
	state Session
}

func (c *conversation) snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.Context = maps.Clone(c.state.Context)
	s.PendingNeeds = append([]string(nil), c.state.PendingNeeds...)
	return s
}

func (c *conversation) update(fn func(*Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.state)
	c.state.UpdatedAt = time.Now()
}

// Orchestrator is safe for concurrent use. Messages for one conversation are processed in order.
type Orchestrator struct {
	deps   Deps
	logger *logx.Logger

	mu            sync.Mutex
	conversations map[string]*conversation
	loaded        map[string]bool
}

// New builds an orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Classifier == nil:
		return nil, ErrMissingClassifier
	case deps.Planning == nil:
		return nil, ErrMissingPlanning
	case deps.Executor == nil:
		return nil, ErrMissingExecutor
	}
	return &Orchestrator{
		deps:          deps,
		logger:        logx.NewLogger("orchestrator"),
		conversations: make(map[string]*conversation),
		loaded:        make(map[string]bool),
	}, nil
}

// ProcessMessage handles one user message. Failures of the routed work are reported as results
// of type error; the returned error is reserved for invalid input.
func (o *Orchestrator) ProcessMessage(ctx context.Context, text string, sc SessionContext) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	c, err := o.conversation(ctx, sc)
	if err != nil {
		return nil, err
	}

	c.turn.Lock()
	defer c.turn.Unlock()

	c.update(func(s *Session) {
		for k, v := range sc.Values {
			s.Context[k] = v
		}
		if sc.ProjectName != "" {
			s.Context["project_name"] = sc.ProjectName
		}
		if sc.Channel != "" {
			s.Channel = sc.Channel
		}
		if sc.Autonomy != "" {
			s.Autonomy = sc.Autonomy
		}
	})
	o.notify(ctx, c, "processing", map[string]any{"message": truncate(text, 100)})

	res := o.route(ctx, c, text)
	res.SessionID = c.snapshot().SessionID
	o.save(ctx, c)
	return res, nil
}

// route is ProcessMessage's body; callers hold c.turn.
func (o *Orchestrator) route(ctx context.Context, c *conversation, text string) *Result {
	if c.snapshot().AwaitingResponse {
		return o.handleClarificationResponse(ctx, c, text)
	}

	res := o.classify(ctx, c, text)
	c.update(func(s *Session) { s.CurrentIntent = res.Intent })
	recalled := o.recall(ctx, c.snapshot().ProjectID, text)

	var out *Result
	if len(res.ContextNeeded) > 0 {
		out = o.askClarification(ctx, c, res)
	} else {
		out = o.dispatch(ctx, c, text, res, recalled)
	}
	out.Intent = res
	o.storeInteraction(ctx, c, text, res, out)
	return out
}

func (o *Orchestrator) dispatch(ctx context.Context, c *conversation, text string, res *intent.Result, recalled []engine.MemoryItem) *Result {
	o.logger.Debug("Routing %s (%s, %.2f)", res.Intent, res.Category, res.Confidence)
	switch res.Category {
	case intent.CategoryControl:
		return o.handleControl(ctx, c, res)
	case intent.CategoryQuery:
		return o.handleQuery(ctx, c, text, res, recalled)
	case intent.CategoryContinuation:
		return o.handleContinuation(ctx, c)
	case intent.CategoryExecution:
		return o.handleExecution(ctx, c, text, res, recalled)
	default:
		return o.handlePlanning(ctx, c, text, res)
	}
}

func (o *Orchestrator) classify(ctx context.Context, c *conversation, text string) *intent.Result {
	s := c.snapshot()
	cctx := intent.Context{
		PlannerActive:  s.PlannerActive,
		ExecutorActive: s.ExecutorActive,
	}
	if name, ok := s.Context["project_name"].(string); ok {
		cctx.ProjectName = name
	}
	if f := o.deps.Planning.ActiveFeature(s.ProjectID); f != nil {
		cctx.ActiveFeature = f.Name
	}
	res := o.deps.Classifier.Classify(ctx, text, cctx)
	if res == nil {
		res = &intent.Result{Intent: intent.Unknown, Category: intent.CategoryUnknown, Source: intent.SourceDefault}
	}
	return res
}

// recall searches memory for context related to text. Failures are logged and yield nothing.
func (o *Orchestrator) recall(ctx context.Context, projectID, text string) []engine.MemoryItem {
	if o.deps.Memory == nil {
		return nil
	}
	items, err := o.deps.Memory.Search(ctx, projectID, text, 5)
	if err != nil {
		o.logger.Warn("⚠️ Memory search failed for project %s: %v", projectID, err)
		return nil
	}
	return items
}

func (o *Orchestrator) storeInteraction(ctx context.Context, c *conversation, text string, res *intent.Result, out *Result) {
	if o.deps.Memory == nil {
		return
	}
	s := c.snapshot()
	content := map[string]any{
		"type":        "conversation",
		"message":     text,
		"intent":      string(res.Intent),
		"result_type": string(out.Type),
		"response":    out.Message,
	}
	metadata := map[string]any{"session_id": s.SessionID, "user_id": s.UserID}
	if _, err := o.deps.Memory.Store(ctx, s.ProjectID, content, metadata); err != nil {
		o.logger.Warn("⚠️ Failed to store interaction for %s: %v", s.SessionID, err)
	}
}

// conversation returns the in-memory conversation for sc, loading or creating it as needed.
func (o *Orchestrator) conversation(ctx context.Context, sc SessionContext) (*conversation, error) {
	if err := engine.ValidateIdentifier("project", sc.ProjectID); err != nil {
		return nil, err
	}
	if err := engine.ValidateIdentifier("user", sc.UserID); err != nil {
		return nil, err
	}
	id := sc.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	o.mu.Lock()
	c, ok := o.conversations[id]
	o.mu.Unlock()
	if ok {
		s := c.snapshot()
		if s.ProjectID != sc.ProjectID || s.UserID != sc.UserID {
			return nil, fmt.Errorf("%w: %s", ErrSessionMismatch, id)
		}
		return c, nil
	}

	o.ensureProject(ctx, sc.ProjectID)
	c, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if c != nil {
		s := c.snapshot()
		if s.ProjectID != sc.ProjectID || s.UserID != sc.UserID {
			return nil, fmt.Errorf("%w: %s", ErrSessionMismatch, id)
		}
	} else {
		now := time.Now()
		c = &conversation{state: Session{
			SessionID: id,
			ProjectID: sc.ProjectID,
			UserID:    sc.UserID,
			Channel:   sc.Channel,
			Autonomy:  sc.Autonomy,
			Context:   map[string]any{},
			CreatedAt: now,
			UpdatedAt: now,
		}}
		o.rehydrate(ctx, c)
		o.logger.Info("💬 New conversation %s for user %s in project %s", id, sc.UserID, sc.ProjectID)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.conversations[id]; ok {
		return existing, nil
	}
	o.conversations[id] = c
	return c, nil
}

// rehydrate attaches the user's active execution session in this project, if any.
func (o *Orchestrator) rehydrate(ctx context.Context, c *conversation) {
	s := c.snapshot()
	infos, err := o.deps.Executor.ListSessions(ctx, s.UserID)
	if err != nil {
		o.logger.Warn("⚠️ Failed to list execution sessions for %s: %v", s.UserID, err)
		return
	}
	for _, info := range infos {
		if info.ProjectID == s.ProjectID && info.Status == persistence.SessionStatusActive {
			c.update(func(st *Session) {
				st.ExecutionSessionID = info.SessionID
				st.ExecutorActive = true
			})
			o.logger.Info("🔗 Conversation %s attached to active execution %s", s.SessionID, info.SessionID)
			return
		}
	}
}

// ensureProject loads the project's planning state once per process.
func (o *Orchestrator) ensureProject(ctx context.Context, projectID string) {
	o.mu.Lock()
	done := o.loaded[projectID]
	o.loaded[projectID] = true
	o.mu.Unlock()
	if done {
		return
	}
	if err := o.deps.Planning.Load(ctx, projectID); err != nil {
		o.logger.Warn("⚠️ Failed to load planning state for project %s: %v", projectID, err)
	}
}

func (o *Orchestrator) load(ctx context.Context, id string) (*conversation, error) {
	if o.deps.Store == nil {
		return nil, nil
	}
	rec, err := o.deps.Store.Load(ctx, id)
	if errors.Is(err, persistence.ErrConversationNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	var s Session
	if err := json.Unmarshal(rec.State, &s); err != nil {
		return nil, fmt.Errorf("failed to decode conversation %s: %w", id, err)
	}
	s.SessionID, s.ProjectID, s.UserID = rec.SessionID, rec.ProjectID, rec.UserID
	if s.Context == nil {
		s.Context = map[string]any{}
	}
	o.logger.Info("📂 Restored conversation %s", id)
	return &conversation{state: s}, nil
}

func (o *Orchestrator) save(ctx context.Context, c *conversation) {
	if o.deps.Store == nil {
		return
	}
	s := c.snapshot()
	data, err := json.Marshal(s)
	if err != nil {
		o.logger.Warn("⚠️ Failed to encode conversation %s: %v", s.SessionID, err)
		return
	}
	rec := &persistence.OrchestratorSession{
		SessionID: s.SessionID,
		ProjectID: s.ProjectID,
		UserID:    s.UserID,
		State:     data,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if err := o.deps.Store.Save(ctx, rec); err != nil {
		o.logger.Warn("⚠️ Failed to persist conversation %s: %v", s.SessionID, err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, c *conversation, status string, data map[string]any) {
	if o.deps.Notifier == nil {
		return
	}
	s := c.snapshot()
	payload := map[string]any{"status": status}
	for k, v := range data {
		payload[k] = v
	}
	msg := &registry.Message{
		Type:      MsgOrchestratorStatus,
		SessionID: s.SessionID,
		ProjectID: s.ProjectID,
		UserID:    s.UserID,
		Data:      payload,
		Timestamp: time.Now(),
	}
	channel := s.Channel
	if channel == "" {
		channel = s.SessionID
	}
	if err := o.deps.Notifier.Publish(ctx, channel, msg); err != nil {
		o.logger.Warn("⚠️ Failed to publish %s for %s: %v", status, s.SessionID, err)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
