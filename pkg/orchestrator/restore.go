package orchestrator

import (
	"context"
	"errors"
	"time"

	"autopilot/pkg/engine"
	"autopilot/pkg/intent"
	"autopilot/pkg/persistence"
	"autopilot/pkg/planner"
	"autopilot/pkg/registry"
)

const maxRestoredSessions = 5

// Suggested next actions offered on restore.
const (
	SuggestContinueFeature = "continue_feature"
	SuggestResumeExecutor  = "resume_executor"
	SuggestResumeFeature   = "resume_feature"
	SuggestStartNew        = "start_new"
)

// Suggestion is the single next action proposed to a returning user.
type Suggestion struct {
	Type      string          `json:"type"`
	Message   string          `json:"message"`
	Intent    intent.Category `json:"intent"`
	SessionID string          `json:"session_id,omitempty"`
	FeatureID string          `json:"feature_id,omitempty"`
}

// Restoration describes where a returning user left off. Nothing is started or resumed.
type Restoration struct {
	Type              string                 `json:"type"`
	SessionID         string                 `json:"session_id"`
	ProjectID         string                 `json:"project_id"`
	ActiveFeature     *planner.Feature       `json:"active_feature,omitempty"`
	ResumableFeatures []*planner.Feature     `json:"resumable_features,omitempty"`
	ExecutorSessions  []registry.SessionInfo `json:"executor_sessions,omitempty"`
	RecentContext     *engine.MemoryContext  `json:"recent_context,omitempty"`
	SuggestedAction   Suggestion             `json:"suggested_action"`
	RestoredAt        time.Time              `json:"restored_at"`
}

// RestoreSession gathers the user's planning state, execution sessions and recent memory for the
// project and proposes one next action. With an empty sc.SessionID the user's latest stored
// conversation in the project is reattached, or a new one is created.
func (o *Orchestrator) RestoreSession(ctx context.Context, sc SessionContext) (*Restoration, error) {
	if err := engine.ValidateIdentifier("project", sc.ProjectID); err != nil {
		return nil, err
	}
	if err := engine.ValidateIdentifier("user", sc.UserID); err != nil {
		return nil, err
	}
	if sc.SessionID == "" && o.deps.Store != nil {
		rec, err := o.deps.Store.LatestForUser(ctx, sc.UserID, sc.ProjectID)
		switch {
		case err == nil:
			sc.SessionID = rec.SessionID
		case !errors.Is(err, persistence.ErrConversationNotFound):
			o.logger.Warn("⚠️ Failed to look up latest conversation for %s: %v", sc.UserID, err)
		}
	}
	c, err := o.conversation(ctx, sc)
	if err != nil {
		return nil, err
	}
	s := c.snapshot()

	active := o.deps.Planning.ActiveFeature(sc.ProjectID)
	resumable := o.deps.Planning.ResumableFeatures(sc.ProjectID)
	execs := o.executorSessions(ctx, sc.UserID, sc.ProjectID)

	var recent *engine.MemoryContext
	if o.deps.Memory != nil {
		if mc, err := o.deps.Memory.GetContext(ctx, sc.ProjectID, "", 10); err != nil {
			o.logger.Warn("⚠️ Failed to load recent context for project %s: %v", sc.ProjectID, err)
		} else {
			recent = mc
		}
	}

	r := &Restoration{
		Type:              "session_restored",
		SessionID:         s.SessionID,
		ProjectID:         sc.ProjectID,
		ActiveFeature:     active,
		ResumableFeatures: resumable,
		ExecutorSessions:  execs,
		RecentContext:     recent,
		SuggestedAction:   suggestRestore(active, execs, resumable),
		RestoredAt:        time.Now(),
	}
	o.notify(ctx, c, "session_restored", map[string]any{"suggested_action": r.SuggestedAction.Type})
	o.logger.Info("🔄 Restored conversation %s for %s: %s", s.SessionID, sc.UserID, r.SuggestedAction.Type)
	return r, nil
}

// executorSessions lists the user's paused and active sessions in the project, newest first.
func (o *Orchestrator) executorSessions(ctx context.Context, userID, projectID string) []registry.SessionInfo {
	infos, err := o.deps.Executor.ListSessions(ctx, userID)
	if err != nil {
		o.logger.Warn("⚠️ Failed to list execution sessions for %s: %v", userID, err)
		return nil
	}
	var out []registry.SessionInfo
	for _, info := range infos {
		if info.ProjectID != projectID {
			continue
		}
		if info.Status != persistence.SessionStatusPaused && info.Status != persistence.SessionStatusActive {
			continue
		}
		out = append(out, info)
		if len(out) == maxRestoredSessions {
			break
		}
	}
	return out
}

// suggestRestore picks by priority: the active feature, the most recent paused execution, the
// most recent resumable feature, and otherwise starting something new.
func suggestRestore(active *planner.Feature, execs []registry.SessionInfo, resumable []*planner.Feature) Suggestion {
	if active != nil {
		return Suggestion{
			Type:      SuggestContinueFeature,
			Message:   "Continue working on: " + active.Name,
			Intent:    intent.CategoryContinuation,
			FeatureID: active.ID,
		}
	}
	for _, e := range execs {
		if e.Status == persistence.SessionStatusPaused {
			return Suggestion{
				Type:      SuggestResumeExecutor,
				Message:   "Resume: " + e.Goal,
				Intent:    intent.CategoryControl,
				SessionID: e.SessionID,
			}
		}
	}
	if len(resumable) > 0 {
		return Suggestion{
			Type:      SuggestResumeFeature,
			Message:   "Resume feature: " + resumable[0].Name,
			Intent:    intent.CategoryContinuation,
			FeatureID: resumable[0].ID,
		}
	}
	return Suggestion{
		Type:    SuggestStartNew,
		Message: "What would you like to build?",
		Intent:  intent.CategoryPlanning,
	}
}

// ConversationStatus reports a conversation's flags and, when one is attached, its execution.
type ConversationStatus struct {
	SessionID          string                  `json:"session_id"`
	ProjectID          string                  `json:"project_id"`
	PlannerActive      bool                    `json:"planner_active"`
	ExecutorActive     bool                    `json:"executor_active"`
	AwaitingResponse   bool                    `json:"awaiting_response"`
	AwaitingType       string                  `json:"awaiting_type,omitempty"`
	CurrentIntent      intent.Intent           `json:"current_intent,omitempty"`
	ExecutionSessionID string                  `json:"execution_session_id,omitempty"`
	Executor           *registry.SessionStatus `json:"executor,omitempty"`
	UpdatedAt          time.Time               `json:"updated_at"`
}

// Status returns the state of a conversation held in memory.
func (o *Orchestrator) Status(sessionID string) (*ConversationStatus, error) {
	o.mu.Lock()
	c, ok := o.conversations[sessionID]
	o.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	s := c.snapshot()
	st := &ConversationStatus{
		SessionID:          s.SessionID,
		ProjectID:          s.ProjectID,
		PlannerActive:      s.PlannerActive,
		ExecutorActive:     s.ExecutorActive,
		AwaitingResponse:   s.AwaitingResponse,
		AwaitingType:       s.AwaitingType,
		CurrentIntent:      s.CurrentIntent,
		ExecutionSessionID: s.ExecutionSessionID,
		UpdatedAt:          s.UpdatedAt,
	}
	if s.ExecutionSessionID != "" {
		if exec, err := o.deps.Executor.GetStatus(s.ExecutionSessionID); err == nil {
			st.Executor = exec
		}
	}
	return st, nil
}

// EndSession tears a conversation down and deletes its stored state. The attached execution, if
// any, keeps running in the registry.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	_, found := o.conversations[sessionID]
	delete(o.conversations, sessionID)
	o.mu.Unlock()

	if o.deps.Store != nil {
		if !found {
			if _, err := o.deps.Store.Load(ctx, sessionID); errors.Is(err, persistence.ErrConversationNotFound) {
				return ErrSessionNotFound
			}
		}
		if err := o.deps.Store.Delete(ctx, sessionID); err != nil {
			return err
		}
	} else if !found {
		return ErrSessionNotFound
	}
	o.logger.Info("👋 Ended conversation %s", sessionID)
	return nil
}
