package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"autopilot/pkg/engine"
	"autopilot/pkg/intent"
	"autopilot/pkg/persistence"
	"autopilot/pkg/registry"
)

func (o *Orchestrator) handleControl(ctx context.Context, c *conversation, res *intent.Result) *Result {
	switch res.Intent {
	case intent.Pause:
		return o.pauseExecution(c)
	case intent.Resume:
		return o.resumeExecution(ctx, c)
	default:
		return o.stopExecution(c)
	}
}

func (o *Orchestrator) pauseExecution(c *conversation) *Result {
	s := c.snapshot()
	if s.ExecutionSessionID == "" {
		return failure("No active execution to pause")
	}
	if err := o.deps.Executor.PauseSession(s.ExecutionSessionID, "paused by user"); err != nil {
		return &Result{
			Type:               ResultError,
			Message:            fmt.Sprintf("Could not pause execution %s: %v", s.ExecutionSessionID, err),
			ExecutionSessionID: s.ExecutionSessionID,
		}
	}
	return &Result{
		Type:               ResultExecutionPaused,
		Success:            true,
		Message:            "Execution paused. You can resume later.",
		ExecutionSessionID: s.ExecutionSessionID,
		State:              engine.StatePaused,
	}
}

// resumeExecution resumes the conversation's execution, or when that has finished, the user's
// most recent paused one in the project. Sessions that are no longer live are restored from their newest checkpoint first;
// without a checkpoint the recorded goal is started again.
func (o *Orchestrator) resumeExecution(ctx context.Context, c *conversation) *Result {
	s := c.snapshot()
	target, goal := s.ExecutionSessionID, ""
	if target != "" {
		if st, err := o.deps.Executor.GetStatus(target); err == nil && st.State.IsTerminal() {
			target = ""
		}
	}
	if target == "" {
		info := o.latestSession(ctx, s, persistence.SessionStatusPaused)
		if info == nil {
			return failure("No paused session to resume")
		}
		target, goal = info.SessionID, info.Goal
	}

	st, err := o.deps.Executor.GetStatus(target)
	if errors.Is(err, registry.ErrSessionNotFound) {
		st, err = o.deps.Executor.RestoreSession(ctx, registry.RestoreRequest{
			SessionID: target,
			Channel:   s.Channel,
			Listener:  o.executorListener(c),
		})
		if errors.Is(err, engine.ErrCheckpointNotFound) && goal != "" {
			o.logger.Warn("⚠️ No checkpoint for %s, restarting its goal", target)
			out := o.startExecution(ctx, c, goal, nil)
			if out.Success {
				out.Type = ResultExecutionResumed
				out.Message = "No checkpoint was found, restarted: " + goal
			}
			return out
		}
	}
	if err != nil {
		return failure(fmt.Sprintf("Could not resume execution %s: %v", target, err))
	}
	if st.State != engine.StatePaused {
		return &Result{
			Type:               ResultError,
			Message:            fmt.Sprintf("Execution %s is %s and cannot be resumed.", target, st.State),
			ExecutionSessionID: target,
			Executor:           st,
		}
	}

	c.update(func(s *Session) {
		s.ExecutionSessionID = target
		s.ExecutorActive = true
	})
	if err := o.deps.Executor.ResumeSession(target); err != nil {
		return failure(fmt.Sprintf("Could not resume execution %s: %v", target, err))
	}
	return &Result{
		Type:               ResultExecutionResumed,
		Success:            true,
		Message:            "Resumed: " + st.Goal,
		ExecutionSessionID: target,
		Goal:               st.Goal,
		State:              engine.StateExecuting,
	}
}

func (o *Orchestrator) stopExecution(c *conversation) *Result {
	s := c.snapshot()
	if s.ExecutionSessionID != "" {
		err := o.deps.Executor.StopSession(s.ExecutionSessionID, "stopped by user")
		if err != nil && !errors.Is(err, registry.ErrSessionNotFound) && !errors.Is(err, engine.ErrInvalidTransition) {
			return failure(fmt.Sprintf("Could not stop execution %s: %v", s.ExecutionSessionID, err))
		}
	}
	c.update(func(s *Session) {
		s.ExecutorActive = false
		if s.AwaitingType == AwaitExecutorInput {
			s.AwaitingResponse = false
			s.AwaitingType = ""
		}
	})
	return &Result{
		Type:               ResultExecutionStopped,
		Success:            true,
		Message:            "Execution stopped.",
		ExecutionSessionID: s.ExecutionSessionID,
	}
}

// handleContinuation picks up whatever the conversation was doing: a paused execution first,
// then the planner's next step for the active feature.
func (o *Orchestrator) handleContinuation(ctx context.Context, c *conversation) *Result {
	s := c.snapshot()
	if s.ExecutorActive && s.ExecutionSessionID != "" {
		st, err := o.deps.Executor.GetStatus(s.ExecutionSessionID)
		switch {
		case errors.Is(err, registry.ErrSessionNotFound), err == nil && st.State == engine.StatePaused:
			return o.resumeExecution(ctx, c)
		case err == nil && !st.State.IsTerminal():
			return &Result{
				Type:               ResultContinuation,
				Success:            true,
				Message:            fmt.Sprintf("Execution is already in progress (%s).", st.State),
				ExecutionSessionID: s.ExecutionSessionID,
				Executor:           st,
				State:              st.State,
			}
		}
	}

	if s.PlannerActive {
		if next := o.deps.Planning.NextStep(s.ProjectID); next != nil {
			out := o.startExecution(ctx, c, next.Message, o.deps.Planning.PlanningContext(s.ProjectID))
			out.Next = next
			return out
		}
	}
	return &Result{
		Type:    ResultContinuation,
		Message: "Nothing to continue. What would you like to do?",
	}
}

// latestSession returns the user's most recent execution session in the conversation's project
// with one of statuses.
func (o *Orchestrator) latestSession(ctx context.Context, s Session, statuses ...string) *registry.SessionInfo {
	infos, err := o.deps.Executor.ListSessions(ctx, s.UserID)
	if err != nil {
		o.logger.Warn("⚠️ Failed to list execution sessions for %s: %v", s.UserID, err)
		return nil
	}
	for i := range infos {
		if infos[i].ProjectID != s.ProjectID {
			continue
		}
		for _, status := range statuses {
			if infos[i].Status == status {
				return &infos[i]
			}
		}
	}
	return nil
}
