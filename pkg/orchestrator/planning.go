package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"autopilot/pkg/engine"
	"autopilot/pkg/intent"
	"autopilot/pkg/planner"
	"autopilot/pkg/registry"
)

// askClarification answers with one question per missing entity and records what the next
// message should fill in.
func (o *Orchestrator) askClarification(ctx context.Context, c *conversation, res *intent.Result) *Result {
	questions := make([]string, 0, len(res.ContextNeeded))
	for _, need := range res.ContextNeeded {
		questions = append(questions, planner.QuestionFor(need))
	}
	c.update(func(s *Session) {
		s.AwaitingResponse = true
		s.AwaitingType = AwaitIntentClarification
		s.PendingIntent = res
		s.PendingNeeds = append([]string(nil), res.ContextNeeded...)
	})
	o.notify(ctx, c, "awaiting_clarification", map[string]any{"needs": res.ContextNeeded})
	return &Result{
		Type:      ResultClarification,
		Success:   true,
		Message:   strings.Join(questions, " "),
		Questions: questions,
	}
}

// handleClarificationResponse treats text as the answer to the pending question.
func (o *Orchestrator) handleClarificationResponse(ctx context.Context, c *conversation, text string) *Result {
	var pending Session
	c.update(func(s *Session) {
		pending = *s
		s.AwaitingResponse = false
		s.AwaitingType = ""
		s.PendingIntent = nil
		s.PendingNeeds = nil
		s.Context["user_clarification"] = text
	})

	switch pending.AwaitingType {
	case AwaitExecutorInput:
		if pending.ExecutionSessionID == "" {
			break
		}
		resp := map[string]any{"response": text, "approved": affirmative(text)}
		if err := o.deps.Executor.ProvideUserInput(pending.ExecutionSessionID, resp); err != nil {
			if errors.Is(err, engine.ErrNoPendingInput) {
				return failure("The execution is no longer waiting for input.")
			}
			return failure(fmt.Sprintf("Failed to deliver input: %v", err))
		}
		return &Result{
			Type:               ResultInputReceived,
			Success:            true,
			Message:            "Input received, continuing execution.",
			ExecutionSessionID: pending.ExecutionSessionID,
		}

	case AwaitIntentClarification, AwaitPlanningClarification:
		if pending.PendingIntent == nil {
			break
		}
		res := answer(pending.PendingIntent, pending.PendingNeeds, text)
		var out *Result
		if len(res.ContextNeeded) > 0 {
			out = o.askClarification(ctx, c, res)
		} else {
			out = o.dispatch(ctx, c, text, res, o.recall(ctx, pending.ProjectID, text))
		}
		out.Intent = res
		o.storeInteraction(ctx, c, text, res, out)
		return out
	}
	return o.route(ctx, c, text)
}

// answer fills the first outstanding need of pending with text and returns the updated intent.
func answer(pending *intent.Result, needs []string, text string) *intent.Result {
	res := *pending
	res.Entities = make(map[string]any, len(pending.Entities)+1)
	for k, v := range pending.Entities {
		res.Entities[k] = v
	}
	if len(needs) == 0 {
		needs = pending.ContextNeeded
	}
	if len(needs) > 0 {
		switch needs[0] {
		case intent.NeedFeatureName, intent.NeedTargetFeature:
			res.Entities[intent.EntityFeatureName] = text
		case intent.NeedDescription:
			res.Entities[intent.EntityDescription] = text
			if res.Category == intent.CategoryExecution {
				res.Entities[intent.EntityTaskDescription] = text
			}
		default:
			res.Entities[needs[0]] = text
		}
		needs = needs[1:]
	}
	res.ContextNeeded = append([]string(nil), needs...)
	res.RequiresConfirmation = len(res.ContextNeeded) > 0
	return &res
}

// needsFor maps planner questions back to the entities they ask for.
func needsFor(questions []string) []string {
	var out []string
	for _, q := range questions {
		for need, text := range planner.ClarificationQuestions {
			if text == q {
				out = append(out, need)
			}
		}
	}
	return out
}

func (o *Orchestrator) handlePlanning(ctx context.Context, c *conversation, text string, res *intent.Result) *Result {
	c.update(func(s *Session) { s.PlannerActive = true })
	o.notify(ctx, c, "planning", nil)

	s := c.snapshot()
	pr, err := o.deps.Planning.HandleMessage(ctx, planner.Request{
		ProjectID: s.ProjectID,
		UserID:    s.UserID,
		Message:   text,
		Intent:    res,
	})
	if err != nil {
		o.logger.Error("❌ Planning failed for %s: %v", s.SessionID, err)
		return failure(fmt.Sprintf("Planning failed: %v", err))
	}
	c.update(func(s *Session) { s.LastPlannerResult = pr })

	switch pr.Type {
	case planner.ResultClarification:
		c.update(func(s *Session) {
			s.AwaitingResponse = true
			s.AwaitingType = AwaitPlanningClarification
			s.PendingIntent = res
			s.PendingNeeds = needsFor(pr.Questions)
		})
		return &Result{
			Type:      ResultClarification,
			Success:   true,
			Message:   pr.Message,
			Questions: pr.Questions,
			Planning:  pr,
		}
	case planner.ResultDelegate:
		return o.handoff(ctx, c, pr)
	}
	return &Result{
		Type:     ResultPlanning,
		Success:  pr.Success,
		Message:  pr.Message,
		Planning: pr,
		Next:     pr.Next,
	}
}

// handoff starts an execution session for the goal the planner delegated.
func (o *Orchestrator) handoff(ctx context.Context, c *conversation, pr *planner.Result) *Result {
	goal := handoffGoal(pr.SuggestedAction, pr.Entities)
	o.notify(ctx, c, "handoff", map[string]any{"target": "executor", "goal": truncate(goal, 50)})
	out := o.startExecution(ctx, c, goal, pr.PlanningContext)
	out.Planning = pr
	if out.Success && pr.Message != "" {
		out.Message = pr.Message + " " + out.Message
	}
	return out
}

// handoffGoal picks the goal text for an execution started from planning.
func handoffGoal(suggested string, entities map[string]any) string {
	if suggested = strings.TrimSpace(suggested); suggested != "" {
		return suggested
	}
	if name, _ := entities[intent.EntityFeatureName].(string); strings.TrimSpace(name) != "" {
		return "Implement feature: " + strings.TrimSpace(name)
	}
	if desc, _ := entities[intent.EntityTaskDescription].(string); strings.TrimSpace(desc) != "" {
		return strings.TrimSpace(desc)
	}
	return "Execute pending tasks"
}

func (o *Orchestrator) handleExecution(ctx context.Context, c *conversation, text string, res *intent.Result, recalled []engine.MemoryItem) *Result {
	s := c.snapshot()
	planningCtx := o.deps.Planning.PlanningContext(s.ProjectID)
	if len(recalled) > 0 {
		planningCtx["memory"] = recalled
	}
	goal := res.Entity(intent.EntityTaskDescription)
	if goal == "" {
		goal = text
	}
	return o.startExecution(ctx, c, goal, planningCtx)
}

// startExecution starts a new execution session unless the conversation already drives a live one.
func (o *Orchestrator) startExecution(ctx context.Context, c *conversation, goal string, planningCtx map[string]any) *Result {
	s := c.snapshot()
	if s.ExecutionSessionID != "" {
		if st, err := o.deps.Executor.GetStatus(s.ExecutionSessionID); err == nil && !st.State.IsTerminal() {
			return &Result{
				Type:               ResultError,
				Message:            fmt.Sprintf("Execution %s is still %s. Pause or stop it before starting new work.", s.ExecutionSessionID, st.State),
				ExecutionSessionID: s.ExecutionSessionID,
				Executor:           st,
			}
		}
	}

	// The id is bound before starting so the listener recognizes events emitted during Start.
	execID := uuid.NewString()
	c.update(func(st *Session) {
		st.ExecutionSessionID = execID
		st.ExecutorActive = true
	})

	o.notify(ctx, c, "preparing_execution", map[string]any{"goal": truncate(goal, 50)})
	ec, err := o.deps.Executor.StartSession(ctx, registry.StartRequest{
		SessionID: execID,
		ProjectID: s.ProjectID,
		UserID:    s.UserID,
		Goal:      goal,
		Channel:   s.Channel,
		Autonomy:  s.Autonomy,
		Listener:  o.executorListener(c),
	})
	if err != nil {
		c.update(func(st *Session) {
			st.ExecutionSessionID = s.ExecutionSessionID
			st.ExecutorActive = s.ExecutorActive
		})
		o.logger.Error("❌ Failed to start execution for %s: %v", s.SessionID, err)
		return failure(fmt.Sprintf("Failed to start execution: %v", err))
	}

	if planningCtx != nil {
		c.update(func(st *Session) { st.Context["planning_context"] = planningCtx })
	}
	o.logger.Info("🚀 Conversation %s handed off to execution %s: %s", s.SessionID, ec.SessionID, goal)
	return &Result{
		Type:               ResultExecutionStarted,
		Success:            true,
		Message:            "Started autonomous execution for: " + goal,
		ExecutionSessionID: ec.SessionID,
		Goal:               goal,
		State:              ec.State,
	}
}

// executorListener keeps the conversation in step with its execution session and reports
// planner-originated tasks back to the planner.
func (o *Orchestrator) executorListener(c *conversation) engine.Listener {
	return engine.ListenerFuncs{
		StatusChange: func(ev engine.StatusEvent) {
			c.update(func(s *Session) {
				if s.ExecutionSessionID != ev.SessionID {
					return
				}
				s.LastExecutorResult = map[string]any{"event": ev.Event, "state": string(ev.State), "details": ev.Details}
				if ev.State.IsTerminal() {
					s.ExecutorActive = false
					if s.AwaitingType == AwaitExecutorInput {
						s.AwaitingResponse = false
						s.AwaitingType = ""
					}
				}
			})
		},
		ActionComplete: func(ev engine.ActionEvent) {
			if ev.TaskID == "" {
				return
			}
			projectID := c.snapshot().ProjectID
			var upd *planner.TaskUpdate
			switch ev.Status {
			case engine.ActionCompleted:
				upd = o.deps.Planning.ReportTaskCompletion(context.Background(), projectID, ev.TaskID, ev.Description)
			case engine.ActionFailed:
				upd = o.deps.Planning.ReportTaskFailure(context.Background(), projectID, ev.TaskID, ev.Description, ev.Error)
			default:
				return
			}
			if upd != nil && upd.Suggestion != nil {
				o.notify(context.Background(), c, "task_reported", map[string]any{
					"task_id":   ev.TaskID,
					"completed": upd.Completed,
					"next_step": upd.Suggestion.Message,
				})
			}
		},
		UserInputNeeded: func(req engine.InputRequest) {
			c.update(func(s *Session) {
				if s.ExecutionSessionID != req.SessionID {
					return
				}
				s.AwaitingResponse = true
				s.AwaitingType = AwaitExecutorInput
			})
		},
	}
}

//nolint:gochecknoglobals // closed set
var affirmatives = map[string]bool{
	"y": true, "yes": true, "ok": true, "okay": true, "sure": true, "approve": true,
	"approved": true, "confirm": true, "proceed": true, "go": true, "go ahead": true, "do it": true,
}

// affirmative reports whether text approves a confirmation request.
func affirmative(text string) bool {
	t := strings.Trim(strings.ToLower(strings.TrimSpace(text)), ".!")
	if affirmatives[t] {
		return true
	}
	return strings.HasPrefix(t, "yes ") || strings.HasPrefix(t, "yes,")
}
