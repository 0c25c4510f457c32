package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Completion and stop reasons.
const (
	ReasonGoalAchieved     = "goal achieved"
	ReasonMaxIterations    = "max iterations reached"
	ReasonPlanExhausted    = "plan exhausted"
	ReasonContextCancelled = "context cancelled"
)

func (e *Engine) runLoop(ctx context.Context, done chan struct{}) (err error) {
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		close(done)
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execution loop panic: %v", r)
			e.fail(ctx, err)
		}
	}()

	for {
		if !e.awaitRunnable(ctx) {
			return nil
		}
		iteration, ok := e.nextIteration()
		if !ok {
			e.complete(ctx, ReasonMaxIterations)
			return nil
		}
		e.iterate(ctx, iteration)
		if e.State().IsTerminal() {
			return nil
		}
		e.sleep(ctx, e.cfg.LoopDelay)
	}
}

// awaitRunnable blocks while paused. It returns false once the session is terminal or ctx ends.
// A paused session whose ctx ends stays paused so it can be restored.
func (e *Engine) awaitRunnable(ctx context.Context) bool {
	for {
		state := e.State()
		if state.IsTerminal() {
			return false
		}
		if ctx.Err() != nil && state == StatePaused {
			e.logger.Info("⏸️ Session %s left paused: %v", e.SessionID(), ctx.Err())
			return false
		}
		if ctx.Err() != nil {
			if err := e.Stop(ReasonContextCancelled); err != nil {
				e.logger.Debug("stop after cancellation: %v", err)
			}
			return false
		}
		if state != StatePaused {
			return true
		}
		e.sleep(ctx, e.cfg.PausePoll)
	}
}

func (e *Engine) nextIteration() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ec.Iteration >= e.ec.MaxIterations {
		return e.ec.Iteration, false
	}
	e.ec.Iteration++
	e.ec.LastActivity = time.Now()
	return e.ec.Iteration, true
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-e.stopChan():
	}
}

func (e *Engine) stopChan() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopCh
}

// active reports whether the loop may keep working this iteration.
func (e *Engine) active() bool {
	s := e.State()
	return s != StatePaused && !s.IsTerminal()
}

func (e *Engine) iterate(ctx context.Context, iteration int) {
	sessionID := e.SessionID()
	ctx, span := e.tracer.Start(ctx, "engine.iteration", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("iteration", iteration),
	))
	defer span.End()
	start := time.Now()
	defer func() { e.recorder.ObserveIteration(time.Since(start)) }()

	e.assess(ctx, iteration)
	if !e.active() {
		return
	}

	if e.pendingCount() == 0 {
		if !e.shouldContinue(ctx) {
			e.complete(ctx, ReasonGoalAchieved)
			return
		}
		if e.planNextActions(ctx) == 0 {
			// Every task of the current plan is done; ask for a fresh one before giving up.
			e.clearPlan()
			if e.planNextActions(ctx) == 0 {
				e.complete(ctx, ReasonPlanExhausted)
				return
			}
		}
	}
	if !e.active() {
		return
	}

	e.executeNext(ctx)

	if iteration%e.cfg.CheckpointInterval == 0 && !e.State().IsTerminal() {
		e.checkpoint(ctx)
	}
}

func (e *Engine) pendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ec.Pending)
}

func (e *Engine) clearPlan() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ec.Plan = nil
}

// assess refreshes the memory context. Memory failures never abort the loop.
func (e *Engine) assess(ctx context.Context, iteration int) {
	e.mu.Lock()
	changed := e.ec.State != StatePlanning && e.setPhaseLocked(StatePlanning)
	projectID, goal := e.ec.ProjectID, e.ec.Goal
	e.mu.Unlock()
	if changed {
		e.notifyStatus(EventPlanning, map[string]any{"iteration": iteration})
	}

	mc, err := e.memory.GetContext(ctx, projectID, goal, e.cfg.MemoryContextLimit)
	if err != nil || mc == nil {
		e.logger.Warn("⚠️ Memory context unavailable for session %s: %v", e.SessionID(), err)
		mc = &MemoryContext{}
	}

	e.mu.Lock()
	e.ec.MemoryContext = map[string]any{
		"actions":  mc.Actions,
		"patterns": mc.Patterns,
		"project":  mc.Project,
	}
	e.mu.Unlock()
}

func (e *Engine) planningContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.PlanningTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.PlanningTimeout)
	}
	return context.WithCancel(ctx)
}

// shouldContinue asks the planner whether the goal is met. Assessment failures keep the loop going.
func (e *Engine) shouldContinue(ctx context.Context) bool {
	e.mu.Lock()
	goal, projectID := e.ec.Goal, e.ec.ProjectID
	completed := make([]string, 0, len(e.ec.Completed))
	for _, a := range e.ec.Completed {
		if a.Status == ActionCompleted {
			completed = append(completed, a.Description)
		}
	}
	e.mu.Unlock()

	if strings.TrimSpace(goal) == "" {
		return false
	}
	if len(completed) == 0 {
		return true
	}

	pctx, cancel := e.planningContext(ctx)
	defer cancel()
	assessment, err := e.planner.AssessCompletion(pctx, projectID, goal, completed)
	if err != nil || assessment == nil {
		e.logger.Warn("⚠️ Completion assessment failed, continuing: %v", err)
		return true
	}
	e.logger.Debug("Goal %.0f%% complete", assessment.CompletionPercentage)
	return !assessment.GoalComplete
}

// planNextActions materializes the plan's remaining tasks, highest priority first, and returns
// how many were queued. A planner failure queues a single analyze action for the raw goal.
func (e *Engine) planNextActions(ctx context.Context) int {
	ctx, span := e.tracer.Start(ctx, "engine.plan")
	defer span.End()

	e.mu.Lock()
	hasPlan := e.ec.Plan != nil
	goal, projectID := e.ec.Goal, e.ec.ProjectID
	memoryContext := copyMap(e.ec.MemoryContext)
	e.mu.Unlock()

	if !hasPlan {
		pctx, cancel := e.planningContext(ctx)
		plan, err := e.planner.CreatePlan(pctx, PlanRequest{ProjectID: projectID, Goal: goal, Context: memoryContext})
		cancel()
		if err == nil && plan == nil {
			err = errors.New("planner returned no plan")
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "plan creation failed")
			e.logger.Warn("⚠️ Plan creation failed, falling back to analysis: %v", err)
			fallback := newAction(KindAnalyze, "Analyze how to: "+goal, MaxPriority, false,
				map[string]any{"goal": goal, "fallback": true})
			e.mu.Lock()
			e.ec.Pending = append(e.ec.Pending, fallback)
			e.mu.Unlock()
			return 1
		}
		e.installPlan(plan)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ec.Plan == nil {
		return 0
	}
	seen := make(map[string]bool, len(e.ec.Completed)+len(e.ec.Failed)+len(e.ec.Pending))
	for _, queue := range [][]*Action{e.ec.Completed, e.ec.Failed, e.ec.Pending} {
		for _, a := range queue {
			if a.TaskID != "" {
				seen[a.TaskID] = true
			}
		}
	}
	if e.ec.Current != nil && e.ec.Current.TaskID != "" {
		seen[e.ec.Current.TaskID] = true
	}

	added := make([]*Action, 0, len(e.ec.Plan.Tasks))
	for i := range e.ec.Plan.Tasks {
		task := &e.ec.Plan.Tasks[i]
		if seen[task.ID] {
			continue
		}
		added = append(added, actionFromTask(task))
	}
	sort.SliceStable(added, func(i, j int) bool { return added[i].Priority > added[j].Priority })
	e.ec.Pending = append(e.ec.Pending, added...)

	span.SetAttributes(attribute.Int("actions.planned", len(added)))
	if len(added) > 0 {
		e.logger.Info("📋 Planned %d actions for session %s", len(added), e.ec.SessionID)
	}
	return len(added)
}

// installPlan stores plan, assigning ids to tasks that lack one.
func (e *Engine) installPlan(plan *Plan) {
	p := plan.clone()
	for i := range p.Tasks {
		if p.Tasks[i].ID == "" {
			p.Tasks[i].ID = uuid.New().String()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ec.Plan = p
}

func newAction(kind ActionKind, description string, priority int, confirm bool, input map[string]any) *Action {
	if input == nil {
		input = map[string]any{}
	}
	return &Action{
		ID:                   uuid.New().String(),
		Kind:                 kind,
		Description:          description,
		Priority:             ClampPriority(priority),
		RequiresConfirmation: confirm,
		Input:                input,
		Status:               ActionPending,
	}
}

func actionFromTask(t *Task) *Action {
	description := t.Description
	if description == "" {
		description = t.Title
	}
	input := copyMap(t.Input)
	if input == nil {
		input = map[string]any{}
	}
	input["task_id"] = t.ID
	if t.Title != "" {
		input["title"] = t.Title
	}
	a := newAction(ParseActionKind(t.Type), description, t.Priority, t.RequiresConfirmation, input)
	a.TaskID = t.ID
	return a
}

// skip records a denied action. Skipped actions produce no completion event.
func (e *Engine) skip(action *Action, started time.Time) {
	e.mu.Lock()
	finished := time.Now()
	action.Status = ActionSkipped
	action.CompletedAt = &finished
	e.ec.Completed = append(e.ec.Completed, action)
	e.ec.Current = nil
	kind, description := action.Kind, action.Description
	e.mu.Unlock()
	e.recorder.ObserveAction(kind, ActionSkipped, finished.Sub(started))
	e.logger.Info("⏭️ Skipped %s action (not approved): %s", kind, description)
}

// requeue puts an action whose input wait was interrupted back at the head of the queue, as
// a checkpoint taken during the wait already records it.
func (e *Engine) requeue(action *Action) {
	e.mu.Lock()
	action.Status = ActionPending
	action.StartedAt = nil
	e.ec.Current = nil
	e.ec.Pending = append([]*Action{action}, e.ec.Pending...)
	e.mu.Unlock()
	e.logger.Info("↩️ %s action returned to the queue: %s", action.Kind, action.Description)
}

// executeNext pops and runs the head of the pending queue.
func (e *Engine) executeNext(ctx context.Context) {
	e.mu.Lock()
	if len(e.ec.Pending) == 0 {
		e.mu.Unlock()
		return
	}
	action := e.ec.Pending[0]
	e.ec.Pending = e.ec.Pending[1:]
	started := time.Now()
	action.Status = ActionRunning
	action.StartedAt = &started
	e.ec.Current = action
	e.ec.LastActivity = started
	e.setPhaseLocked(StateExecuting)
	iteration := e.ec.Iteration
	sessionID := e.ec.SessionID
	gated := action.RequiresConfirmation || e.confirmSet[action.Kind]
	work := action.clone()
	e.mu.Unlock()

	e.notifyStatus(EventExecutingAction, map[string]any{
		"action_id":   work.ID,
		"action_type": string(work.Kind),
		"description": work.Description,
		"iteration":   iteration,
	})

	ctx, span := e.tracer.Start(ctx, "engine.action", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("action.kind", string(work.Kind)),
		attribute.String("action.id", work.ID),
	))
	defer span.End()

	if gated {
		approved, err := e.confirm(ctx, work)
		if err != nil {
			e.requeue(action)
			return
		}
		if !approved {
			e.skip(action, started)
			return
		}
	}

	output, err := e.dispatch(ctx, work)
	if errors.Is(err, errInputInterrupted) {
		e.requeue(action)
		return
	}

	e.mu.Lock()
	finished := time.Now()
	e.ec.Current = nil
	e.ec.LastActivity = finished
	retried := false
	if err != nil {
		action.Error = err.Error()
		if e.cfg.AutoRetry && action.RetryCount() < e.cfg.MaxRetries {
			if action.Input == nil {
				action.Input = map[string]any{}
			}
			action.Input[RetryCountKey] = action.RetryCount() + 1
			action.Status = ActionPending
			action.StartedAt = nil
			e.ec.Pending = append([]*Action{action}, e.ec.Pending...)
			retried = true
		} else {
			action.Status = ActionFailed
			action.CompletedAt = &finished
			action.Output = map[string]any{"error": err.Error()}
			e.ec.Failed = append(e.ec.Failed, action)
		}
	} else {
		if output == nil {
			output = map[string]any{}
		}
		action.Status = ActionCompleted
		action.Output = output
		action.CompletedAt = &finished
		action.Error = ""
		e.ec.Completed = append(e.ec.Completed, action)
	}
	result := action.clone()
	goal, projectID := e.ec.Goal, e.ec.ProjectID
	e.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if retried {
		e.recorder.ObserveRetry(result.Kind)
		e.logger.Warn("🔄 %s action failed, retrying (%d/%d): %v",
			result.Kind, result.RetryCount(), e.cfg.MaxRetries, err)
		return
	}

	e.recorder.ObserveAction(result.Kind, result.Status, finished.Sub(started))
	if result.Status == ActionFailed {
		e.logger.Error("❌ %s action failed: %v", result.Kind, err)
	} else {
		e.logger.Info("✅ %s action completed: %s", result.Kind, result.Description)
	}

	e.rememberAction(ctx, projectID, goal, sessionID, iteration, result)
	e.listener.OnActionComplete(ActionEvent{
		SessionID:   sessionID,
		ActionID:    result.ID,
		TaskID:      result.TaskID,
		Kind:        result.Kind,
		Description: result.Description,
		Status:      result.Status,
		Output:      result.Output,
		Error:       result.Error,
		Iteration:   iteration,
		Timestamp:   finished,
	})
}

// rememberAction stores the action outcome in memory. Failures are logged and dropped.
func (e *Engine) rememberAction(ctx context.Context, projectID, goal, sessionID string, iteration int, a *Action) {
	content := map[string]any{
		"type":        "autonomous_action",
		"action_type": string(a.Kind),
		"description": a.Description,
		"result":      a.Output,
		"goal":        goal,
	}
	metadata := map[string]any{
		"session_id": sessionID,
		"iteration":  iteration,
		"status":     string(a.Status),
	}
	if _, err := e.memory.Store(ctx, projectID, content, metadata); err != nil {
		e.logger.Warn("⚠️ Failed to store action memory: %v", err)
	}
}

// checkpoint snapshots the context and stores it. Store failures are logged.
func (e *Engine) checkpoint(ctx context.Context) {
	e.mu.Lock()
	if e.ec == nil {
		e.mu.Unlock()
		return
	}
	cp := e.buildCheckpointLocked()
	e.mu.Unlock()

	if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
		e.logger.Error("❌ Failed to save checkpoint for session %s: %v", cp.SessionID, err)
		return
	}

	e.mu.Lock()
	e.ec.Checkpoints = append(e.ec.Checkpoints, cp)
	e.mu.Unlock()

	e.recorder.ObserveCheckpoint()
	e.logger.Debug("💾 Checkpoint %s at iteration %d", cp.ID, cp.Iteration)
	e.notifyStatus(EventCheckpoint, map[string]any{"checkpoint_id": cp.ID, "iteration": cp.Iteration})
}

// buildCheckpointLocked captures the context. An in-flight action is recorded as pending.
func (e *Engine) buildCheckpointLocked() *Checkpoint {
	ec := e.ec
	pending := cloneActions(ec.Pending)
	if ec.Current != nil {
		pending = append([]*Action{ec.Current.clone()}, pending...)
	}
	completed := cloneActions(ec.Completed)
	failed := cloneActions(ec.Failed)

	skipped := 0
	for _, a := range completed {
		if a.Status == ActionSkipped {
			skipped++
		}
	}

	return &Checkpoint{
		ID:                 uuid.New().String(),
		SessionID:          ec.SessionID,
		Iteration:          ec.Iteration,
		State:              ec.State,
		Goal:               ec.Goal,
		CompletedActionIDs: actionIDs(completed),
		PendingActionIDs:   actionIDs(pending),
		Snapshot: Snapshot{
			ProjectID:     ec.ProjectID,
			UserID:        ec.UserID,
			Plan:          ec.Plan.clone(),
			MemoryContext: copyMap(ec.MemoryContext),
			Stats: Stats{
				TotalActions:     len(pending) + len(completed) + len(failed),
				CompletedActions: len(completed) - skipped,
				FailedActions:    len(failed),
				PendingActions:   len(pending),
				SkippedActions:   skipped,
			},
			Pending:          pending,
			Completed:        completed,
			Failed:           failed,
			PauseReason:      ec.PauseReason,
			StopReason:       ec.StopReason,
			CompletionReason: ec.CompletionReason,
		},
		CreatedAt: time.Now(),
	}
}

func (e *Engine) complete(ctx context.Context, reason string) {
	e.finish(ctx, StateCompleted, EventCompleted, reason)
}

func (e *Engine) fail(ctx context.Context, err error) {
	e.finish(ctx, StateFailed, EventFailed, err.Error())
}

// finish moves the session to a terminal state, checkpoints and notifies. It is a no-op
// when the session is already terminal.
func (e *Engine) finish(ctx context.Context, to State, event, reason string) {
	e.mu.Lock()
	if e.ec == nil || e.ec.State.IsTerminal() {
		e.mu.Unlock()
		return
	}
	from := e.ec.State
	e.ec.State = to
	e.ec.CompletionReason = reason
	e.ec.WaitingFor = nil
	e.ec.LastActivity = time.Now()
	details := map[string]any{
		"reason":         reason,
		"total_actions":  len(e.ec.Completed),
		"failed_actions": len(e.ec.Failed),
		"iterations":     e.ec.Iteration,
	}
	sessionID := e.ec.SessionID
	e.mu.Unlock()

	e.recorder.ObserveStateChange(from, to)
	if to == StateFailed {
		e.logger.Error("❌ Session %s failed: %s", sessionID, reason)
	} else {
		e.logger.Info("🏁 Session %s %s: %s", sessionID, to, reason)
	}
	e.checkpoint(context.WithoutCancel(ctx))
	e.notifyStatus(event, details)
}
