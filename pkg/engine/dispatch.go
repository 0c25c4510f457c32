package engine

import (
	"context"
	"fmt"
)

// researchLimit bounds memory search results for research actions.
const researchLimit = 10

type taskFunc func(ctx context.Context, req TaskRequest) (map[string]any, error)

// buildHandlers resolves the kind → handler table once. Kinds without an entry, deploy
// included, use genericHandler.
func (e *Engine) buildHandlers() map[ActionKind]Handler {
	return map[ActionKind]Handler{
		KindAnalyze:      e.plannerHandler("analysis", e.planner.AnalyzeCodebase),
		KindGenerateCode: e.plannerHandler("code", e.planner.GenerateCode),
		KindRefactor:     e.plannerHandler("refactoring", e.planner.SuggestRefactoring),
		KindTest:         e.plannerHandler("test_results", e.planner.RunTests),
		KindDebug:        e.plannerHandler("debug_analysis", e.planner.AnalyzeError),
		KindDocument:     e.plannerHandler("documentation", e.planner.GenerateDocumentation),
		KindReview:       e.plannerHandler("review", e.planner.ReviewCode),
		KindResearch:     e.handleResearch,
		KindPlan:         e.handlePlan,
		KindCommunicate:  e.handleCommunicate,
	}
}

// dispatch runs the handler for a.Kind. A handler panic counts as an action failure.
func (e *Engine) dispatch(ctx context.Context, a *Action) (out map[string]any, err error) {
	h, ok := e.handlers[a.Kind]
	if !ok {
		h = genericHandler
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%s handler panicked: %v", a.Kind, r)
		}
	}()
	return h(ctx, a)
}

func genericHandler(_ context.Context, a *Action) (map[string]any, error) {
	return map[string]any{
		"status":  "completed",
		"message": "Completed: " + a.Description,
	}, nil
}

func (e *Engine) taskRequest(a *Action) TaskRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return TaskRequest{
		ProjectID:   e.ec.ProjectID,
		Goal:        e.ec.Goal,
		Description: a.Description,
		Input:       copyMap(a.Input),
		Context:     copyMap(e.ec.MemoryContext),
	}
}

func (e *Engine) plannerHandler(key string, fn taskFunc) Handler {
	return func(ctx context.Context, a *Action) (map[string]any, error) {
		res, err := fn(ctx, e.taskRequest(a))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.Kind, err)
		}
		return map[string]any{key: res}, nil
	}
}

func (e *Engine) handleResearch(ctx context.Context, a *Action) (map[string]any, error) {
	req := e.taskRequest(a)
	items, err := e.memory.Search(ctx, req.ProjectID, a.Description, researchLimit)
	if err != nil {
		return nil, fmt.Errorf("research: %w", err)
	}
	return map[string]any{"research_results": items, "query": a.Description}, nil
}

// handlePlan asks the planner for a new plan and installs it. Its tasks are queued once the
// current pending queue drains.
func (e *Engine) handlePlan(ctx context.Context, a *Action) (map[string]any, error) {
	req := e.taskRequest(a)
	if req.Context == nil {
		req.Context = map[string]any{}
	}
	req.Context["focus"] = a.Description

	pctx, cancel := e.planningContext(ctx)
	defer cancel()
	plan, err := e.planner.CreatePlan(pctx, PlanRequest{ProjectID: req.ProjectID, Goal: req.Goal, Context: req.Context})
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	if plan == nil {
		return nil, fmt.Errorf("plan: planner returned no plan")
	}
	e.installPlan(plan)
	return map[string]any{"plan": plan, "task_count": len(plan.Tasks)}, nil
}

// handleCommunicate asks the user a question. A timeout is an answer, not a failure.
func (e *Engine) handleCommunicate(ctx context.Context, a *Action) (map[string]any, error) {
	question, _ := a.Input["question"].(string)
	if question == "" {
		question = a.Description
	}
	resp, err := e.awaitInput(ctx, InputRequest{
		Type:     InputQuestion,
		ActionID: a.ID,
		Question: question,
		Action:   actionSummary(a),
	})
	if err != nil {
		return nil, err
	}
	out := map[string]any{"user_response": resp}
	if timedOut(resp) {
		out["timeout"] = true
	}
	return out, nil
}

func actionSummary(a *Action) map[string]any {
	return map[string]any{
		"id":          a.ID,
		"type":        string(a.Kind),
		"description": a.Description,
		"priority":    a.Priority,
	}
}
