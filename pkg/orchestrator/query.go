package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"autopilot/pkg/engine"
	"autopilot/pkg/intent"
	"autopilot/pkg/registry"
)

// handleQuery answers read-only questions. None of the responders start or touch an execution.
func (o *Orchestrator) handleQuery(ctx context.Context, c *conversation, text string, res *intent.Result, recalled []engine.MemoryItem) *Result {
	lower := strings.ToLower(text)
	switch {
	case res.Intent == intent.CheckStatus || strings.Contains(lower, "status") || strings.Contains(lower, "progress"):
		return o.statusResponse(c, recalled)
	case res.Intent == intent.GetSuggestions || (strings.Contains(lower, "what") && strings.Contains(lower, "next")):
		return o.suggestionsResponse(c)
	case res.Intent == intent.Explain:
		return o.explainResponse(c, recalled)
	}
	return &Result{
		Type:    ResultQuery,
		Success: true,
		Message: fmt.Sprintf("Found %d related items.", len(recalled)),
		Results: recalled,
		Context: map[string]any{"query": text, "entities": res.Entities},
	}
}

func (o *Orchestrator) statusResponse(c *conversation, recalled []engine.MemoryItem) *Result {
	s := c.snapshot()
	summary := o.deps.Planning.Status(s.ProjectID)

	var exec *registry.SessionStatus
	if s.ExecutionSessionID != "" {
		if st, err := o.deps.Executor.GetStatus(s.ExecutionSessionID); err == nil {
			exec = st
		}
	}

	var parts []string
	if exec != nil {
		parts = append(parts, fmt.Sprintf("Execution %s is %s: iteration %d/%d, %d completed, %d failed, %d pending.",
			exec.SessionID, exec.State, exec.Iteration, exec.MaxIterations,
			exec.CompletedActions, exec.FailedActions, exec.PendingActions))
	} else {
		parts = append(parts, "No active execution.")
	}
	if summary != nil && summary.TotalFeatures > 0 {
		parts = append(parts, fmt.Sprintf("%d of %d features complete (%.0f%%).",
			summary.CompletedFeatures, summary.TotalFeatures, summary.CompletionPercentage))
		if summary.ActiveFeature != nil {
			parts = append(parts, "Active feature: "+summary.ActiveFeature.Name+".")
		}
	}

	return &Result{
		Type:               ResultStatus,
		Success:            true,
		Message:            strings.Join(parts, " "),
		ExecutionSessionID: s.ExecutionSessionID,
		Summary:            summary,
		Executor:           exec,
		Results:            recalled,
		Context: map[string]any{
			"planner_active":  s.PlannerActive,
			"executor_active": exec != nil && !exec.State.IsTerminal(),
		},
	}
}

func (o *Orchestrator) suggestionsResponse(c *conversation) *Result {
	s := c.snapshot()
	features := o.deps.Planning.Suggestions(s.ProjectID, 3)
	next := o.deps.Planning.NextStep(s.ProjectID)

	msg := "No features are waiting. What would you like to build?"
	if len(features) > 0 {
		names := make([]string, 0, len(features))
		for _, f := range features {
			names = append(names, f.Name)
		}
		msg = "Next up: " + strings.Join(names, ", ") + "."
	}
	if next != nil {
		msg = next.Message + ". " + msg
	}
	return &Result{
		Type:        ResultSuggestions,
		Success:     true,
		Message:     msg,
		Suggestions: features,
		Next:        next,
		Context:     o.deps.Planning.PlanningContext(s.ProjectID),
	}
}

// explainResponse summarizes what the conversation is doing from its own state.
func (o *Orchestrator) explainResponse(c *conversation, recalled []engine.MemoryItem) *Result {
	s := c.snapshot()
	var parts []string
	if f := o.deps.Planning.ActiveFeature(s.ProjectID); f != nil {
		parts = append(parts, fmt.Sprintf("You are working on the feature %q (%s).", f.Name, f.Status))
	}
	if s.ExecutionSessionID != "" {
		if st, err := o.deps.Executor.GetStatus(s.ExecutionSessionID); err == nil {
			line := fmt.Sprintf("Execution %s is pursuing %q and is %s", st.SessionID, st.Goal, st.State)
			if st.CurrentAction != "" {
				line += ", currently: " + st.CurrentAction
			}
			parts = append(parts, line+".")
		}
	}
	if s.LastPlannerResult != nil && s.LastPlannerResult.Message != "" {
		parts = append(parts, "Last planning step: "+s.LastPlannerResult.Message)
	}
	if len(parts) == 0 {
		parts = append(parts, "Nothing is in progress yet.")
	}
	return &Result{
		Type:    ResultQuery,
		Success: true,
		Message: strings.Join(parts, " "),
		Results: recalled,
	}
}
