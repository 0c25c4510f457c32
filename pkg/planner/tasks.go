package planner

import (
	"context"
	"strings"
	"time"

	"autopilot/pkg/engine"
	"autopilot/pkg/llm"
	"autopilot/pkg/templates"
)

// taskSpec describes how one action kind is prompted and how its answer is keyed.
type taskSpec struct {
	kind         engine.ActionKind
	subjectKey   string
	resultKey    string
	instructions string
	temperature  float32
}

//nolint:gochecknoglobals // per-kind prompt table
var taskSpecs = map[engine.ActionKind]taskSpec{
	engine.KindAnalyze: {
		kind: engine.KindAnalyze, subjectKey: "query", resultKey: "analysis",
		temperature: llm.TemperatureDefault,
		instructions: "Provide an analysis covering the current state, relevant patterns or issues, " +
			"recommendations and next steps.",
	},
	engine.KindGenerateCode: {
		kind: engine.KindGenerateCode, subjectKey: "task", resultKey: "code",
		temperature: llm.TemperatureDeterministic,
		instructions: "Write production-ready code for the task. Include a suggested file path, " +
			"any new dependencies and a short usage example. Handle errors explicitly.",
	},
	engine.KindRefactor: {
		kind: engine.KindRefactor, subjectKey: "target", resultKey: "suggestions",
		temperature: llm.TemperatureDefault,
		instructions: "Identify the problems in the target and propose refactorings. " +
			"Show the refactored code where it helps and state the benefit of each change.",
	},
	engine.KindTest: {
		kind: engine.KindTest, subjectKey: "target", resultKey: "results",
		temperature: llm.TemperatureDeterministic,
		instructions: "Design the tests that verify the target. List each test case with its inputs " +
			"and expected outcome, then write the test code.",
	},
	engine.KindDebug: {
		kind: engine.KindDebug, subjectKey: "error", resultKey: "analysis",
		temperature: llm.TemperatureDeterministic,
		instructions: "Find the root cause of the error. Give step-by-step fix instructions, code fixes " +
			"where applicable and how to prevent it recurring.",
	},
	engine.KindDocument: {
		kind: engine.KindDocument, subjectKey: "target", resultKey: "documentation",
		temperature: llm.TemperatureDefault,
		instructions: "Write documentation for the target: purpose, usage examples, parameters, " +
			"return values and error handling.",
	},
	engine.KindReview: {
		kind: engine.KindReview, subjectKey: "code", resultKey: "review",
		temperature: llm.TemperatureDeterministic,
		instructions: "Review for correctness, readability, security and performance. " +
			"Give specific, actionable feedback ordered by severity.",
	},
}

// AnalyzeCodebase analyzes the codebase for the action description.
func (p *LLMPlanner) AnalyzeCodebase(ctx context.Context, req engine.TaskRequest) (map[string]any, error) {
	return p.runTask(ctx, taskSpecs[engine.KindAnalyze], req)
}

// GenerateCode produces code for the action description.
func (p *LLMPlanner) GenerateCode(ctx context.Context, req engine.TaskRequest) (map[string]any, error) {
	return p.runTask(ctx, taskSpecs[engine.KindGenerateCode], req)
}

// SuggestRefactoring proposes refactorings for the target in the action description.
func (p *LLMPlanner) SuggestRefactoring(ctx context.Context, req engine.TaskRequest) (map[string]any, error) {
	return p.runTask(ctx, taskSpecs[engine.KindRefactor], req)
}

// RunTests designs and writes tests for the target.
func (p *LLMPlanner) RunTests(ctx context.Context, req engine.TaskRequest) (map[string]any, error) {
	return p.runTask(ctx, taskSpecs[engine.KindTest], req)
}

// AnalyzeError diagnoses the error in the action description.
func (p *LLMPlanner) AnalyzeError(ctx context.Context, req engine.TaskRequest) (map[string]any, error) {
	return p.runTask(ctx, taskSpecs[engine.KindDebug], req)
}

// GenerateDocumentation documents the target.
func (p *LLMPlanner) GenerateDocumentation(ctx context.Context, req engine.TaskRequest) (map[string]any, error) {
	return p.runTask(ctx, taskSpecs[engine.KindDocument], req)
}

// ReviewCode reviews the code named or included in the action.
func (p *LLMPlanner) ReviewCode(ctx context.Context, req engine.TaskRequest) (map[string]any, error) {
	return p.runTask(ctx, taskSpecs[engine.KindReview], req)
}

func (p *LLMPlanner) runTask(ctx context.Context, spec taskSpec, req engine.TaskRequest) (map[string]any, error) {
	subject := subjectOf(spec, req)
	data := &templates.TemplateData{
		ProjectID:    req.ProjectID,
		Goal:         p.truncate(req.Goal),
		Description:  p.truncate(subject),
		Kind:         string(spec.kind),
		Instructions: spec.instructions,
		Input:        publicInput(req.Input),
		Context:      req.Context,
	}
	content, err := p.complete(ctx, "planner."+string(spec.kind), templates.TaskTemplate, data,
		spec.temperature, defaultTaskTokens, false)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		spec.subjectKey: subject,
		spec.resultKey:  strings.TrimSpace(content),
		"summary":       firstLine(content),
		"model":         p.client.GetModelName(),
		"generated_at":  time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// subjectOf prefers an explicit input value under the kind's subject key, then the description.
func subjectOf(spec taskSpec, req engine.TaskRequest) string {
	if v, ok := req.Input[spec.subjectKey].(string); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return req.Description
}

// publicInput drops reserved keys such as the retry counter.
func publicInput(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}

func firstLine(s string) string {
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "#*- "))
		if line != "" {
			return line
		}
	}
	return ""
}
