// Package planner provides the planning collaborators: an LLM-backed planner that decomposes
// goals and performs the planning side of each action kind, a YAML plan-file planner for
// offline runs, and the feature book the orchestrator routes planning intents to.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"autopilot/pkg/engine"
	"autopilot/pkg/llm"
	"autopilot/pkg/logx"
	"autopilot/pkg/templates"
)

// ErrNoClient is returned when an LLM planner is built without a client.
var ErrNoClient = errors.New("llm client is required")

const (
	defaultPlanTokens   = 4096
	defaultAssessTokens = 1024
	defaultTaskTokens   = 4096
	defaultMaxTasks     = 20
	// Prompt sections beyond this are cut before rendering.
	defaultMaxInputTokens = 6000
)

// LLMPlanner implements engine.Planner on top of an LLM client.
type LLMPlanner struct {
	client         llm.LLMClient
	renderer       *templates.Renderer
	counter        *llm.TokenCounter
	tracer         trace.Tracer
	logger         *logx.Logger
	maxTasks       int
	maxInputTokens int
}

// Option configures an LLMPlanner.
type Option func(*LLMPlanner)

// WithMaxTasks caps the number of tasks kept from one plan.
func WithMaxTasks(n int) Option {
	return func(p *LLMPlanner) {
		if n > 0 {
			p.maxTasks = n
		}
	}
}

// WithMaxInputTokens bounds the goal and description text placed in prompts.
func WithMaxInputTokens(n int) Option {
	return func(p *LLMPlanner) {
		if n > 0 {
			p.maxInputTokens = n
		}
	}
}

// WithTokenCounter overrides the counter used for prompt truncation.
func WithTokenCounter(tc *llm.TokenCounter) Option {
	return func(p *LLMPlanner) { p.counter = tc }
}

// WithTracer overrides the tracer used for planning spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *LLMPlanner) { p.tracer = t }
}

// NewLLMPlanner creates a planner backed by client.
func NewLLMPlanner(client llm.LLMClient, opts ...Option) (*LLMPlanner, error) {
	if client == nil {
		return nil, ErrNoClient
	}
	renderer, err := templates.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt templates: %w", err)
	}
	p := &LLMPlanner{
		client:         client,
		renderer:       renderer,
		tracer:         otel.Tracer("autopilot/planner"),
		logger:         logx.NewLogger("planner"),
		maxTasks:       defaultMaxTasks,
		maxInputTokens: defaultMaxInputTokens,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.counter == nil {
		if tc, tcErr := llm.NewTokenCounter(); tcErr == nil {
			p.counter = tc
		} else {
			p.logger.Warn("⚠️ Token counter unavailable, using estimates: %v", tcErr)
		}
	}
	return p, nil
}

type planResponse struct {
	Goal              string        `json:"goal"`
	Tasks             []engine.Task `json:"tasks"`
	EstimatedDuration string        `json:"estimated_duration"`
	SuccessCriteria   []string      `json:"success_criteria"`
}

// CreatePlan asks the model to decompose req.Goal into tasks.
func (p *LLMPlanner) CreatePlan(ctx context.Context, req engine.PlanRequest) (*engine.Plan, error) {
	kinds := make([]string, 0, len(engine.AllKinds))
	for _, k := range engine.AllKinds {
		if k != engine.KindDeploy {
			kinds = append(kinds, string(k))
		}
	}
	data := &templates.TemplateData{
		ProjectID:   req.ProjectID,
		Goal:        p.truncate(req.Goal),
		Context:     req.Context,
		ActionKinds: kinds,
	}

	content, err := p.complete(ctx, "planner.create_plan", templates.CreatePlanTemplate, data,
		llm.TemperatureDefault, defaultPlanTokens, true)
	if err != nil {
		return nil, err
	}

	var parsed planResponse
	if err := llm.DecodeJSON(content, &parsed); err != nil {
		return nil, fmt.Errorf("malformed plan: %w", err)
	}
	tasks := normalizeTasks(parsed.Tasks, p.maxTasks)
	if len(tasks) == 0 {
		return nil, errors.New("plan contains no tasks")
	}

	plan := &engine.Plan{
		Goal:  req.Goal,
		Tasks: tasks,
		Metadata: map[string]any{
			"model":      p.client.GetModelName(),
			"created_at": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if parsed.EstimatedDuration != "" {
		plan.Metadata["estimated_duration"] = parsed.EstimatedDuration
	}
	if len(parsed.SuccessCriteria) > 0 {
		plan.Metadata["success_criteria"] = parsed.SuccessCriteria
	}
	p.logger.Info("📋 Planned %d tasks for goal: %s", len(tasks), llm.SanitizePrompt(req.Goal, 200))
	return plan, nil
}

// AssessCompletion asks the model whether completed satisfies goal. With nothing completed
// the goal is reported incomplete without a model call.
func (p *LLMPlanner) AssessCompletion(ctx context.Context, projectID, goal string, completed []string) (*engine.Assessment, error) {
	if len(completed) == 0 {
		return &engine.Assessment{GoalComplete: false}, nil
	}
	data := &templates.TemplateData{
		ProjectID: projectID,
		Goal:      p.truncate(goal),
		Completed: completed,
	}
	content, err := p.complete(ctx, "planner.assess_completion", templates.AssessCompletionTemplate, data,
		llm.TemperatureDeterministic, defaultAssessTokens, true)
	if err != nil {
		return nil, err
	}

	var a engine.Assessment
	if err := llm.DecodeJSON(content, &a); err != nil {
		return nil, fmt.Errorf("malformed assessment: %w", err)
	}
	a.CompletionPercentage = min(max(a.CompletionPercentage, 0), 100)
	if a.GoalComplete {
		a.CompletionPercentage = 100
	}
	return &a, nil
}

// complete renders the system and task prompts and returns the model's text.
func (p *LLMPlanner) complete(ctx context.Context, spanName string, tmpl templates.PromptTemplate,
	data *templates.TemplateData, temperature float32, maxTokens int, jsonMode bool,
) (string, error) {
	ctx, span := p.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("planner.template", string(tmpl)),
		attribute.String("planner.project_id", data.ProjectID),
	))
	defer span.End()

	system, err := p.renderer.Render(templates.SystemTemplate, data)
	if err != nil {
		return "", err
	}
	user, err := p.renderer.Render(tmpl, data)
	if err != nil {
		return "", err
	}

	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(system),
		llm.NewUserMessage(user),
	})
	req.Temperature = temperature
	req.MaxTokens = maxTokens
	req.JSON = jsonMode

	resp, err := p.client.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return "", fmt.Errorf("%s: %w", spanName, err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		err := llm.NewError(llm.ErrorTypeEmptyResponse, "model returned no content")
		span.RecordError(err)
		span.SetStatus(codes.Error, "empty response")
		return "", fmt.Errorf("%s: %w", spanName, err)
	}
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
	)
	return resp.Content, nil
}

func (p *LLMPlanner) truncate(text string) string {
	if p.counter == nil {
		return text
	}
	return p.counter.TruncateToTokenLimit(text, p.maxInputTokens)
}

// normalizeTasks fills ids and titles, canonicalizes types, clamps priorities and drops
// tasks with nothing to do.
func normalizeTasks(in []engine.Task, limit int) []engine.Task {
	out := make([]engine.Task, 0, len(in))
	seen := make(map[string]bool, len(in))
	for i := range in {
		t := in[i]
		t.Title = strings.TrimSpace(t.Title)
		t.Description = strings.TrimSpace(t.Description)
		if t.Title == "" && t.Description == "" {
			continue
		}
		if t.Description == "" {
			t.Description = t.Title
		}
		if t.Title == "" {
			t.Title = t.Description
		}
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" || seen[t.ID] {
			t.ID = fmt.Sprintf("task_%d", i+1)
		}
		seen[t.ID] = true
		t.Type = string(engine.ParseActionKind(strings.ToLower(strings.TrimSpace(t.Type))))
		t.Priority = engine.ClampPriority(t.Priority)
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
