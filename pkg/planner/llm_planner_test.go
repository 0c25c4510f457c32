package planner

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/pkg/engine"
	"autopilot/pkg/llm"
)

// fakeLLM answers every completion with the next scripted reply and records requests.
type fakeLLM struct {
	mu       sync.Mutex
	replies  []string
	err      error
	requests []llm.CompletionRequest
}

func (f *fakeLLM) client() llm.LLMClient {
	return llm.WrapClient(func(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.requests = append(f.requests, req)
		if f.err != nil {
			return llm.CompletionResponse{}, f.err
		}
		if len(f.replies) == 0 {
			return llm.CompletionResponse{Content: ""}, nil
		}
		reply := f.replies[0]
		f.replies = f.replies[1:]
		return llm.CompletionResponse{Content: reply, Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
	}, func() string { return "fake-model" })
}

func (f *fakeLLM) lastUserPrompt(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	_, rest := llm.SplitSystem(f.requests[len(f.requests)-1].Messages)
	require.NotEmpty(t, rest)
	return rest[0].Content
}

func newTestPlanner(t *testing.T, f *fakeLLM) *LLMPlanner {
	t.Helper()
	p, err := NewLLMPlanner(f.client())
	require.NoError(t, err)
	return p
}

func TestNewLLMPlannerRequiresClient(t *testing.T) {
	_, err := NewLLMPlanner(nil)
	assert.ErrorIs(t, err, ErrNoClient)
}

func TestCreatePlanNormalizesTasks(t *testing.T) {
	f := &fakeLLM{replies: []string{"Here is the plan:\n```json\n" + `{
		"tasks": [
			{"id": "a", "type": "analyze", "title": "Inspect auth", "priority": 5},
			{"id": "a", "type": "code", "description": "Write the login handler", "priority": 42},
			{"type": "mystery", "title": "", "description": ""},
			{"type": "TESTS", "title": "Cover login", "priority": -3, "requires_confirmation": true}
		],
		"estimated_duration": "2h",
		"success_criteria": ["users can log in"]
	}` + "\n```"}}
	p := newTestPlanner(t, f)

	plan, err := p.CreatePlan(context.Background(), engine.PlanRequest{
		ProjectID: "proj",
		Goal:      "implement login",
		Context:   map[string]any{"language": "go"},
	})
	require.NoError(t, err)

	require.Len(t, plan.Tasks, 3)
	assert.Equal(t, "implement login", plan.Goal)

	assert.Equal(t, "a", plan.Tasks[0].ID)
	assert.Equal(t, "analyze", plan.Tasks[0].Type)
	assert.Equal(t, "Inspect auth", plan.Tasks[0].Description)

	assert.Equal(t, "task_2", plan.Tasks[1].ID, "duplicate ids are replaced")
	assert.Equal(t, "generate_code", plan.Tasks[1].Type)
	assert.Equal(t, "Write the login handler", plan.Tasks[1].Title)
	assert.Equal(t, engine.MaxPriority, plan.Tasks[1].Priority)

	assert.Equal(t, "test", plan.Tasks[2].Type)
	assert.Equal(t, engine.MinPriority, plan.Tasks[2].Priority)
	assert.True(t, plan.Tasks[2].RequiresConfirmation)

	assert.Equal(t, "fake-model", plan.Metadata["model"])
	assert.Equal(t, "2h", plan.Metadata["estimated_duration"])

	prompt := f.lastUserPrompt(t)
	assert.Contains(t, prompt, "implement login")
	assert.Contains(t, prompt, "- language: go")
	assert.NotContains(t, prompt, "deploy")
	assert.True(t, f.requests[0].JSON)
}

func TestCreatePlanErrors(t *testing.T) {
	tests := []struct {
		name string
		f    *fakeLLM
	}{
		{"client error", &fakeLLM{err: llm.NewError(llm.ErrorTypeAuth, "bad key")}},
		{"empty response", &fakeLLM{}},
		{"malformed json", &fakeLLM{replies: []string{"no json here"}}},
		{"no tasks", &fakeLLM{replies: []string{`{"tasks": []}`}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPlanner(t, tt.f)
			plan, err := p.CreatePlan(context.Background(), engine.PlanRequest{Goal: "x"})
			assert.Error(t, err)
			assert.Nil(t, plan)
		})
	}
}

func TestCreatePlanRespectsMaxTasks(t *testing.T) {
	f := &fakeLLM{replies: []string{`{"tasks": [
		{"title": "one"}, {"title": "two"}, {"title": "three"}
	]}`}}
	p, err := NewLLMPlanner(f.client(), WithMaxTasks(2))
	require.NoError(t, err)

	plan, err := p.CreatePlan(context.Background(), engine.PlanRequest{Goal: "x"})
	require.NoError(t, err)
	assert.Len(t, plan.Tasks, 2)
}

func TestAssessCompletion(t *testing.T) {
	t.Run("nothing completed skips the model", func(t *testing.T) {
		f := &fakeLLM{}
		p := newTestPlanner(t, f)
		a, err := p.AssessCompletion(context.Background(), "proj", "goal", nil)
		require.NoError(t, err)
		assert.False(t, a.GoalComplete)
		assert.Empty(t, f.requests)
	})

	t.Run("complete forces full percentage", func(t *testing.T) {
		f := &fakeLLM{replies: []string{`{"goal_complete": true, "completion_percentage": 80}`}}
		p := newTestPlanner(t, f)
		a, err := p.AssessCompletion(context.Background(), "proj", "goal", []string{"wrote code"})
		require.NoError(t, err)
		assert.True(t, a.GoalComplete)
		assert.InDelta(t, 100, a.CompletionPercentage, 0)
		assert.Contains(t, f.lastUserPrompt(t), "- wrote code")
	})

	t.Run("percentage is clamped", func(t *testing.T) {
		f := &fakeLLM{replies: []string{`{"goal_complete": false, "completion_percentage": 140, "remaining_tasks": ["tests"]}`}}
		p := newTestPlanner(t, f)
		a, err := p.AssessCompletion(context.Background(), "proj", "goal", []string{"wrote code"})
		require.NoError(t, err)
		assert.False(t, a.GoalComplete)
		assert.InDelta(t, 100, a.CompletionPercentage, 0)
		assert.Equal(t, []string{"tests"}, a.RemainingTasks)
	})

	t.Run("model failure is returned", func(t *testing.T) {
		p := newTestPlanner(t, &fakeLLM{err: errors.New("boom")})
		_, err := p.AssessCompletion(context.Background(), "proj", "goal", []string{"x"})
		assert.Error(t, err)
	})
}

func TestTaskHandlersKeyResultsByKind(t *testing.T) {
	tests := []struct {
		name       string
		call       func(*LLMPlanner, context.Context, engine.TaskRequest) (map[string]any, error)
		subjectKey string
		resultKey  string
	}{
		{"analyze", (*LLMPlanner).AnalyzeCodebase, "query", "analysis"},
		{"generate_code", (*LLMPlanner).GenerateCode, "task", "code"},
		{"refactor", (*LLMPlanner).SuggestRefactoring, "target", "suggestions"},
		{"test", (*LLMPlanner).RunTests, "target", "results"},
		{"debug", (*LLMPlanner).AnalyzeError, "error", "analysis"},
		{"document", (*LLMPlanner).GenerateDocumentation, "target", "documentation"},
		{"review", (*LLMPlanner).ReviewCode, "code", "review"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeLLM{replies: []string{"## Outcome\nLooks good.\n\nDetails follow."}}
			p := newTestPlanner(t, f)

			out, err := tt.call(p, context.Background(), engine.TaskRequest{
				ProjectID:   "proj",
				Goal:        "harden auth",
				Description: "check the session handler",
				Input:       map[string]any{engine.RetryCountKey: 1, "files": "auth.go"},
			})
			require.NoError(t, err)

			assert.Equal(t, "check the session handler", out[tt.subjectKey])
			assert.Contains(t, out[tt.resultKey], "Looks good.")
			assert.Equal(t, "Outcome", out["summary"])
			assert.Equal(t, "fake-model", out["model"])

			prompt := f.lastUserPrompt(t)
			assert.Contains(t, prompt, "# "+tt.name)
			assert.Contains(t, prompt, "- files: auth.go")
			assert.NotContains(t, prompt, engine.RetryCountKey)
			assert.False(t, f.requests[0].JSON)
		})
	}
}

func TestTaskHandlerPrefersExplicitSubject(t *testing.T) {
	f := &fakeLLM{replies: []string{"fixed"}}
	p := newTestPlanner(t, f)

	out, err := p.AnalyzeError(context.Background(), engine.TaskRequest{
		Description: "debug the crash",
		Input:       map[string]any{"error": "nil pointer dereference"},
	})
	require.NoError(t, err)
	assert.Equal(t, "nil pointer dereference", out["error"])
}

func TestTaskHandlerPropagatesFailure(t *testing.T) {
	p := newTestPlanner(t, &fakeLLM{err: llm.NewError(llm.ErrorTypeServiceUnavailable, "down")})
	_, err := p.GenerateCode(context.Background(), engine.TaskRequest{Description: "x"})
	require.Error(t, err)
	assert.True(t, llm.IsErrorType(err, llm.ErrorTypeServiceUnavailable))
}

func TestLLMPlannerSatisfiesEnginePlanner(_ *testing.T) {
	var _ engine.Planner = (*LLMPlanner)(nil)
	var _ engine.Planner = (*FilePlanner)(nil)
}
