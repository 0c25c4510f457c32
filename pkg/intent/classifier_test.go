package intent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/pkg/llm"
)

// scriptedLLM answers every completion with reply (or err) and counts calls.
type scriptedLLM struct {
	reply string
	err   error
	mu    sync.Mutex
	calls int
	last  llm.CompletionRequest
}

func (s *scriptedLLM) client() llm.LLMClient {
	return llm.WrapClient(func(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.calls++
		s.last = req
		if s.err != nil {
			return llm.CompletionResponse{}, s.err
		}
		return llm.CompletionResponse{Content: s.reply}, nil
	}, func() string { return "scripted" })
}

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type intentObservation struct {
	intent, category, source string
}

type fakeRecorder struct {
	seen []intentObservation
}

func (f *fakeRecorder) ObserveIntent(intent, category, source string, _ float64) {
	f.seen = append(f.seen, intentObservation{intent, category, source})
}

func TestHighConfidencePatternSkipsLLM(t *testing.T) {
	fake := &scriptedLLM{reply: `{"intent":"deploy","confidence":0.99}`}
	c := New(fake.client(), DefaultConfig())

	for _, msg := range []string{"pause", "what's the status?", "continue", "run the tests", "stop"} {
		res := c.Classify(context.Background(), msg, Context{})
		assert.GreaterOrEqual(t, res.Confidence, 0.8, msg)
		assert.Equal(t, SourcePattern, res.Source, msg)
	}
	assert.Equal(t, 0, fake.callCount())
}

func TestPatternClassification(t *testing.T) {
	c := New(nil, DefaultConfig())
	tests := []struct {
		msg      string
		want     Intent
		category Category
	}{
		{"pause", Pause, CategoryControl},
		{"resume", Resume, CategoryControl},
		{"stop", Stop, CategoryControl},
		{"cancel that", Cancel, CategoryControl},
		{"what's the status", CheckStatus, CategoryQuery},
		{"what's next?", GetSuggestions, CategoryQuery},
		{"continue", Continue, CategoryContinuation},
		{"next step", NextStep, CategoryContinuation},
		{"create a new feature called user auth", CreateFeature, CategoryPlanning},
		{"switch to billing", SwitchFeature, CategoryPlanning},
		{"refactor the parser", Refactor, CategoryExecution},
		{"run the tests", RunTests, CategoryExecution},
		{"deploy to production", Deploy, CategoryExecution},
		{"explain the retry logic", Explain, CategoryQuery},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			res := c.Classify(context.Background(), tt.msg, Context{})
			assert.Equal(t, tt.want, res.Intent)
			assert.Equal(t, tt.category, res.Category)
		})
	}
}

func TestPatternConfidenceFormula(t *testing.T) {
	res, ok := matchPatterns("pause")
	require.True(t, ok)
	assert.InDelta(t, 1.0, res.Confidence, 1e-9)

	// "refactor" covers 8 of 19 characters.
	res, ok = matchPatterns("refactor the parser")
	require.True(t, ok)
	assert.InDelta(t, 0.6+0.4*8.0/19.0, res.Confidence, 1e-9)

	_, ok = matchPatterns("   ")
	assert.False(t, ok)
	_, ok = matchPatterns("banana smoothie")
	assert.False(t, ok)
}

func TestLowConfidencePatternMergesLLMEntities(t *testing.T) {
	fake := &scriptedLLM{reply: "```json\n{\"intent\":\"generate_code\",\"confidence\":0.9,\"entities\":{\"task_description\":\"login flow\"}}\n```"}
	c := New(fake.client(), DefaultConfig())

	res := c.Classify(context.Background(), "can you fix the login flow we discussed yesterday", Context{})
	require.Equal(t, 1, fake.callCount())
	assert.Equal(t, FixBug, res.Intent, "pattern intent survives the merge")
	assert.Equal(t, SourceMerged, res.Source)
	assert.Equal(t, "login flow", res.Entity(EntityTaskDescription))
	assert.Less(t, res.Confidence, 0.8)
}

func TestNoPatternTakesLLMResult(t *testing.T) {
	fake := &scriptedLLM{reply: `{"intent":"create_feature","confidence":0.85,"entities":{"feature_name":"dark mode"}}`}
	c := New(fake.client(), DefaultConfig())

	res := c.Classify(context.Background(), "users keep asking for a night theme", Context{ProjectName: "web"})
	assert.Equal(t, CreateFeature, res.Intent)
	assert.Equal(t, SourceLLM, res.Source)
	assert.InDelta(t, 0.85, res.Confidence, 1e-9)
	assert.Equal(t, "dark mode", res.Entity(EntityFeatureName))
	assert.Empty(t, res.ContextNeeded)
	assert.Equal(t, "Create feature: dark mode", res.SuggestedAction)

	require.Len(t, fake.last.Messages, 2)
	assert.Equal(t, llm.RoleSystem, fake.last.Messages[0].Role)
	assert.Contains(t, fake.last.Messages[1].Content, "Project: web")
	assert.True(t, fake.last.JSON)
}

func TestLLMFailuresDegradeToUnknown(t *testing.T) {
	tests := []struct {
		name string
		fake *scriptedLLM
	}{
		{"transport error", &scriptedLLM{err: errors.New("boom")}},
		{"not json", &scriptedLLM{reply: "I think they want a feature"}},
		{"unknown intent name", &scriptedLLM{reply: `{"intent":"make_coffee","confidence":0.9}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.fake.client(), DefaultConfig())
			res := c.Classify(context.Background(), "hmm something vague", Context{})
			assert.Equal(t, Unknown, res.Intent)
			assert.InDelta(t, 0.3, res.Confidence, 1e-9)
			assert.Equal(t, SourceDefault, res.Source)
			assert.Equal(t, "Process request", res.SuggestedAction)
		})
	}
}

func TestLLMConfidenceIsClampedAndDefaulted(t *testing.T) {
	c := New((&scriptedLLM{reply: `{"intent":"explain","confidence":7}`}).client(), DefaultConfig())
	res := c.Classify(context.Background(), "hmm something vague", Context{})
	assert.InDelta(t, 1.0, res.Confidence, 1e-9)

	c = New((&scriptedLLM{reply: `{"intent":"explain"}`}).client(), DefaultConfig())
	res = c.Classify(context.Background(), "hmm something vague", Context{})
	assert.InDelta(t, 0.5, res.Confidence, 1e-9)
}

func TestDisabledLLMUsesPatternOnly(t *testing.T) {
	fake := &scriptedLLM{reply: `{"intent":"deploy"}`}
	c := New(fake.client(), Config{DisableLLM: true})

	res := c.Classify(context.Background(), "could you maybe refactor some of the older modules", Context{})
	assert.Equal(t, Refactor, res.Intent)
	res = c.Classify(context.Background(), "banana", Context{})
	assert.Equal(t, Unknown, res.Intent)
	assert.Equal(t, 0, fake.callCount())
}

func TestContextNeededAndConfirmation(t *testing.T) {
	c := New(nil, DefaultConfig())

	res := c.Classify(context.Background(), "create a new feature", Context{})
	assert.Equal(t, CreateFeature, res.Intent)
	assert.Equal(t, []string{NeedFeatureName}, res.ContextNeeded)
	assert.True(t, res.RequiresConfirmation)

	res = c.Classify(context.Background(), `create a new feature "payments"`, Context{})
	assert.Equal(t, "payments", res.Entity(EntityFeatureName))
	assert.Empty(t, res.ContextNeeded)
	assert.False(t, res.RequiresConfirmation)

	res = c.Classify(context.Background(), "switch to", Context{})
	assert.Equal(t, []string{NeedTargetFeature}, res.ContextNeeded)

	res = c.Classify(context.Background(), "refactor", Context{})
	assert.Equal(t, []string{NeedDescription}, res.ContextNeeded)
	res = c.Classify(context.Background(), "refactor", Context{ActiveFeature: "search"})
	assert.Empty(t, res.ContextNeeded)
	assert.Equal(t, "Refactor: search", res.SuggestedAction)
}

func TestRecorderObservesEveryClassification(t *testing.T) {
	rec := &fakeRecorder{}
	c := New(nil, DefaultConfig(), WithRecorder(rec))
	c.Classify(context.Background(), "pause", Context{})
	c.Classify(context.Background(), "banana", Context{})

	assert.Equal(t, []intentObservation{
		{"pause", "control", SourcePattern},
		{"unknown", "unknown", SourceDefault},
	}, rec.seen)
}

func TestParseIntent(t *testing.T) {
	in, ok := ParseIntent("fix_bug")
	assert.True(t, ok)
	assert.Equal(t, FixBug, in)

	in, ok = ParseIntent("nope")
	assert.False(t, ok)
	assert.Equal(t, Unknown, in)

	for _, i := range All() {
		assert.True(t, i.Valid(), i)
		assert.NotEqual(t, Category(""), i.Category())
	}
}
