package mocks

import (
	"context"
	"strings"
	"sync"

	"autopilot/pkg/intent"
)

// ClassifyCall records one Classify call.
type ClassifyCall struct {
	Message string
	Context intent.Context
}

// MockClassifier returns canned intent results keyed by the lower-cased message.
type MockClassifier struct {
	// ClassifyFunc overrides the lookup when set.
	ClassifyFunc func(ctx context.Context, msg string, cctx intent.Context) *intent.Result

	mu        sync.Mutex
	responses map[string]*intent.Result
	calls     []ClassifyCall
}

// NewMockClassifier creates a classifier that answers unknown for every message.
func NewMockClassifier() *MockClassifier {
	m := &MockClassifier{responses: map[string]*intent.Result{}}
	m.ClassifyFunc = m.lookup
	return m
}

// On registers the result for msg. needs become the result's ContextNeeded.
func (m *MockClassifier) On(msg string, in intent.Intent, entities map[string]any, needs ...string) *MockClassifier {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[strings.ToLower(msg)] = &intent.Result{
		Intent:               in,
		Category:             in.Category(),
		Confidence:           0.9,
		Entities:             entities,
		ContextNeeded:        needs,
		RequiresConfirmation: len(needs) > 0,
		Source:               intent.SourcePattern,
	}
	return m
}

// Classify implements the orchestrator's Classifier.
func (m *MockClassifier) Classify(ctx context.Context, msg string, cctx intent.Context) *intent.Result {
	m.mu.Lock()
	m.calls = append(m.calls, ClassifyCall{Message: msg, Context: cctx})
	m.mu.Unlock()
	return m.ClassifyFunc(ctx, msg, cctx)
}

// Calls returns the recorded calls.
func (m *MockClassifier) Calls() []ClassifyCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ClassifyCall(nil), m.calls...)
}

func (m *MockClassifier) lookup(_ context.Context, msg string, _ intent.Context) *intent.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.responses[strings.ToLower(strings.TrimSpace(msg))]; ok {
		c := *res
		c.Entities = make(map[string]any, len(res.Entities))
		for k, v := range res.Entities {
			c.Entities[k] = v
		}
		c.ContextNeeded = append([]string(nil), res.ContextNeeded...)
		return &c
	}
	return &intent.Result{Intent: intent.Unknown, Category: intent.CategoryUnknown, Confidence: 0.3, Entities: map[string]any{}, Source: intent.SourceDefault}
}
