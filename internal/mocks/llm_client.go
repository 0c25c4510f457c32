package mocks

import (
	"context"
	"sync"

	"autopilot/pkg/llm"
)

// MockLLMClient implements llm.LLMClient for testing.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockLLMClient struct {
	// CompleteFunc is called when Complete is invoked. Override to customize behavior.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error)

	// CompleteCalls tracks all calls to Complete for verification.
	CompleteCalls []llm.CompletionRequest

	// ModelName is returned by GetModelName.
	ModelName string

	mu sync.Mutex
}

// NewMockLLMClient creates a mock whose Complete returns a fixed response.
func NewMockLLMClient() *MockLLMClient {
	m := &MockLLMClient{ModelName: "mock-model"}
	m.CompleteFunc = func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{Content: "Mock response", StopReason: "end_turn"}, nil
	}
	return m
}

// NewMockLLMClientWithResponses returns each response in turn, repeating the last one.
func NewMockLLMClientWithResponses(responses ...string) *MockLLMClient {
	m := NewMockLLMClient()
	var (
		mu sync.Mutex
		i  int
	)
	m.CompleteFunc = func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		if len(responses) == 0 {
			return llm.CompletionResponse{}, nil
		}
		mu.Lock()
		content := responses[min(i, len(responses)-1)]
		i++
		mu.Unlock()
		return llm.CompletionResponse{Content: content, StopReason: "end_turn"}, nil
	}
	return m
}

// Complete implements llm.LLMClient.
func (m *MockLLMClient) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	m.mu.Lock()
	m.CompleteCalls = append(m.CompleteCalls, req)
	fn := m.CompleteFunc
	m.mu.Unlock()
	return fn(ctx, req)
}

// GetModelName implements llm.LLMClient.
func (m *MockLLMClient) GetModelName() string {
	return m.ModelName
}

// CallCount returns the number of Complete calls.
func (m *MockLLMClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.CompleteCalls)
}
