// Package mocks provides shared mock implementations for testing.
//
// Every mock exposes overridable XxxFunc fields with working defaults and records its calls
// under a mutex for later verification.
//
// # Usage
//
//	import "autopilot/internal/mocks"
//
//	func TestSomething(t *testing.T) {
//	    client := mocks.NewMockLLMClient()
//	    client.CompleteFunc = func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
//	        return llm.CompletionResponse{Content: `{"intent":"pause","confidence":0.9}`}, nil
//	    }
//	    // Use client in test...
//	}
//
// # Available Mocks
//
//   - MockLLMClient: llm.LLMClient
//   - MockClassifier: the orchestrator's intent classifier
//   - MockExecutor: the orchestrator's view of the session registry
//   - MockMemory: engine.Memory
//   - MockNotifier: registry.Notifier
//
// Packages imported by this one (engine, registry) keep test-local fakes to avoid import cycles.
package mocks
