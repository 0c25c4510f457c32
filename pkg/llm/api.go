// Package llm defines the provider-neutral LLM client contract used by the planner and
// the intent classifier, plus middleware for retries, metrics and tracing.
package llm

import (
	"context"
	"fmt"
)

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	// RoleSystem indicates a system message that provides instructions or context.
	RoleSystem CompletionRole = "system"
	// RoleUser indicates a message from the human user.
	RoleUser CompletionRole = "user"
	// RoleAssistant indicates a message from the AI assistant.
	RoleAssistant CompletionRole = "assistant"
)

const (
	// DefaultMaxTokens bounds responses when the caller does not.
	DefaultMaxTokens = 4096

	// TemperatureDefault is used for planning and assessment.
	TemperatureDefault = 0.3

	// TemperatureDeterministic is used for classification and code generation.
	TemperatureDeterministic = 0.1
)

// CompletionMessage represents a message in a completion request.
type CompletionMessage struct {
	Content string
	Role    CompletionRole
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Messages    []CompletionMessage
	MaxTokens   int
	Temperature float32
	// JSON asks providers that support it to constrain output to a JSON object.
	JSON bool
}

// Usage reports token consumption for one request. Zero means the provider did not say.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// CompletionResponse represents a response from a completion request.
type CompletionResponse struct {
	Content    string
	StopReason string // "end_turn", "max_tokens", ...
	Usage      Usage
}

// LLMClient defines the interface for language model interactions.
type LLMClient interface { //nolint:revive // the package name alone reads ambiguously at call sites
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// GetModelName returns the model name for this LLM client.
	GetModelName() string
}

// NewCompletionRequest creates a new completion request with default values.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDefault,
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleAssistant, Content: content}
}

// SplitSystem separates system messages (joined by blank lines) from the conversation.
func SplitSystem(messages []CompletionMessage) (system string, rest []CompletionMessage) {
	for i := range messages {
		if messages[i].Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += messages[i].Content
			continue
		}
		rest = append(rest, messages[i])
	}
	return system, rest
}

// ValidateRequest checks the invariants every provider relies on.
func ValidateRequest(in *CompletionRequest) error {
	if len(in.Messages) == 0 {
		return NewError(ErrorTypeBadPrompt, "message list cannot be empty")
	}
	if _, rest := SplitSystem(in.Messages); len(rest) == 0 {
		return NewError(ErrorTypeBadPrompt, "must have at least one non-system message")
	}
	if in.MaxTokens < 0 {
		return NewError(ErrorTypeBadPrompt, fmt.Sprintf("max tokens must not be negative, got %d", in.MaxTokens))
	}
	if in.Temperature < 0 || in.Temperature > 2 {
		return NewError(ErrorTypeBadPrompt, fmt.Sprintf("temperature must be between 0.0 and 2.0, got %.2f", in.Temperature))
	}
	return nil
}
