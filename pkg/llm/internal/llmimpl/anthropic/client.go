// Package anthropic adapts the Anthropic Messages API to llm.LLMClient.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"autopilot/pkg/llm"
)

// ClaudeClient wraps the Anthropic SDK client to implement the llm.LLMClient interface.
type ClaudeClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClaudeClientWithModel creates a new Claude client for the given model. Extra SDK
// options (base URL, HTTP client) are applied after the API key.
func NewClaudeClientWithModel(apiKey, model string, opts ...option.RequestOption) *ClaudeClient {
	all := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries are owned by llm.RetryMiddleware.
		option.WithMaxRetries(0),
	}, opts...)
	return &ClaudeClient{
		client: anthropic.NewClient(all...),
		model:  anthropic.Model(model),
	}
}

// ensureAlternation folds system messages into one prompt and merges consecutive
// same-role messages so the conversation starts and ends with the user.
func ensureAlternation(messages []llm.CompletionMessage) (systemPrompt string, alternating []llm.CompletionMessage, err error) {
	if len(messages) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}

	systemPrompt, rest := llm.SplitSystem(messages)
	if len(rest) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system message")
	}

	for i := range rest {
		role := rest[i].Role
		if role != llm.RoleAssistant {
			role = llm.RoleUser
		}
		if n := len(alternating); n > 0 && alternating[n-1].Role == role {
			alternating[n-1].Content += "\n\n" + rest[i].Content
			continue
		}
		alternating = append(alternating, llm.CompletionMessage{Role: role, Content: rest[i].Content})
	}

	if alternating[0].Role != llm.RoleUser {
		return "", nil, fmt.Errorf("first message must be user role, got: %s", alternating[0].Role)
	}
	if last := alternating[len(alternating)-1]; last.Role != llm.RoleUser {
		return "", nil, fmt.Errorf("last message must be user role, got: %s", last.Role)
	}
	return systemPrompt, alternating, nil
}

// Complete implements the llm.LLMClient interface.
func (c *ClaudeClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if err := llm.ValidateRequest(&in); err != nil {
		return llm.CompletionResponse{}, err
	}
	systemPrompt, messages, err := ensureAlternation(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llm.NewErrorWithCause(llm.ErrorTypeBadPrompt, err, "message alternation")
	}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   int64(maxTokens(in.MaxTokens)),
		Temperature: anthropic.Float(float64(in.Temperature)),
		Messages:    make([]anthropic.MessageParam, 0, len(messages)),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt, Type: "text"}}
	}
	for i := range messages {
		params.Messages = append(params.Messages, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(messages[i].Role),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(messages[i].Content)},
		})
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}

	var sb strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	content := sb.String()
	if strings.TrimSpace(content) == "" {
		return llm.CompletionResponse{}, llm.NewError(llm.ErrorTypeEmptyResponse, "claude returned no text content")
	}

	return llm.CompletionResponse{
		Content:    content,
		StopReason: string(resp.StopReason),
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// GetModelName returns the model name for this client.
func (c *ClaudeClient) GetModelName() string {
	return string(c.model)
}

func classifyError(err error) *llm.Error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 529 {
			// overloaded_error
			return &llm.Error{Type: llm.ErrorTypeRateLimit, StatusCode: apiErr.StatusCode, Err: err}
		}
		return llm.ClassifyError(err, apiErr.StatusCode)
	}
	return llm.ClassifyError(err, 0)
}

func maxTokens(n int) int {
	if n <= 0 {
		return llm.DefaultMaxTokens
	}
	return n
}
