// Package openai adapts the OpenAI Responses API to llm.LLMClient.
package openai

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"autopilot/pkg/llm"
)

// Client wraps the official OpenAI SDK to implement the llm.LLMClient interface.
type Client struct {
	client openai.Client
	model  string
}

// NewClientWithModel creates a new OpenAI client for the given model.
func NewClientWithModel(apiKey, model string, opts ...option.RequestOption) *Client {
	all := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, opts...)
	return &Client{client: openai.NewClient(all...), model: model}
}

// buildInput flattens the conversation into the single input string the Responses
// API accepts; system messages become instructions.
func buildInput(messages []llm.CompletionMessage) (instructions, input string) {
	instructions, rest := llm.SplitSystem(messages)
	var sb strings.Builder
	for i := range rest {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		if rest[i].Role == llm.RoleAssistant {
			sb.WriteString("Assistant: ")
		}
		sb.WriteString(rest[i].Content)
	}
	return instructions, sb.String()
}

// Complete implements the llm.LLMClient interface.
func (c *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if err := llm.ValidateRequest(&in); err != nil {
		return llm.CompletionResponse{}, err
	}
	instructions, input := buildInput(in.Messages)

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(input)},
	}
	if instructions != "" {
		params.Instructions = openai.String(instructions)
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return llm.CompletionResponse{}, llm.ClassifyError(err, apiErr.StatusCode)
		}
		return llm.CompletionResponse{}, llm.ClassifyError(err, 0)
	}

	content := resp.OutputText()
	if strings.TrimSpace(content) == "" {
		return llm.CompletionResponse{}, llm.NewError(llm.ErrorTypeEmptyResponse, "openai returned no text output")
	}

	stop := "end_turn"
	if string(resp.Status) == "incomplete" {
		stop = "max_tokens"
	}
	return llm.CompletionResponse{
		Content:    content,
		StopReason: stop,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// GetModelName returns the model name for this client.
func (c *Client) GetModelName() string {
	return c.model
}
