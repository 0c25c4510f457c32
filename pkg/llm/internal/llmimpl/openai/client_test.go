package openai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/pkg/llm"
)

func TestBuildInput(t *testing.T) {
	instructions, input := buildInput([]llm.CompletionMessage{
		llm.NewSystemMessage("be brief"),
		llm.NewUserMessage("q1"),
		llm.NewAssistantMessage("a1"),
		llm.NewUserMessage("q2"),
	})
	assert.Equal(t, "be brief", instructions)
	assert.Equal(t, "q1\n\nAssistant: a1\n\nq2", input)
}

func TestGetModelName(t *testing.T) {
	assert.Equal(t, "gpt-5", NewClientWithModel("k", "gpt-5").GetModelName())
}

func TestCompleteClassifiesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_exceeded"}}`))
	}))
	defer srv.Close()

	client := NewClientWithModel("k", "gpt-5", option.WithBaseURL(srv.URL))
	_, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	require.Error(t, err)
	assert.True(t, llm.IsErrorType(err, llm.ErrorTypeRateLimit))
}
