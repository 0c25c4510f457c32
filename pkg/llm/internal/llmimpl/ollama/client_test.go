package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/pkg/llm"
)

func TestNewOllamaClientWithModel(t *testing.T) {
	tests := []struct {
		name     string
		hostURL  string
		wantHost string
	}{
		{"valid host", "http://localhost:11434", "http://localhost:11434"},
		{"custom host", "http://192.168.1.100:11434", "http://192.168.1.100:11434"},
		{"invalid URL falls back to default", "not-a-valid-url", DefaultHost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewOllamaClientWithModel(tt.hostURL, "llama3.1:8b")
			assert.Equal(t, "llama3.1:8b", client.GetModelName())
			assert.Equal(t, tt.wantHost, client.Host())
		})
	}
}

func TestGetStopReason(t *testing.T) {
	tests := []struct {
		resp api.ChatResponse
		want string
	}{
		{api.ChatResponse{Done: false}, "incomplete"},
		{api.ChatResponse{Done: true, DoneReason: "stop"}, "end_turn"},
		{api.ChatResponse{Done: true}, "end_turn"},
		{api.ChatResponse{Done: true, DoneReason: "length"}, "max_tokens"},
		{api.ChatResponse{Done: true, DoneReason: "load"}, "load"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, getStopReason(&tt.resp))
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want llm.ErrorType
	}{
		{"connection refused", errors.New("dial tcp 127.0.0.1:11434: connect: connection refused"), llm.ErrorTypeTransient},
		{"model not found", errors.New(`model "nope" not found, try pulling it first`), llm.ErrorTypeBadPrompt},
		{"status 404", api.StatusError{StatusCode: 404, ErrorMessage: "missing"}, llm.ErrorTypeBadPrompt},
		{"status 500", api.StatusError{StatusCode: 500, ErrorMessage: "boom"}, llm.ErrorTypeTransient},
		{"unknown", errors.New("weird"), llm.ErrorTypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyError(tt.err).Type)
		})
	}
}

func TestCompleteAgainstFakeServer(t *testing.T) {
	var got api.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"hello"},"done":true,"done_reason":"stop","prompt_eval_count":9,"eval_count":2}` + "\n"))
	}))
	defer srv.Close()

	client := NewOllamaClientWithModel(srv.URL, "llama3")
	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewSystemMessage("sys"), llm.NewUserMessage("hi")})
	req.JSON = true
	resp, err := client.Complete(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, llm.Usage{PromptTokens: 9, CompletionTokens: 2}, resp.Usage)

	assert.Equal(t, "llama3", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.JSONEq(t, `"json"`, string(got.Format))
	require.NotNil(t, got.Stream)
	assert.False(t, *got.Stream)
}

func TestCompleteEmptyMessageIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":""},"done":true}` + "\n"))
	}))
	defer srv.Close()

	_, err := NewOllamaClientWithModel(srv.URL, "llama3").Complete(context.Background(),
		llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	assert.True(t, llm.IsErrorType(err, llm.ErrorTypeEmptyResponse))
}
