package factory

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/pkg/config"
	"autopilot/pkg/llm"
)

type staticKeys struct {
	key string
	err error
}

func (s staticKeys) APIKey(cfg *config.LLMConfig) (string, error) {
	if cfg.Provider == config.ProviderOllama {
		return cfg.OllamaHost, nil
	}
	return s.key, s.err
}

type countingRecorder struct {
	calls int
	ok    bool
}

func (c *countingRecorder) ObserveLLMRequest(_ string, _, _ int, success bool, _ string, _ time.Duration) {
	c.calls++
	c.ok = success
}

func TestNewClientSelectsProvider(t *testing.T) {
	tests := []struct {
		name  string
		cfg   config.LLMConfig
		model string
	}{
		{"anthropic", config.LLMConfig{Provider: config.ProviderAnthropic, Model: "claude-x"}, "claude-x"},
		{"openai inferred", config.LLMConfig{Model: "gpt-5"}, "gpt-5"},
		{"google default model", config.LLMConfig{Provider: config.ProviderGoogle}, config.DefaultModels[config.ProviderGoogle]},
		{"ollama", config.LLMConfig{Provider: config.ProviderOllama, Model: "qwen2.5-coder"}, "qwen2.5-coder"},
		{"rate limited", config.LLMConfig{Provider: config.ProviderAnthropic, Model: "claude-x",
			RateLimit: config.RateLimit{TokensPerMinute: 1000, MaxConcurrent: 2}}, "claude-x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(&tt.cfg, staticKeys{key: "k"}, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.model, client.GetModelName())
		})
	}
}

func TestNewClientErrors(t *testing.T) {
	_, err := NewClient(&config.LLMConfig{Provider: "acme"}, staticKeys{}, nil)
	assert.Error(t, err)

	_, err = NewClient(&config.LLMConfig{Model: "mystery-model"}, staticKeys{}, nil)
	assert.Error(t, err)

	_, err = NewClient(&config.LLMConfig{Provider: config.ProviderAnthropic},
		staticKeys{err: errors.New("no key")}, nil)
	assert.ErrorContains(t, err, "no key")
}

func TestNewClientWrapsWithMiddleware(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"model":"qwen","message":{"role":"assistant","content":"pong"},"done":true,"done_reason":"stop"}` + "\n"))
	}))
	defer srv.Close()

	rec := &countingRecorder{}
	cfg := config.LLMConfig{Provider: config.ProviderOllama, Model: "qwen", OllamaHost: srv.URL, MaxPromptTokens: 1000}
	client, err := NewClient(&cfg, staticKeys{}, rec)
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("ping")}))
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Content)
	assert.Equal(t, 1, rec.calls)
	assert.True(t, rec.ok)
}
