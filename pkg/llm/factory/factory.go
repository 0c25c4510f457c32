// Package factory builds a configured LLM client with its middleware chain.
package factory

import (
	"fmt"

	"autopilot/pkg/config"
	"autopilot/pkg/limiter"
	"autopilot/pkg/llm"
	"autopilot/pkg/llm/internal/llmimpl/anthropic"
	"autopilot/pkg/llm/internal/llmimpl/google"
	"autopilot/pkg/llm/internal/llmimpl/ollama"
	"autopilot/pkg/llm/internal/llmimpl/openai"
	"autopilot/pkg/logx"
)

// KeySource resolves provider credentials. *config.SecretStore satisfies it.
type KeySource interface {
	APIKey(cfg *config.LLMConfig) (string, error)
}

// NewClient creates the raw provider client for cfg and wraps it:
// Tracing -> Metrics -> Retry -> RateLimit -> PromptBudget -> provider. A nil recorder skips
// metrics; an unset rate limit skips throttling.
func NewClient(cfg *config.LLMConfig, keys KeySource, rec llm.Recorder) (llm.LLMClient, error) {
	raw, err := newRawClient(cfg, keys)
	if err != nil {
		return nil, err
	}

	counter, err := llm.NewTokenCounter()
	if err != nil {
		// Counting degrades to a character estimate.
		logx.NewLogger("llm-factory").Warn("⚠️ Token counter unavailable: %v", err)
	}

	middlewares := []llm.Middleware{llm.TracingMiddleware()}
	if rec != nil {
		middlewares = append(middlewares, llm.MetricsMiddleware(rec, counter))
	}
	middlewares = append(middlewares,
		llm.RetryMiddleware(llm.NewRetryPolicy(llm.RetryConfigFrom(cfg.Retry), nil)),
	)
	if rl := cfg.RateLimit; rl.TokensPerMinute > 0 || rl.MaxConcurrent > 0 {
		lim := limiter.New(raw.GetModelName(), rl.TokensPerMinute, rl.MaxConcurrent)
		middlewares = append(middlewares, limiter.Middleware(lim, counter))
	}
	middlewares = append(middlewares, llm.PromptBudgetMiddleware(cfg.MaxPromptTokens, counter))

	logx.NewLogger("llm-factory").Info("🤖 LLM client ready: %s/%s", cfg.Provider, raw.GetModelName())
	return llm.Chain(raw, middlewares...), nil
}

func newRawClient(cfg *config.LLMConfig, keys KeySource) (llm.LLMClient, error) {
	provider := cfg.Provider
	if provider == "" {
		p, err := config.ProviderForModel(cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to determine provider: %w", err)
		}
		provider = p
	}
	model := cfg.Model
	if model == "" {
		model = config.DefaultModels[provider]
	}

	resolved := *cfg
	resolved.Provider = provider
	key, err := keys.APIKey(&resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", provider, err)
	}

	switch provider {
	case config.ProviderAnthropic:
		return anthropic.NewClaudeClientWithModel(key, model), nil
	case config.ProviderOpenAI:
		return openai.NewClientWithModel(key, model), nil
	case config.ProviderGoogle:
		return google.NewGeminiClientWithModel(key, model), nil
	case config.ProviderOllama:
		host := key
		if host == "" {
			host = config.DefaultOllamaHost
		}
		return ollama.NewOllamaClientWithModel(host, model), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}
