package llm

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"autopilot/pkg/config"
	"autopilot/pkg/logx"
)

// RetryConfig defines configuration for retry behavior.
type RetryConfig struct {
	MaxAttempts   int           // Maximum number of attempts (including initial)
	InitialDelay  time.Duration // Delay before the first retry
	MaxDelay      time.Duration // Maximum delay between retries
	BackoffFactor float64       // Multiplier for exponential backoff
	Jitter        bool          // Spread retries of concurrent callers
}

// DefaultRetryConfig provides reasonable defaults for retry behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:   4,
	InitialDelay:  500 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// RetryConfigFrom converts the user-facing retry settings. MaxRetries counts retries,
// so one initial attempt is added.
func RetryConfigFrom(c config.RetryConfig) RetryConfig {
	out := DefaultRetryConfig
	if c.MaxRetries > 0 {
		out.MaxAttempts = c.MaxRetries + 1
	}
	if c.InitialDelay > 0 {
		out.InitialDelay = c.InitialDelay.Std()
	}
	if c.MaxDelay > 0 {
		out.MaxDelay = c.MaxDelay.Std()
	}
	return out
}

// RetryPolicy encapsulates retry configuration and the retryability decision.
type RetryPolicy struct {
	Config     RetryConfig
	Classifier func(error) bool
}

// NewRetryPolicy creates a retry policy. A nil classifier uses ShouldRetry.
func NewRetryPolicy(cfg RetryConfig, classifier func(error) bool) *RetryPolicy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &RetryPolicy{Config: cfg, Classifier: classifier}
}

// ShouldRetry is the default classifier: classified errors decide for themselves,
// anything else is classified from its text first.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	return ClassifyError(err, 0).IsRetryable()
}

// CalculateDelay computes the delay before the given attempt number (1-based).
func (p *RetryPolicy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	factor := p.Config.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(factor, float64(attempt-2)))
	if p.Config.MaxDelay > 0 && delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}
	if p.Config.Jitter && delay > 0 {
		// +/- 10%
		jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(delay)) //nolint:gosec // jitter needs no crypto randomness
		delay += jitter
	}
	return delay
}

// RetryMiddleware retries failed requests with exponential backoff. When a retryable
// error survives every attempt it is reported as ErrorTypeServiceUnavailable.
func RetryMiddleware(policy *RetryPolicy) Middleware {
	logger := logx.NewLogger("llm-retry")
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				var lastErr error
				for attempt := 1; attempt <= policy.Config.MaxAttempts; attempt++ {
					if attempt > 1 {
						delay := policy.CalculateDelay(attempt)
						logger.Debug("🔁 Retrying %s (attempt %d/%d) in %v: %v",
							next.GetModelName(), attempt, policy.Config.MaxAttempts, delay, lastErr)
						select {
						case <-ctx.Done():
							return CompletionResponse{}, fmt.Errorf("retry cancelled: %w", ctx.Err())
						case <-time.After(delay):
						}
					}

					resp, err := next.Complete(ctx, req)
					if err == nil {
						return resp, nil
					}
					lastErr = err
					if ctx.Err() != nil || !policy.Classifier(err) {
						return CompletionResponse{}, err
					}
				}
				logger.Warn("⚠️ %s unavailable after %d attempts: %v", next.GetModelName(), policy.Config.MaxAttempts, lastErr)
				return CompletionResponse{}, NewServiceUnavailableError(lastErr, policy.Config.MaxAttempts)
			},
			next.GetModelName,
		)
	}
}
