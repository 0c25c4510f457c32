// Package limiter throttles LLM traffic with a tokens-per-minute bucket and a cap on
// concurrent requests.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"autopilot/pkg/llm"
)

// ErrRateLimit is returned when the token bucket cannot cover a request.
var ErrRateLimit = errors.New("rate limit exceeded")

// Limiter enforces the limits for one model. A zero limit disables that check.
type Limiter struct {
	model           string
	maxTokensPerMin int
	currentTokens   int
	lastRefill      time.Time
	now             func() time.Time
	mu              sync.Mutex
	slots           chan struct{}
}

// New creates a limiter for model starting with a full bucket.
func New(model string, tokensPerMinute, maxConcurrent int) *Limiter {
	l := &Limiter{
		model:           model,
		maxTokensPerMin: tokensPerMinute,
		currentTokens:   tokensPerMinute,
		now:             time.Now,
	}
	l.lastRefill = l.now()
	if maxConcurrent > 0 {
		l.slots = make(chan struct{}, maxConcurrent)
	}
	return l
}

// Reserve takes tokens from the bucket or fails with ErrRateLimit. A request larger than
// the whole bucket is admitted once the bucket is full so it cannot starve.
func (l *Limiter) Reserve(tokens int) error {
	if l.maxTokensPerMin <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillTokens()
	need := min(tokens, l.maxTokensPerMin)
	if l.currentTokens < need {
		return ErrRateLimit
	}
	l.currentTokens -= tokens
	return nil
}

// Charge deducts tokens spent after the fact, such as completion tokens. The bucket may go
// negative, which delays later reservations.
func (l *Limiter) Charge(tokens int) {
	if l.maxTokensPerMin <= 0 || tokens <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillTokens()
	l.currentTokens -= tokens
}

// Acquire blocks until a request slot is free or ctx ends. The returned func releases it.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if l.slots == nil {
		return func() {}, nil
	}
	select {
	case l.slots <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-l.slots }) }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for a %s request slot: %w", l.model, ctx.Err())
	}
}

// Status reports the tokens left in the bucket and the requests in flight.
func (l *Limiter) Status() (tokens, inFlight int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillTokens()
	return l.currentTokens, len(l.slots)
}

// refillTokens requires l.mu. lastRefill advances only by the time the granted tokens
// account for, so the remainder carries into the next refill.
func (l *Limiter) refillTokens() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	refill := int(elapsed.Seconds() * float64(l.maxTokensPerMin) / 60.0)
	if refill <= 0 {
		return
	}
	if l.currentTokens+refill >= l.maxTokensPerMin {
		l.currentTokens = l.maxTokensPerMin
		l.lastRefill = now
		return
	}
	l.currentTokens += refill
	l.lastRefill = l.lastRefill.Add(time.Duration(int64(refill) * int64(time.Minute) / int64(l.maxTokensPerMin)))
}

// Middleware applies l to every request. The prompt is reserved up front and the completion
// charged afterwards. An empty bucket surfaces as a retryable rate-limit error so the retry
// middleware above backs off.
func Middleware(l *Limiter, counter *llm.TokenCounter) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				release, err := l.Acquire(ctx)
				if err != nil {
					return llm.CompletionResponse{}, err
				}
				defer release()

				prompt := counter.CountMessages(req.Messages)
				if err := l.Reserve(prompt); err != nil {
					return llm.CompletionResponse{}, llm.NewErrorWithCause(llm.ErrorTypeRateLimit, err,
						fmt.Sprintf("%s: %d prompt tokens exceed the remaining budget", l.model, prompt))
				}
				resp, err := next.Complete(ctx, req)
				completion := resp.Usage.CompletionTokens
				if completion == 0 && err == nil {
					completion = counter.CountTokens(resp.Content)
				}
				l.Charge(completion)
				return resp, err
			},
			next.GetModelName,
		)
	}
}
