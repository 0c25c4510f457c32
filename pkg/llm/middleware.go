package llm

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Recorder receives one observation per completed LLM request.
type Recorder interface {
	ObserveLLMRequest(model string, promptTokens, completionTokens int, success bool, errorType string, d time.Duration)
}

// MetricsMiddleware reports request counts, latency and token usage. Providers that do
// not return usage are estimated with counter.
func MetricsMiddleware(rec Recorder, counter *TokenCounter) Middleware {
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)

				prompt := resp.Usage.PromptTokens
				if prompt == 0 {
					prompt = counter.CountMessages(req.Messages)
				}
				completion := resp.Usage.CompletionTokens
				if completion == 0 && err == nil {
					completion = counter.CountTokens(resp.Content)
				}
				errType := ""
				if err != nil {
					errType = TypeOf(err).String()
				}
				rec.ObserveLLMRequest(next.GetModelName(), prompt, completion, err == nil, errType, time.Since(start))
				return resp, err
			},
			next.GetModelName,
		)
	}
}

// PromptBudgetMiddleware rejects requests whose prompt exceeds maxTokens before they
// reach the provider. A non-positive maxTokens disables the check.
func PromptBudgetMiddleware(maxTokens int, counter *TokenCounter) Middleware {
	return func(next LLMClient) LLMClient {
		if maxTokens <= 0 {
			return next
		}
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				if n := counter.CountMessages(req.Messages); n > maxTokens {
					return CompletionResponse{}, NewError(ErrorTypeBadPrompt,
						fmt.Sprintf("prompt of %d tokens exceeds limit of %d", n, maxTokens))
				}
				return next.Complete(ctx, req)
			},
			next.GetModelName,
		)
	}
}

// TracingMiddleware wraps each request in an "llm.complete" span.
func TracingMiddleware() Middleware {
	tracer := otel.Tracer("autopilot/llm")
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				ctx, span := tracer.Start(ctx, "llm.complete",
					trace.WithSpanKind(trace.SpanKindClient),
					trace.WithAttributes(
						attribute.String("llm.model", next.GetModelName()),
						attribute.Int("llm.messages", len(req.Messages)),
						attribute.Int("llm.max_tokens", req.MaxTokens),
					))
				defer span.End()

				resp, err := next.Complete(ctx, req)
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, TypeOf(err).String())
					return resp, err
				}
				span.SetAttributes(
					attribute.String("llm.stop_reason", resp.StopReason),
					attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
					attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
				)
				return resp, nil
			},
			next.GetModelName,
		)
	}
}
