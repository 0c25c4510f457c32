package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// Summary aggregates the counters written by PrometheusRecorder.
type Summary struct {
	ActionsByStatus  map[string]int64 `json:"actions_by_status"`
	ActionsByKind    map[string]int64 `json:"actions_by_kind"`
	IntentsByName    map[string]int64 `json:"intents_by_name"`
	Retries          int64            `json:"retries"`
	Checkpoints      int64            `json:"checkpoints"`
	InputTimeouts    int64            `json:"input_timeouts"`
	PromptTokens     int64            `json:"prompt_tokens"`
	CompletionTokens int64            `json:"completion_tokens"`
	TotalTokens      int64            `json:"total_tokens"`
}

// TokenUsage is the token count of one model.
type TokenUsage struct {
	Model            string `json:"model"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	Requests         int64  `json:"requests"`
	FailedRequests   int64  `json:"failed_requests"`
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetSummary retrieves totals across every session the scraped processes ran.
func (q *QueryService) GetSummary(ctx context.Context) (*Summary, error) {
	var err error
	s := &Summary{}

	if s.ActionsByStatus, err = q.sumBy(ctx, "engine_actions_total", "status"); err != nil {
		return nil, err
	}
	if s.ActionsByKind, err = q.sumBy(ctx, "engine_actions_total", "kind"); err != nil {
		return nil, err
	}
	if s.IntentsByName, err = q.sumBy(ctx, "intents_total", "intent"); err != nil {
		return nil, err
	}
	if s.Retries, err = q.scalar(ctx, fmt.Sprintf(`sum(%s_engine_retries_total)`, Namespace)); err != nil {
		return nil, err
	}
	if s.Checkpoints, err = q.scalar(ctx, fmt.Sprintf(`sum(%s_engine_checkpoints_total)`, Namespace)); err != nil {
		return nil, err
	}
	if s.InputTimeouts, err = q.scalar(ctx,
		fmt.Sprintf(`sum(%s_engine_input_wait_duration_seconds_count{outcome="timeout"})`, Namespace)); err != nil {
		return nil, err
	}
	tokens, err := q.sumBy(ctx, "llm_tokens_total", "type")
	if err != nil {
		return nil, err
	}
	s.PromptTokens = tokens["prompt"]
	s.CompletionTokens = tokens["completion"]
	s.TotalTokens = s.PromptTokens + s.CompletionTokens
	return s, nil
}

// GetTokenUsageByModel breaks LLM usage down per model.
func (q *QueryService) GetTokenUsageByModel(ctx context.Context) (map[string]*TokenUsage, error) {
	result := make(map[string]*TokenUsage)
	get := func(name string) *TokenUsage {
		u, ok := result[name]
		if !ok {
			u = &TokenUsage{Model: name}
			result[name] = u
		}
		return u
	}

	for _, tokenType := range []string{"prompt", "completion"} {
		query := fmt.Sprintf(`sum by (model) (%s_llm_tokens_total{type=%q})`, Namespace, tokenType)
		byModel, err := q.vectorBy(ctx, query, "model")
		if err != nil {
			return nil, fmt.Errorf("failed to query %s tokens: %w", tokenType, err)
		}
		for name, v := range byModel {
			if tokenType == "prompt" {
				get(name).PromptTokens = v
			} else {
				get(name).CompletionTokens = v
			}
		}
	}

	requests, err := q.vectorBy(ctx, fmt.Sprintf(`sum by (model) (%s_llm_requests_total)`, Namespace), "model")
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	for name, v := range requests {
		get(name).Requests = v
	}
	failed, err := q.vectorBy(ctx, fmt.Sprintf(`sum by (model) (%s_llm_requests_total{status="error"})`, Namespace), "model")
	if err != nil {
		return nil, fmt.Errorf("failed to query failed requests: %w", err)
	}
	for name, v := range failed {
		get(name).FailedRequests = v
	}

	for _, u := range result {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return result, nil
}

func (q *QueryService) sumBy(ctx context.Context, metric, label string) (map[string]int64, error) {
	query := fmt.Sprintf(`sum by (%s) (%s_%s)`, label, Namespace, metric)
	out, err := q.vectorBy(ctx, query, model.LabelName(label))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s by %s: %w", metric, label, err)
	}
	return out, nil
}

func (q *QueryService) vectorBy(ctx context.Context, query string, label model.LabelName) (map[string]int64, error) {
	res, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with the query purpose
	}
	out := map[string]int64{}
	if vector, ok := res.(model.Vector); ok {
		for _, sample := range vector {
			if name, ok := sample.Metric[label]; ok {
				out[string(name)] = int64(sample.Value)
			}
		}
	}
	return out, nil
}

func (q *QueryService) scalar(ctx context.Context, query string) (int64, error) {
	res, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to run %s: %w", query, err)
	}
	if vector, ok := res.(model.Vector); ok && len(vector) > 0 {
		return int64(vector[0].Value), nil
	}
	return 0, nil
}
