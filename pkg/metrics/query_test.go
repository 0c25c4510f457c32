package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	labels map[string]string
	value  string
}

// fakePrometheus answers instant queries from a table keyed by query substring.
func fakePrometheus(t *testing.T, answers map[string][]sample) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		query := r.Form.Get("query")

		var matched []sample
		best := -1
		for key, samples := range answers {
			if strings.Contains(query, key) && len(key) > best {
				best = len(key)
				matched = samples
			}
		}

		result := []map[string]any{}
		for _, s := range matched {
			result = append(result, map[string]any{
				"metric": s.labels,
				"value":  []any{1700000000, s.value},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   map[string]any{"resultType": "vector", "result": result},
		})
	}))
}

func TestQueryServiceSummary(t *testing.T) {
	srv := fakePrometheus(t, map[string][]sample{
		"sum by (status) (autopilot_engine_actions_total)": {
			{labels: map[string]string{"status": "completed"}, value: "7"},
			{labels: map[string]string{"status": "failed"}, value: "2"},
		},
		"sum by (kind) (autopilot_engine_actions_total)": {
			{labels: map[string]string{"kind": "analyze"}, value: "9"},
		},
		"sum by (intent) (autopilot_intents_total)": {
			{labels: map[string]string{"intent": "pause"}, value: "3"},
		},
		"autopilot_engine_retries_total":                      {{labels: map[string]string{}, value: "4"}},
		"autopilot_engine_checkpoints_total":                  {{labels: map[string]string{}, value: "11"}},
		"autopilot_engine_input_wait_duration_seconds_count": {{labels: map[string]string{}, value: "1"}},
		"sum by (type) (autopilot_llm_tokens_total)": {
			{labels: map[string]string{"type": "prompt"}, value: "1000"},
			{labels: map[string]string{"type": "completion"}, value: "250"},
		},
	})
	defer srv.Close()

	q, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	s, err := q.GetSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"completed": 7, "failed": 2}, s.ActionsByStatus)
	assert.Equal(t, map[string]int64{"analyze": 9}, s.ActionsByKind)
	assert.Equal(t, map[string]int64{"pause": 3}, s.IntentsByName)
	assert.Equal(t, int64(4), s.Retries)
	assert.Equal(t, int64(11), s.Checkpoints)
	assert.Equal(t, int64(1), s.InputTimeouts)
	assert.Equal(t, int64(1250), s.TotalTokens)
}

func TestQueryServiceTokenUsageByModel(t *testing.T) {
	srv := fakePrometheus(t, map[string][]sample{
		`type="prompt"`: {
			{labels: map[string]string{"model": "claude"}, value: "100"},
			{labels: map[string]string{"model": "gpt"}, value: "40"},
		},
		`type="completion"`: {
			{labels: map[string]string{"model": "claude"}, value: "10"},
		},
		"sum by (model) (autopilot_llm_requests_total)": {
			{labels: map[string]string{"model": "claude"}, value: "3"},
			{labels: map[string]string{"model": "gpt"}, value: "1"},
		},
		`status="error"`: {
			{labels: map[string]string{"model": "gpt"}, value: "1"},
		},
	})
	defer srv.Close()

	q, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	usage, err := q.GetTokenUsageByModel(context.Background())
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Equal(t, int64(110), usage["claude"].TotalTokens)
	assert.Equal(t, int64(3), usage["claude"].Requests)
	assert.Equal(t, int64(40), usage["gpt"].PromptTokens)
	assert.Equal(t, int64(1), usage["gpt"].FailedRequests)
}

func TestQueryServiceReportsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "error", "errorType": "bad_data", "error": "parse error",
		})
	}))
	defer srv.Close()

	q, err := NewQueryService(srv.URL)
	require.NoError(t, err)
	_, err = q.GetSummary(context.Background())
	assert.Error(t, err)
}
