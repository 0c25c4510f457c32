package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/pkg/engine"
)

func TestRecorderEngineMetrics(t *testing.T) {
	rec := NewPrometheusRecorderWith(prometheus.NewRegistry())

	rec.ObserveIteration(10 * time.Millisecond)
	rec.ObserveAction(engine.KindAnalyze, engine.ActionCompleted, time.Second)
	rec.ObserveAction(engine.KindAnalyze, engine.ActionCompleted, time.Second)
	rec.ObserveAction(engine.KindTest, engine.ActionFailed, time.Second)
	rec.ObserveRetry(engine.KindTest)
	rec.ObserveCheckpoint()
	rec.ObserveStateChange(engine.StateIdle, engine.StatePlanning)
	rec.ObserveInputWait(2*time.Second, true)

	assert.InDelta(t, 2, testutil.ToFloat64(rec.actionsTotal.WithLabelValues("analyze", "completed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(rec.actionsTotal.WithLabelValues("test", "failed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(rec.retriesTotal.WithLabelValues("test")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(rec.checkpointsTotal), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(rec.transitionsTotal.WithLabelValues("idle", "planning")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(rec.inputWaitDuration))
}

func TestRecorderIntentAndLLMMetrics(t *testing.T) {
	rec := NewPrometheusRecorderWith(prometheus.NewRegistry())

	rec.ObserveIntent("pause", "control", "pattern", 0.9)
	rec.ObserveLLMRequest("claude", 100, 20, true, "", time.Second)
	rec.ObserveLLMRequest("claude", 50, 0, false, "rate_limit", time.Second)

	assert.InDelta(t, 1, testutil.ToFloat64(rec.intentsTotal.WithLabelValues("pause", "control", "pattern")), 0)
	assert.InDelta(t, 100, testutil.ToFloat64(rec.llmTokensTotal.WithLabelValues("claude", "prompt")), 0)
	assert.InDelta(t, 20, testutil.ToFloat64(rec.llmTokensTotal.WithLabelValues("claude", "completion")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(rec.llmRequestsTotal.WithLabelValues("claude", "error", "rate_limit")), 0)
}

func TestRecorderHandlerExposesMetrics(t *testing.T) {
	rec := NewPrometheusRecorder()
	rec.ObserveCheckpoint()

	srv := httptest.NewServer(rec.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "autopilot_engine_checkpoints_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
