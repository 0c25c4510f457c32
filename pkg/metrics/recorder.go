// Package metrics records engine, classifier and LLM measurements in Prometheus and
// queries them back for reporting.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autopilot/pkg/engine"
)

// Namespace prefixes every metric name.
const Namespace = "autopilot"

// PrometheusRecorder implements engine.Recorder, the classifier recorder and the LLM
// request recorder on one registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	iterationDuration prometheus.Histogram
	actionsTotal      *prometheus.CounterVec
	actionDuration    *prometheus.HistogramVec
	retriesTotal      *prometheus.CounterVec
	checkpointsTotal  prometheus.Counter
	transitionsTotal  *prometheus.CounterVec
	inputWaitDuration *prometheus.HistogramVec

	intentsTotal     *prometheus.CounterVec
	intentConfidence *prometheus.HistogramVec

	llmRequestsTotal   *prometheus.CounterVec
	llmTokensTotal     *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
}

var _ engine.Recorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder registers all collectors on a fresh registry, which also carries
// the Go runtime and process collectors.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewPrometheusRecorderWith(reg)
}

// NewPrometheusRecorderWith registers all collectors on reg.
func NewPrometheusRecorderWith(reg *prometheus.Registry) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		registry: reg,
		iterationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "engine_iteration_duration_seconds",
			Help:      "Duration of one execution loop iteration",
			Buckets:   prometheus.DefBuckets,
		}),
		actionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "engine_actions_total",
			Help:      "Actions finished by kind and final status",
		}, []string{"kind", "status"}),
		actionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "engine_action_duration_seconds",
			Help:      "Duration of action handlers",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "engine_retries_total",
			Help:      "Failed actions re-queued for another attempt",
		}, []string{"kind"}),
		checkpointsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "engine_checkpoints_total",
			Help:      "Checkpoints taken",
		}),
		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "engine_state_transitions_total",
			Help:      "Execution state transitions",
		}, []string{"from", "to"}),
		inputWaitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "engine_input_wait_duration_seconds",
			Help:      "Time spent waiting for user input",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		intentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "intents_total",
			Help:      "Classified messages by intent, category and deciding stage",
		}, []string{"intent", "category", "source"}),
		intentConfidence: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "intent_confidence",
			Help:      "Confidence of classification results",
			Buckets:   []float64{0.1, 0.3, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}, []string{"source"}),
		llmRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "llm_requests_total",
			Help:      "LLM requests by model and status",
		}, []string{"model", "status", "error_type"}),
		llmTokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens used in LLM requests",
		}, []string{"model", "type"}),
		llmRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Duration of LLM requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model"}),
	}
}

// Registry returns the registry the recorder writes to.
func (p *PrometheusRecorder) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// ObserveIteration records one loop iteration.
func (p *PrometheusRecorder) ObserveIteration(d time.Duration) {
	p.iterationDuration.Observe(d.Seconds())
}

// ObserveAction records a finished action attempt.
func (p *PrometheusRecorder) ObserveAction(kind engine.ActionKind, status engine.ActionStatus, d time.Duration) {
	p.actionsTotal.WithLabelValues(string(kind), string(status)).Inc()
	p.actionDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

// ObserveRetry records an action re-queued after failure.
func (p *PrometheusRecorder) ObserveRetry(kind engine.ActionKind) {
	p.retriesTotal.WithLabelValues(string(kind)).Inc()
}

// ObserveCheckpoint records a checkpoint.
func (p *PrometheusRecorder) ObserveCheckpoint() {
	p.checkpointsTotal.Inc()
}

// ObserveStateChange records a state transition.
func (p *PrometheusRecorder) ObserveStateChange(from, to engine.State) {
	p.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveInputWait records how long the loop waited for input.
func (p *PrometheusRecorder) ObserveInputWait(d time.Duration, timedOut bool) {
	outcome := "answered"
	if timedOut {
		outcome = "timeout"
	}
	p.inputWaitDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveIntent records one classification result.
func (p *PrometheusRecorder) ObserveIntent(intent, category, source string, confidence float64) {
	p.intentsTotal.WithLabelValues(intent, category, source).Inc()
	p.intentConfidence.WithLabelValues(source).Observe(confidence)
}

// ObserveLLMRequest records a completed LLM request.
func (p *PrometheusRecorder) ObserveLLMRequest(model string, promptTokens, completionTokens int, success bool, errorType string, d time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	p.llmRequestsTotal.WithLabelValues(model, status, errorType).Inc()
	if success {
		p.llmTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
		p.llmTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	p.llmRequestDuration.WithLabelValues(model).Observe(d.Seconds())
}
