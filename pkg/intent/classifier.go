package intent

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"autopilot/pkg/config"
	"autopilot/pkg/llm"
	"autopilot/pkg/logx"
)

const (
	// fallbackConfidence is reported when the LLM stage fails.
	fallbackConfidence = 0.3
	// defaultLLMConfidence is assumed when the LLM omits a confidence.
	defaultLLMConfidence = 0.5
	// maxMessageTokens bounds the user message forwarded to the LLM.
	maxMessageTokens = 2000
	classifyMaxTokens = 512
)

// Recorder receives one observation per classification.
type Recorder interface {
	ObserveIntent(intent, category, source string, confidence float64)
}

// Config tunes the stages.
type Config struct {
	// LLMThreshold is the pattern confidence at or above which the LLM is skipped.
	LLMThreshold float64
	// MergeThreshold is the pattern confidence at or above which the pattern intent
	// survives an LLM consultation.
	MergeThreshold float64
	DisableLLM     bool
}

// DefaultConfig returns the classifier defaults.
func DefaultConfig() Config {
	return Config{LLMThreshold: config.DefaultLLMThreshold, MergeThreshold: config.DefaultMergeThreshold}
}

// ConfigFrom converts the file-level intent section.
func ConfigFrom(ic *config.IntentConfig) Config {
	cfg := DefaultConfig()
	if ic.LLMThreshold > 0 {
		cfg.LLMThreshold = ic.LLMThreshold
	}
	if ic.MergeThreshold > 0 {
		cfg.MergeThreshold = ic.MergeThreshold
	}
	cfg.DisableLLM = ic.DisableLLM
	return cfg
}

// Option customises a Classifier.
type Option func(*Classifier)

// WithRecorder reports every classification to rec.
func WithRecorder(rec Recorder) Option {
	return func(c *Classifier) { c.recorder = rec }
}

// WithTracer overrides the tracer used for classification spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Classifier) { c.tracer = t }
}

// Classifier maps messages to intents. It holds no per-conversation state and is safe
// for concurrent use.
type Classifier struct {
	client   llm.LLMClient
	cfg      Config
	recorder Recorder
	tracer   trace.Tracer
	counter  *llm.TokenCounter
	logger   *logx.Logger
}

// New creates a classifier. client may be nil, in which case only patterns are used.
func New(client llm.LLMClient, cfg Config, opts ...Option) *Classifier {
	if cfg.LLMThreshold <= 0 {
		cfg.LLMThreshold = config.DefaultLLMThreshold
	}
	if cfg.MergeThreshold <= 0 {
		cfg.MergeThreshold = config.DefaultMergeThreshold
	}
	c := &Classifier{
		client: client,
		cfg:    cfg,
		tracer: otel.Tracer("autopilot/intent"),
		logger: logx.NewLogger("intent"),
	}
	if counter, err := llm.NewTokenCounter(); err == nil {
		c.counter = counter
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify returns the intent of msg. It never fails: LLM problems degrade to Unknown.
func (c *Classifier) Classify(ctx context.Context, msg string, cctx Context) *Result {
	ctx, span := c.tracer.Start(ctx, "intent.classify")
	defer span.End()

	res := c.classify(ctx, msg, &cctx)

	res.Category = res.Intent.Category()
	res.Entities = mergeEntities(res.Entities, extractEntities(msg, res.Intent))
	res.ContextNeeded = contextNeeded(res, &cctx)
	res.RequiresConfirmation = len(res.ContextNeeded) > 0
	res.SuggestedAction = suggestedAction(res, &cctx, msg)

	span.SetAttributes(
		attribute.String("intent.name", string(res.Intent)),
		attribute.String("intent.source", res.Source),
		attribute.Float64("intent.confidence", res.Confidence),
	)
	if c.recorder != nil {
		c.recorder.ObserveIntent(string(res.Intent), string(res.Category), res.Source, res.Confidence)
	}
	logx.Debug(ctx, "intent", "%q -> %s (%.2f, %s)", llm.SanitizePrompt(msg, 200), res.Intent, res.Confidence, res.Source)
	return res
}

func (c *Classifier) classify(ctx context.Context, msg string, cctx *Context) *Result {
	pattern, matched := matchPatterns(msg)
	if matched && pattern.Confidence >= c.cfg.LLMThreshold {
		return &pattern
	}

	if c.client == nil || c.cfg.DisableLLM {
		if matched {
			return &pattern
		}
		return &Result{Intent: Unknown, Confidence: fallbackConfidence, Source: SourceDefault}
	}

	llmRes := c.classifyWithLLM(ctx, msg, cctx)
	if matched && pattern.Confidence >= c.cfg.MergeThreshold {
		pattern.Entities = mergeEntities(pattern.Entities, llmRes.Entities)
		pattern.Source = SourceMerged
		return &pattern
	}
	return llmRes
}

type llmClassification struct {
	Intent     string         `json:"intent"`
	Confidence *float64       `json:"confidence"`
	Entities   map[string]any `json:"entities"`
	Reasoning  string         `json:"reasoning"`
}

func (c *Classifier) classifyWithLLM(ctx context.Context, msg string, cctx *Context) *Result {
	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(systemPrompt()),
		llm.NewUserMessage(c.userPrompt(msg, cctx)),
	})
	req.Temperature = llm.TemperatureDeterministic
	req.MaxTokens = classifyMaxTokens
	req.JSON = true

	resp, err := c.client.Complete(ctx, req)
	if err != nil {
		c.logger.Warn("⚠️ LLM intent classification failed: %v", err)
		return &Result{Intent: Unknown, Confidence: fallbackConfidence, Source: SourceDefault}
	}

	var parsed llmClassification
	if err := llm.DecodeJSON(resp.Content, &parsed); err != nil {
		c.logger.Warn("⚠️ Malformed LLM intent classification: %v", err)
		return &Result{Intent: Unknown, Confidence: fallbackConfidence, Source: SourceDefault}
	}
	in, ok := ParseIntent(strings.TrimSpace(strings.ToLower(parsed.Intent)))
	if !ok {
		c.logger.Warn("⚠️ LLM returned unknown intent %q", parsed.Intent)
		return &Result{Intent: Unknown, Confidence: fallbackConfidence, Source: SourceDefault}
	}

	confidence := defaultLLMConfidence
	if parsed.Confidence != nil {
		confidence = min(max(*parsed.Confidence, 0), 1)
	}
	return &Result{
		Intent:     in,
		Confidence: confidence,
		Entities:   mergeEntities(nil, parsed.Entities),
		Source:     SourceLLM,
	}
}

func (c *Classifier) userPrompt(msg string, cctx *Context) string {
	if c.counter != nil {
		msg = c.counter.TruncateToTokenLimit(msg, maxMessageTokens)
	}
	project := firstNonEmpty(cctx.ProjectName, "unknown")
	active := firstNonEmpty(cctx.ActiveFeature, "none")
	return fmt.Sprintf("Message: %q\n\nContext:\n- Project: %s\n- Active feature: %s\n- Executor running: %t\n\nClassify the intent and extract any entities.",
		msg, project, active, cctx.ExecutorActive)
}

func systemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are an intent classifier for a software development assistant.\n")
	sb.WriteString("Analyze the user message and determine their intent.\n\nAvailable intents:\n")
	for _, in := range All() {
		fmt.Fprintf(&sb, "- %s (%s)\n", in, in.Category())
	}
	sb.WriteString(`
Return only JSON:
{
  "intent": "intent_name",
  "confidence": 0.0-1.0,
  "entities": {
    "feature_name": "feature name if mentioned",
    "task_description": "what should be done, if stated",
    "target": "what they are referring to"
  },
  "reasoning": "brief explanation"
}`)
	return sb.String()
}
