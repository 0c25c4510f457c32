// Package config loads, defaults and validates autopilot configuration. Files may be
// JSON, YAML or TOML; the decoder is chosen by extension.
package config

import (
	"fmt"
	"strings"
	"time"

	"autopilot/pkg/logx"
)

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// Environment variables consulted for credentials and overrides.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"

	EnvDBPath       = "AUTOPILOT_DB_PATH"
	EnvLLMProvider  = "AUTOPILOT_LLM_PROVIDER"
	EnvLLMModel     = "AUTOPILOT_LLM_MODEL"
	EnvNATSURL      = "AUTOPILOT_NATS_URL"
	EnvMetricsAddr  = "AUTOPILOT_METRICS_ADDR"
	EnvAutonomyMode = "AUTOPILOT_AUTONOMY"
)

// Autonomy levels.
const (
	AutonomySupervised      = "supervised"
	AutonomySemiAutonomous  = "semi_autonomous"
	AutonomyFullyAutonomous = "fully_autonomous"
)

// Engine defaults.
const (
	DefaultMaxIterations      = 100
	DefaultCheckpointInterval = 10
	DefaultInputTimeout       = 300 * time.Second
	DefaultMaxRetries         = 3
	DefaultLoopDelay          = 500 * time.Millisecond
	DefaultPausePoll          = time.Second
	DefaultLLMThreshold       = 0.8
	DefaultMergeThreshold     = 0.5
	DefaultDBPath             = ".autopilot/autopilot.db"
	DefaultSubjectPrefix      = "autopilot"
	DefaultMaxTokens          = 4096
	DefaultMaxPromptTokens    = 12000
	DefaultTemperature        = 0.3
	DefaultOllamaHost         = "http://localhost:11434"
)

// DefaultConfirmationKinds gate deploy and refactor actions behind user approval.
//
//nolint:gochecknoglobals // read-only defaults
var DefaultConfirmationKinds = []string{"deploy", "refactor"}

// Duration decodes from strings such as "500ms" in every supported format.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration document.
type Config struct {
	Engine      EngineConfig      `json:"engine" yaml:"engine" toml:"engine"`
	Autonomy    AutonomyConfig    `json:"autonomy" yaml:"autonomy" toml:"autonomy"`
	Intent      IntentConfig      `json:"intent" yaml:"intent" toml:"intent"`
	Persistence PersistenceConfig `json:"persistence" yaml:"persistence" toml:"persistence"`
	LLM         LLMConfig         `json:"llm" yaml:"llm" toml:"llm"`
	Broadcast   BroadcastConfig   `json:"broadcast" yaml:"broadcast" toml:"broadcast"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics" toml:"metrics"`
}

// EngineConfig controls the autonomous execution loop.
type EngineConfig struct {
	MaxIterations      int      `json:"max_iterations" yaml:"max_iterations" toml:"max_iterations"`
	CheckpointInterval int      `json:"checkpoint_interval" yaml:"checkpoint_interval" toml:"checkpoint_interval"`
	InputTimeout       Duration `json:"input_timeout" yaml:"input_timeout" toml:"input_timeout"`
	// nil selects DefaultConfirmationKinds; an explicit empty list disables confirmations.
	ConfirmationKinds []string `json:"confirmation_kinds" yaml:"confirmation_kinds" toml:"confirmation_kinds"`
	AutoRetry         *bool    `json:"auto_retry" yaml:"auto_retry" toml:"auto_retry"`
	MaxRetries        int      `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	LoopDelay         Duration `json:"loop_delay" yaml:"loop_delay" toml:"loop_delay"`
	PausePoll         Duration `json:"pause_poll" yaml:"pause_poll" toml:"pause_poll"`
	// Zero leaves planner calls bounded only by the caller's context.
	PlanningTimeout Duration `json:"planning_timeout" yaml:"planning_timeout" toml:"planning_timeout"`
}

// AutoRetryEnabled reports the effective auto-retry switch.
func (e *EngineConfig) AutoRetryEnabled() bool {
	return e.AutoRetry == nil || *e.AutoRetry
}

// AutonomyConfig picks the default autonomy level for new sessions.
type AutonomyConfig struct {
	DefaultLevel string `json:"default_level" yaml:"default_level" toml:"default_level"`
}

// IntentConfig tunes the two-stage classifier.
type IntentConfig struct {
	LLMThreshold   float64 `json:"llm_threshold" yaml:"llm_threshold" toml:"llm_threshold"`
	MergeThreshold float64 `json:"merge_threshold" yaml:"merge_threshold" toml:"merge_threshold"`
	DisableLLM     bool    `json:"disable_llm" yaml:"disable_llm" toml:"disable_llm"`
}

// PersistenceConfig locates the SQLite database.
type PersistenceConfig struct {
	DBPath string `json:"db_path" yaml:"db_path" toml:"db_path"`
}

// LLMConfig selects the text-generation provider.
type LLMConfig struct {
	Provider        string      `json:"provider" yaml:"provider" toml:"provider"`
	Model           string      `json:"model" yaml:"model" toml:"model"`
	MaxTokens       int         `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	MaxPromptTokens int         `json:"max_prompt_tokens" yaml:"max_prompt_tokens" toml:"max_prompt_tokens"`
	Temperature     float32     `json:"temperature" yaml:"temperature" toml:"temperature"`
	OllamaHost      string      `json:"ollama_host" yaml:"ollama_host" toml:"ollama_host"`
	Retry           RetryConfig `json:"retry" yaml:"retry" toml:"retry"`
	RateLimit       RateLimit   `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
}

// RateLimit throttles provider traffic. Zero values disable each limit.
type RateLimit struct {
	TokensPerMinute int `json:"tokens_per_minute" yaml:"tokens_per_minute" toml:"tokens_per_minute"`
	MaxConcurrent   int `json:"max_concurrent" yaml:"max_concurrent" toml:"max_concurrent"`
}

// RetryConfig bounds provider retries.
type RetryConfig struct {
	MaxRetries   int      `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	InitialDelay Duration `json:"initial_delay" yaml:"initial_delay" toml:"initial_delay"`
	MaxDelay     Duration `json:"max_delay" yaml:"max_delay" toml:"max_delay"`
}

// BroadcastConfig configures the NATS transport. An empty URL keeps events in-process.
type BroadcastConfig struct {
	NATSURL       string `json:"nats_url" yaml:"nats_url" toml:"nats_url"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix" toml:"subject_prefix"`
}

// MetricsConfig configures the Prometheus endpoint and the query API.
type MetricsConfig struct {
	ListenAddr    string `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"`
	PrometheusURL string `json:"prometheus_url" yaml:"prometheus_url" toml:"prometheus_url"`
}

// ProviderPattern maps a model-name prefix to its provider.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns infer a provider when only a model is configured.
//
//nolint:gochecknoglobals // inference table
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"deepseek", ProviderOllama},
	{"phi", ProviderOllama},
}

// DefaultModels per provider.
//
//nolint:gochecknoglobals // read-only defaults
var DefaultModels = map[string]string{
	ProviderAnthropic: "claude-sonnet-4-5",
	ProviderOpenAI:    "gpt-5",
	ProviderGoogle:    "gemini-2.5-flash",
	ProviderOllama:    "qwen2.5-coder",
}

// ProviderForModel infers the provider of model.
func ProviderForModel(model string) (string, error) {
	lower := strings.ToLower(model)
	for i := range ProviderPatterns {
		if strings.HasPrefix(lower, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}
	return "", fmt.Errorf("unknown model %q: no provider pattern matches", model)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	e := &cfg.Engine
	if e.MaxIterations <= 0 {
		e.MaxIterations = DefaultMaxIterations
	}
	if e.CheckpointInterval <= 0 {
		e.CheckpointInterval = DefaultCheckpointInterval
	}
	if e.InputTimeout <= 0 {
		e.InputTimeout = Duration(DefaultInputTimeout)
	}
	if e.ConfirmationKinds == nil {
		e.ConfirmationKinds = append([]string(nil), DefaultConfirmationKinds...)
	}
	if e.MaxRetries <= 0 {
		e.MaxRetries = DefaultMaxRetries
	}
	if e.LoopDelay <= 0 {
		e.LoopDelay = Duration(DefaultLoopDelay)
	}
	if e.PausePoll <= 0 {
		e.PausePoll = Duration(DefaultPausePoll)
	}

	if cfg.Autonomy.DefaultLevel == "" {
		cfg.Autonomy.DefaultLevel = AutonomySupervised
	}

	if cfg.Intent.LLMThreshold <= 0 {
		cfg.Intent.LLMThreshold = DefaultLLMThreshold
	}
	if cfg.Intent.MergeThreshold <= 0 {
		cfg.Intent.MergeThreshold = DefaultMergeThreshold
	}

	if cfg.Persistence.DBPath == "" {
		cfg.Persistence.DBPath = DefaultDBPath
	}

	l := &cfg.LLM
	if l.Provider == "" && l.Model != "" {
		if p, err := ProviderForModel(l.Model); err == nil {
			l.Provider = p
		}
	}
	if l.Provider == "" {
		l.Provider = ProviderAnthropic
	}
	if l.Model == "" {
		l.Model = DefaultModels[l.Provider]
	}
	if l.MaxTokens <= 0 {
		l.MaxTokens = DefaultMaxTokens
	}
	if l.MaxPromptTokens <= 0 {
		l.MaxPromptTokens = DefaultMaxPromptTokens
	}
	if l.Temperature == 0 {
		l.Temperature = DefaultTemperature
	}
	if l.OllamaHost == "" {
		l.OllamaHost = DefaultOllamaHost
	}
	if l.Retry.MaxRetries <= 0 {
		l.Retry.MaxRetries = 3
	}
	if l.Retry.InitialDelay <= 0 {
		l.Retry.InitialDelay = Duration(500 * time.Millisecond)
	}
	if l.Retry.MaxDelay <= 0 {
		l.Retry.MaxDelay = Duration(10 * time.Second)
	}

	if cfg.Broadcast.SubjectPrefix == "" {
		cfg.Broadcast.SubjectPrefix = DefaultSubjectPrefix
	}
}

//nolint:gochecknoglobals // closed sets used by validation
var (
	validActionKinds = map[string]bool{
		"analyze": true, "plan": true, "research": true, "generate_code": true, "refactor": true,
		"test": true, "debug": true, "document": true, "review": true, "deploy": true, "communicate": true,
	}
	validAutonomy = map[string]bool{
		AutonomySupervised: true, AutonomySemiAutonomous: true, AutonomyFullyAutonomous: true,
	}
	validProviders = map[string]bool{
		ProviderAnthropic: true, ProviderOpenAI: true, ProviderGoogle: true, ProviderOllama: true,
	}
)

// Validate checks structural constraints. It expects defaults to be applied.
func (c *Config) Validate() error {
	if c.Engine.CheckpointInterval > c.Engine.MaxIterations {
		return fmt.Errorf("engine.checkpoint_interval (%d) exceeds engine.max_iterations (%d)",
			c.Engine.CheckpointInterval, c.Engine.MaxIterations)
	}
	for _, kind := range c.Engine.ConfirmationKinds {
		if !validActionKinds[kind] {
			return fmt.Errorf("engine.confirmation_kinds: unknown action kind %q", kind)
		}
	}
	if c.Engine.PlanningTimeout < 0 {
		return fmt.Errorf("engine.planning_timeout must not be negative")
	}
	if !validAutonomy[c.Autonomy.DefaultLevel] {
		return fmt.Errorf("autonomy.default_level: unknown level %q", c.Autonomy.DefaultLevel)
	}
	if c.Intent.LLMThreshold > 1 || c.Intent.MergeThreshold > c.Intent.LLMThreshold {
		return fmt.Errorf("intent thresholds must satisfy merge_threshold <= llm_threshold <= 1")
	}
	if !validProviders[c.LLM.Provider] {
		return fmt.Errorf("llm.provider: unknown provider %q", c.LLM.Provider)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0.0 and 2.0")
	}
	if c.LLM.RateLimit.TokensPerMinute < 0 || c.LLM.RateLimit.MaxConcurrent < 0 {
		return fmt.Errorf("llm.rate_limit values must not be negative")
	}
	if c.Broadcast.NATSURL != "" && !strings.HasPrefix(c.Broadcast.NATSURL, "nats://") &&
		!strings.HasPrefix(c.Broadcast.NATSURL, "tls://") {
		return fmt.Errorf("broadcast.nats_url must start with nats:// or tls://")
	}
	return nil
}

func getLogger() *logx.Logger {
	return logx.NewLogger("config")
}
