package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 100, cfg.Engine.MaxIterations)
	assert.Equal(t, 10, cfg.Engine.CheckpointInterval)
	assert.Equal(t, 300*time.Second, cfg.Engine.InputTimeout.Std())
	assert.Equal(t, []string{"deploy", "refactor"}, cfg.Engine.ConfirmationKinds)
	assert.True(t, cfg.Engine.AutoRetryEnabled())
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.LoopDelay.Std())
	assert.Equal(t, time.Second, cfg.Engine.PausePoll.Std())
	assert.Zero(t, cfg.Engine.PlanningTimeout)
	assert.Equal(t, AutonomySupervised, cfg.Autonomy.DefaultLevel)
	assert.Equal(t, ProviderAnthropic, cfg.LLM.Provider)
	assert.NotEmpty(t, cfg.LLM.Model)
	assert.NoError(t, cfg.Validate())
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "autopilot.json", `{
		"engine": {"max_iterations": 20, "checkpoint_interval": 5, "input_timeout": "45s",
		           "confirmation_kinds": [], "auto_retry": false},
		"llm": {"model": "gemini-2.5-pro"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Engine.MaxIterations)
	assert.Equal(t, 5, cfg.Engine.CheckpointInterval)
	assert.Equal(t, 45*time.Second, cfg.Engine.InputTimeout.Std())
	assert.NotNil(t, cfg.Engine.ConfirmationKinds)
	assert.Empty(t, cfg.Engine.ConfirmationKinds, "explicit empty list disables confirmations")
	assert.False(t, cfg.Engine.AutoRetryEnabled())
	assert.Equal(t, ProviderGoogle, cfg.LLM.Provider, "provider inferred from model")
}

func TestLoadJSONRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "autopilot.json", `{"engine": {"max_iteration": 5}}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "autopilot.yaml", `
engine:
  max_iterations: 50
  loop_delay: 10ms
autonomy:
  default_level: semi_autonomous
broadcast:
  nats_url: nats://localhost:4222
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Engine.MaxIterations)
	assert.Equal(t, 10*time.Millisecond, cfg.Engine.LoopDelay.Std())
	assert.Equal(t, AutonomySemiAutonomous, cfg.Autonomy.DefaultLevel)
	assert.Equal(t, "nats://localhost:4222", cfg.Broadcast.NATSURL)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "autopilot.toml", `
[engine]
max_iterations = 30
pause_poll = "250ms"

[llm]
provider = "ollama"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Engine.MaxIterations)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.PausePoll.Std())
	assert.Equal(t, ProviderOllama, cfg.LLM.Provider)
	assert.Equal(t, DefaultModels[ProviderOllama], cfg.LLM.Model)
}

func TestLoadUnsupportedExtension(t *testing.T) {
	path := writeFile(t, "autopilot.ini", "x=1")
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvDBPath, "/tmp/override.db")
	t.Setenv(EnvAutonomyMode, AutonomyFullyAutonomous)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.Persistence.DBPath)
	assert.Equal(t, AutonomyFullyAutonomous, cfg.Autonomy.DefaultLevel)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"checkpoint beyond max", func(c *Config) { c.Engine.CheckpointInterval = 500 }},
		{"unknown confirmation kind", func(c *Config) { c.Engine.ConfirmationKinds = []string{"launch"} }},
		{"unknown autonomy", func(c *Config) { c.Autonomy.DefaultLevel = "reckless" }},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "acme" }},
		{"bad temperature", func(c *Config) { c.LLM.Temperature = 3 }},
		{"bad nats url", func(c *Config) { c.Broadcast.NATSURL = "http://localhost" }},
		{"negative rate limit", func(c *Config) { c.LLM.RateLimit.MaxConcurrent = -1 }},
		{"inverted thresholds", func(c *Config) { c.Intent.MergeThreshold = 0.9 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	for _, name := range []string{"out.json", "out.yaml"} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Engine.MaxIterations = 42
			path := filepath.Join(t.TempDir(), name)

			require.NoError(t, Save(cfg, path))
			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, 42, loaded.Engine.MaxIterations)
			assert.Equal(t, cfg.Engine.InputTimeout, loaded.Engine.InputTimeout)
		})
	}
}

func TestProviderForModel(t *testing.T) {
	p, err := ProviderForModel("claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, p)

	_, err = ProviderForModel("mystery-model")
	assert.Error(t, err)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeFile(t, "autopilot.yaml", "engine:\n  max_iterations: 10\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen atomic.Int64
	go func() {
		_ = Watch(ctx, path, func(cfg *Config) {
			seen.Store(int64(cfg.Engine.MaxIterations))
		})
	}()

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_iterations: 77\n"), 0600))

	assert.Eventually(t, func() bool { return seen.Load() == 77 }, 3*time.Second, 20*time.Millisecond)
}
