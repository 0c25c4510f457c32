package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"autopilot/pkg/config"
	"autopilot/pkg/engine"
	"autopilot/pkg/eventlog"
	"autopilot/pkg/llm"
	"autopilot/pkg/llm/factory"
	"autopilot/pkg/logx"
	"autopilot/pkg/metrics"
	"autopilot/pkg/persistence"
	"autopilot/pkg/planner"
	"autopilot/pkg/registry"
)

const shutdownTimeout = 10 * time.Second

// app holds everything a long-running subcommand needs. Fields after store are nil for
// commands built with openStore.
type app struct {
	opts    *rootOptions
	cfg     *config.Config
	secrets *config.SecretStore
	store   *persistence.Store
	logger  *logx.Logger

	worker   *persistence.Worker
	recorder *metrics.PrometheusRecorder
	local    *registry.LocalNotifier
	nats     *registry.NATSNotifier
	journal  *eventlog.Writer
	notifier registry.Notifier
	client   llm.LLMClient
	plan     *planner.PlanFile
	registry *registry.Registry
}

// loadConfig reads the config file and applies the --db override.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.dbPath != "" {
		cfg.Persistence.DBPath = opts.dbPath
	}
	return cfg, nil
}

// openStore loads configuration and opens the database without starting any sessions.
func openStore(opts *rootOptions) (*app, error) {
	if err := engine.ValidateIdentifier("project", opts.projectID); err != nil {
		return nil, err
	}
	if err := engine.ValidateIdentifier("user", opts.userID); err != nil {
		return nil, err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	store, err := persistence.Open(cfg.Persistence.DBPath)
	if err != nil {
		return nil, err
	}
	return &app{
		opts:   opts,
		cfg:    cfg,
		store:  store,
		logger: logx.NewLogger("cli"),
	}, nil
}

// newApp builds the full runtime: secrets, persistence worker, metrics, transport, the LLM
// client and a session registry driven by a planner. A non-empty planFile replaces the LLM
// planner with the scripted one.
func newApp(ctx context.Context, opts *rootOptions, planFile string) (*app, error) {
	a, err := openStore(opts)
	if err != nil {
		return nil, err
	}
	if err := a.init(ctx, planFile); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context, planFile string) error {
	if n, err := a.store.Sessions.MarkInterrupted(ctx); err != nil {
		a.logger.Warn("⚠️ %v", err)
	} else if n > 0 {
		a.logger.Info("⏸️ Marked %d interrupted sessions as paused", n)
	}

	secrets, err := unlockSecrets(a.cfg, a.opts)
	if err != nil {
		return err
	}
	a.secrets = secrets

	a.worker = persistence.NewWorker(a.store, 0)
	a.worker.Start(ctx)
	a.recorder = metrics.NewPrometheusRecorder()

	a.local = registry.NewLocalNotifier()
	journal, err := eventlog.NewWriter(eventsDir(a.cfg))
	if err != nil {
		return err
	}
	a.journal = journal
	notifiers := registry.MultiNotifier{a.local, journal}
	if url := a.cfg.Broadcast.NATSURL; url != "" {
		nc, dialErr := registry.DialNATS(url, a.cfg.Broadcast.SubjectPrefix)
		if dialErr != nil {
			return dialErr
		}
		a.nats = nc
		notifiers = append(notifiers, nc)
	}
	a.notifier = notifiers

	var p engine.Planner
	if planFile != "" {
		pf, loadErr := planner.LoadPlanFile(planFile)
		if loadErr != nil {
			return loadErr
		}
		a.plan = pf
		p = planner.NewFilePlanner(pf)
	} else {
		client, clientErr := factory.NewClient(&a.cfg.LLM, a.secrets, a.recorder)
		if clientErr != nil {
			return fmt.Errorf("no LLM available (%w); configure a provider or pass --plan-file", clientErr)
		}
		a.client = client
		p, err = planner.NewLLMPlanner(client, planner.WithMaxInputTokens(a.cfg.LLM.MaxPromptTokens))
		if err != nil {
			return err
		}
	}

	autonomy, err := registry.ParseAutonomy(a.cfg.Autonomy.DefaultLevel, registry.Supervised)
	if err != nil {
		return err
	}
	a.registry, err = registry.New(registry.Config{
		Engine:          engine.ConfigFrom(&a.cfg.Engine),
		DefaultAutonomy: autonomy,
	}, registry.Deps{
		Planner:     p,
		Memory:      a.store.Memory,
		Checkpoints: a.store.Checkpoints,
		Sessions:    a.store.Sessions,
		Worker:      a.worker,
		Notifier:    a.notifier,
		Recorder:    a.recorder,
	})
	return err
}

// llmClient returns the configured client, building it on first use. Commands running from a
// plan file only get one when credentials resolve.
func (a *app) llmClient() (llm.LLMClient, error) {
	if a.client != nil {
		return a.client, nil
	}
	client, err := factory.NewClient(&a.cfg.LLM, a.secrets, a.recorder)
	if err != nil {
		return nil, err
	}
	a.client = client
	return client, nil
}

// close pauses live sessions so they can be resumed, drains pending writes and closes the
// database.
func (a *app) close() {
	if a.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.registry.Shutdown(ctx); err != nil {
			a.logger.Warn("⚠️ %v", err)
		}
		cancel()
	}
	if a.worker != nil {
		a.worker.Close()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("⚠️ Failed to close event log: %v", err)
		}
	}
	if a.nats != nil {
		if err := a.nats.Close(); err != nil {
			a.logger.Warn("⚠️ Failed to close NATS connection: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("⚠️ Failed to close database: %v", err)
		}
	}
}

// eventsDir is where session messages are journaled, next to the database.
func eventsDir(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Persistence.DBPath), "events")
}

// unlockSecrets opens the encrypted secrets file next to the database when one exists. The
// passphrase comes from AUTOPILOT_SECRETS_PASSWORD or an interactive prompt.
func unlockSecrets(cfg *config.Config, opts *rootOptions) (*config.SecretStore, error) {
	secrets := config.NewSecretStore(config.DefaultSecretsPath(cfg.Persistence.DBPath))
	if !secrets.Exists() {
		return secrets, nil
	}
	password := os.Getenv(envSecretsPassword)
	if password == "" {
		var err error
		if password, err = opts.password("🔐 Secrets passphrase: "); err != nil {
			return nil, err
		}
	}
	if err := secrets.Unlock(password); err != nil {
		return nil, fmt.Errorf("failed to unlock secrets: %w", err)
	}
	return secrets, nil
}
