package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"autopilot/pkg/config"
	"autopilot/pkg/engine"
	"autopilot/pkg/intent"
	"autopilot/pkg/llm"
	"autopilot/pkg/orchestrator"
	"autopilot/pkg/planner"
	"autopilot/pkg/registry"
)

const defaultChatChannel = "cli"

type chatOptions struct {
	sessionID   string
	planFile    string
	channel     string
	metricsAddr string
	projectName string
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	co := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the orchestrator",
		Long: `Starts an interactive conversation. Each message is classified and routed to
feature planning, execution control (pause, resume, stop, continue) or a status
query. Conversations are stored, so 'chat' picks up where the last one left off.

Commands: /status, /logs, /end, /quit.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd, opts, co)
		},
	}
	cmd.Flags().StringVar(&co.sessionID, "session", "", "Conversation to reattach (default: the latest one)")
	cmd.Flags().StringVar(&co.planFile, "plan-file", "", "YAML plan used by started executions instead of the LLM")
	cmd.Flags().StringVar(&co.channel, "channel", defaultChatChannel, "Broadcast channel for conversation and session events")
	cmd.Flags().StringVar(&co.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides config)")
	cmd.Flags().StringVar(&co.projectName, "project-name", "", "Human-readable project name")
	return cmd
}

// chatSession is one interactive conversation bound to an orchestrator.
type chatSession struct {
	orch      *orchestrator.Orchestrator
	out       io.Writer
	sc        orchestrator.SessionContext
	autonomy  *atomic.Value
	startedAt time.Time
}

func runChat(cmd *cobra.Command, opts *rootOptions, co *chatOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, opts, co.planFile)
	if err != nil {
		return err
	}
	defer a.close()

	orch, err := a.newOrchestrator()
	if err != nil {
		return err
	}

	addr := co.metricsAddr
	if addr == "" {
		addr = a.cfg.Metrics.ListenAddr
	}
	if addr != "" {
		srv := &http.Server{Addr: addr, Handler: a.recorder.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if serveErr := srv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				a.logger.Error("❌ Metrics server: %v", serveErr)
			}
		}()
		defer func() { _ = srv.Close() }()
		a.logger.Info("📊 Metrics on http://%s/metrics", addr)
	}

	autonomy := &atomic.Value{}
	autonomy.Store(a.cfg.Autonomy.DefaultLevel)
	if opts.configPath != "" {
		go func() {
			watchErr := config.Watch(ctx, opts.configPath, func(cfg *config.Config) {
				autonomy.Store(cfg.Autonomy.DefaultLevel)
				a.logger.Info("🔄 Autonomy for new executions: %s", cfg.Autonomy.DefaultLevel)
			})
			if watchErr != nil {
				a.logger.Warn("⚠️ %v", watchErr)
			}
		}()
	}

	chat := &chatSession{
		orch:     orch,
		out:      newLockedWriter(cmd.OutOrStdout()),
		autonomy: autonomy,
		sc: orchestrator.SessionContext{
			SessionID:   co.sessionID,
			ProjectID:   opts.projectID,
			UserID:      opts.userID,
			ProjectName: co.projectName,
			Channel:     co.channel,
		},
		startedAt: time.Now(),
	}

	events, unsubscribe := a.local.Subscribe(co.channel)
	defer unsubscribe()
	go chat.printEvents(events)

	if err := chat.restore(ctx); err != nil {
		return err
	}
	return chat.loop(ctx, readLines(cmd.InOrStdin()))
}

// newOrchestrator wires the classifier, the feature book and the registry together. Without
// LLM credentials the classifier runs on patterns alone.
func (a *app) newOrchestrator() (*orchestrator.Orchestrator, error) {
	var client llm.LLMClient
	if !a.cfg.Intent.DisableLLM {
		c, err := a.llmClient()
		if err != nil {
			a.logger.Warn("⚠️ Intent classification without LLM: %v", err)
		} else {
			client = c
		}
	}
	classifier := intent.New(client, intent.ConfigFrom(&a.cfg.Intent), intent.WithRecorder(a.recorder))
	return orchestrator.New(orchestrator.Deps{
		Classifier: classifier,
		Planning:   planner.NewFeatureBook(a.store.Memory),
		Executor:   a.registry,
		Memory:     a.store.Memory,
		Store:      a.store.Orchestrator,
		Notifier:   a.notifier,
	})
}

func (c *chatSession) restore(ctx context.Context) error {
	r, err := c.orch.RestoreSession(ctx, c.sc)
	if err != nil {
		return err
	}
	c.sc.SessionID = r.SessionID
	fmt.Fprintf(c.out, "💬 Conversation %s (project %s)\n", r.SessionID, r.ProjectID)
	for _, s := range r.ExecutorSessions {
		fmt.Fprintf(c.out, "   %s %s: %s\n", s.Status, s.SessionID, s.Goal)
	}
	fmt.Fprintf(c.out, "💡 %s\n", r.SuggestedAction.Message)
	return nil
}

func (c *chatSession) loop(ctx context.Context, lines <-chan string) error {
	for {
		fmt.Fprint(c.out, "> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out)
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			done, err := c.command(ctx, line)
			if err != nil {
				fmt.Fprintf(c.out, "❌ %v\n", err)
			}
			if done {
				return nil
			}
			continue
		}

		sc := c.sc
		sc.Autonomy = registry.Autonomy(c.autonomy.Load().(string))
		res, err := c.orch.ProcessMessage(ctx, line, sc)
		if err != nil {
			fmt.Fprintf(c.out, "❌ %v\n", err)
			continue
		}
		c.sc.SessionID = res.SessionID
		c.printResult(res)
	}
}

// command handles a slash command and reports whether the chat should end.
func (c *chatSession) command(ctx context.Context, line string) (bool, error) {
	switch strings.Fields(line)[0] {
	case "/quit", "/exit":
		return true, nil
	case "/end":
		if err := c.orch.EndSession(ctx, c.sc.SessionID); err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "👋 Ended conversation %s\n", c.sc.SessionID)
		return true, nil
	case "/status":
		st, err := c.orch.Status(c.sc.SessionID)
		if err != nil {
			return false, err
		}
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, string(data))
	case "/logs":
		printLogs(c.out, c.startedAt)
	default:
		return false, fmt.Errorf("unknown command %s", line)
	}
	return false, nil
}

func (c *chatSession) printResult(res *orchestrator.Result) {
	icon := "🤖"
	if !res.Success {
		icon = "⚠️"
	}
	fmt.Fprintf(c.out, "%s %s\n", icon, res.Message)
	for _, q := range res.Questions {
		fmt.Fprintf(c.out, "   ❓ %s\n", q)
	}
	for _, item := range res.Results {
		if res.Type == orchestrator.ResultQuery {
			fmt.Fprintf(c.out, "   • %v\n", item.Content)
		}
	}
}

// printEvents shows execution progress published on the chat channel.
func (c *chatSession) printEvents(events <-chan *registry.Message) {
	for msg := range events {
		switch msg.Type {
		case registry.MsgStatus:
			if ev, ok := msg.Data.(engine.StatusEvent); ok {
				fmt.Fprintf(c.out, "\n%s %s: %s\n", statusIcon(ev.Event), ev.SessionID, ev.Event)
			}
		case registry.MsgAction:
			if ev, ok := msg.Data.(engine.ActionEvent); ok {
				fmt.Fprintf(c.out, "\n  [%d] %s %s: %s\n", ev.Iteration, actionIcon(ev.Status), ev.Kind, ev.Description)
			}
		case registry.MsgInputNeeded:
			if req, ok := msg.Data.(engine.InputRequest); ok {
				fmt.Fprintf(c.out, "\n❓ %s\n", req.Question)
			}
		}
	}
}
