package main

import (
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"autopilot/pkg/persistence"
	"autopilot/pkg/registry"
)

type runOptions struct {
	planFile    string
	autonomy    string
	channel     string
	autoApprove bool
}

func (r *runOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.planFile, "plan-file", "", "YAML plan to execute instead of asking the LLM")
	cmd.Flags().StringVar(&r.autonomy, "autonomy", "", "Autonomy level: supervised, semi_autonomous or fully_autonomous")
	cmd.Flags().StringVar(&r.channel, "channel", "", "Broadcast channel for session events")
	cmd.Flags().BoolVarP(&r.autoApprove, "yes", "y", false, "Approve every confirmation gate")
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [goal]",
		Short: "Execute a goal autonomously",
		Long: `Plans the goal into tasks and executes them until the goal is complete, the
iteration bound is reached, or the session is stopped. Ctrl-C pauses the session
at a checkpoint so it can be continued with 'autopilot resume'.

With --plan-file the goal may be omitted; the plan file's goal is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGoal(cmd, opts, ro, strings.TrimSpace(strings.Join(args, " ")))
		},
	}
	ro.bind(cmd)
	return cmd
}

func runGoal(cmd *cobra.Command, opts *rootOptions, ro *runOptions, goal string) error {
	if goal == "" && ro.planFile == "" {
		return errors.New("a goal is required unless --plan-file is given")
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, opts, ro.planFile)
	if err != nil {
		return err
	}
	defer a.close()
	if goal == "" {
		goal = a.plan.Goal
	}
	if goal == "" {
		return errors.New("the plan file has no goal; pass one as an argument")
	}

	autonomy, err := registry.ParseAutonomy(ro.autonomy, "")
	if err != nil {
		return err
	}
	console := newSessionConsole(cmd.OutOrStdout(), ro.autoApprove)
	ec, err := a.registry.StartSession(ctx, registry.StartRequest{
		ProjectID: opts.projectID,
		UserID:    opts.userID,
		Goal:      goal,
		Channel:   ro.channel,
		Autonomy:  autonomy,
		Listener:  console.listener(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "🚀 Session %s: %s\n", ec.SessionID, ec.Goal)
	return console.follow(ctx, a.registry, ec.SessionID, readLines(cmd.InOrStdin()))
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "resume [session-id]",
		Short: "Resume a paused session from its newest checkpoint",
		Long: `Restores a session from its newest checkpoint and continues executing it.
Without an id, the most recently active paused session of the user in the
project is resumed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sessionID string
			if len(args) == 1 {
				sessionID = args[0]
			}
			return resumeSession(cmd, opts, ro, sessionID)
		},
	}
	ro.bind(cmd)
	_ = cmd.Flags().MarkHidden("autonomy")
	return cmd
}

func resumeSession(cmd *cobra.Command, opts *rootOptions, ro *runOptions, sessionID string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, opts, ro.planFile)
	if err != nil {
		return err
	}
	defer a.close()

	if sessionID == "" {
		rec, lookupErr := a.store.Sessions.LatestForUser(ctx, opts.userID, opts.projectID, persistence.SessionStatusPaused)
		if errors.Is(lookupErr, persistence.ErrSessionNotFound) {
			return fmt.Errorf("no paused session for %s in project %s", opts.userID, opts.projectID)
		}
		if lookupErr != nil {
			return lookupErr
		}
		sessionID = rec.SessionID
	}

	console := newSessionConsole(cmd.OutOrStdout(), ro.autoApprove)
	st, err := a.registry.RestoreSession(ctx, registry.RestoreRequest{
		SessionID: sessionID,
		Channel:   ro.channel,
		Listener:  console.listener(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "🔄 Restored %s at iteration %d: %s\n", st.SessionID, st.Iteration, st.Goal)
	if err := a.registry.ResumeSession(sessionID); err != nil {
		return err
	}
	return console.follow(ctx, a.registry, sessionID, readLines(cmd.InOrStdin()))
}
