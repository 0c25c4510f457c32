package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"autopilot/pkg/engine"
	"autopilot/pkg/logx"
	"autopilot/pkg/persistence"
)

type statusOptions struct {
	jsonOut bool
	logs    bool
}

// sessionReport is the durable view of one session printed by status.
type sessionReport struct {
	*persistence.ExecutionSession
	Checkpoints      int          `json:"checkpoints"`
	Iteration        int          `json:"iteration"`
	State            engine.State `json:"state,omitempty"`
	CompletedActions int          `json:"completed_actions"`
	PendingActions   int          `json:"pending_actions"`
	LastCheckpoint   *time.Time   `json:"last_checkpoint,omitempty"`
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	so := &statusOptions{}
	cmd := &cobra.Command{
		Use:   "status [session-id]",
		Short: "Show a session's record and checkpoint progress",
		Long: `Shows one session's durable record and its newest checkpoint. Without an id,
the user's resumable sessions in the project are shown.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStore(opts)
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				err = a.printSession(cmd, out, args[0], so.jsonOut)
			} else {
				err = a.printResumable(cmd, out, so.jsonOut)
			}
			if err != nil {
				return err
			}
			if so.logs {
				printLogs(out, time.Time{})
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&so.jsonOut, "json", false, "Print JSON")
	cmd.Flags().BoolVar(&so.logs, "logs", false, "Also print the log lines captured by this process")
	return cmd
}

func (a *app) report(cmd *cobra.Command, sessionID string) (*sessionReport, error) {
	ctx := cmd.Context()
	rec, err := a.store.Sessions.Get(ctx, sessionID)
	if errors.Is(err, persistence.ErrSessionNotFound) {
		return nil, fmt.Errorf("no session %s", sessionID)
	}
	if err != nil {
		return nil, err
	}
	r := &sessionReport{ExecutionSession: rec}
	cps, err := a.store.Checkpoints.ListCheckpoints(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	r.Checkpoints = len(cps)
	if len(cps) > 0 {
		latest := cps[0]
		for _, cp := range cps[1:] {
			if cp.CreatedAt.After(latest.CreatedAt) {
				latest = cp
			}
		}
		r.Iteration = latest.Iteration
		r.State = latest.State
		r.CompletedActions = len(latest.CompletedActionIDs)
		r.PendingActions = len(latest.PendingActionIDs)
		r.LastCheckpoint = &latest.CreatedAt
	}
	return r, nil
}

func (a *app) printSession(cmd *cobra.Command, out io.Writer, sessionID string, jsonOut bool) error {
	r, err := a.report(cmd, sessionID)
	if err != nil {
		return err
	}
	if jsonOut {
		return writeJSON(out, r)
	}
	fmt.Fprintf(out, "Session:     %s\n", r.SessionID)
	fmt.Fprintf(out, "Goal:        %s\n", r.Goal)
	fmt.Fprintf(out, "Status:      %s\n", r.Status)
	fmt.Fprintf(out, "Autonomy:    %s\n", r.Autonomy)
	fmt.Fprintf(out, "Channel:     %s\n", r.Channel)
	fmt.Fprintf(out, "Created:     %s\n", r.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Activity:    %s\n", r.LastActivityAt.Format(time.RFC3339))
	if r.LastCheckpoint == nil {
		fmt.Fprintln(out, "Checkpoints: none")
		return nil
	}
	fmt.Fprintf(out, "Checkpoints: %d (newest at iteration %d, %s)\n", r.Checkpoints, r.Iteration, r.State)
	fmt.Fprintf(out, "Actions:     %d completed, %d pending\n", r.CompletedActions, r.PendingActions)
	return nil
}

func (a *app) printResumable(cmd *cobra.Command, out io.Writer, jsonOut bool) error {
	recs, err := a.store.Sessions.ListByUser(cmd.Context(), a.opts.userID,
		persistence.SessionStatusActive, persistence.SessionStatusPaused)
	if err != nil {
		return err
	}
	var inProject []*persistence.ExecutionSession
	for _, r := range recs {
		if r.ProjectID == a.opts.projectID {
			inProject = append(inProject, r)
		}
	}
	if jsonOut {
		return writeJSON(out, inProject)
	}
	if len(inProject) == 0 {
		fmt.Fprintf(out, "No resumable sessions for %s in project %s.\n", a.opts.userID, a.opts.projectID)
		return nil
	}
	return writeSessionTable(out, inProject)
}

func writeSessionTable(out io.Writer, recs []*persistence.ExecutionSession) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tPROJECT\tSTATUS\tAUTONOMY\tLAST ACTIVITY\tGOAL")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.SessionID, r.ProjectID, r.Status, r.Autonomy,
			r.LastActivityAt.Local().Format(time.DateTime), truncateGoal(r.Goal, 60))
	}
	return tw.Flush()
}

func printLogs(out io.Writer, since time.Time) {
	for _, e := range logx.Recent("", since) {
		fmt.Fprintf(out, "%s [%s] %s: %s\n", e.Timestamp.Format(time.TimeOnly), e.Component, e.Level, e.Message)
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncateGoal(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
