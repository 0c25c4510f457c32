package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"autopilot/pkg/persistence"
)

type sessionsOptions struct {
	statuses    []string
	allProjects bool
	jsonOut     bool
}

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	so := &sessionsOptions{}
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List the user's execution sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, s := range so.statuses {
				if !persistence.IsValidSessionStatus(s) {
					return fmt.Errorf("unknown session status %q", s)
				}
			}
			a, err := openStore(opts)
			if err != nil {
				return err
			}
			defer a.close()

			recs, err := a.store.Sessions.ListByUser(cmd.Context(), opts.userID, so.statuses...)
			if err != nil {
				return err
			}
			if !so.allProjects {
				filtered := recs[:0]
				for _, r := range recs {
					if r.ProjectID == opts.projectID {
						filtered = append(filtered, r)
					}
				}
				recs = filtered
			}

			out := cmd.OutOrStdout()
			if so.jsonOut {
				return writeJSON(out, recs)
			}
			if len(recs) == 0 {
				fmt.Fprintln(out, "No sessions.")
				return nil
			}
			return writeSessionTable(out, recs)
		},
	}
	cmd.Flags().StringSliceVar(&so.statuses, "status", nil, "Only list sessions with these statuses")
	cmd.Flags().BoolVar(&so.allProjects, "all-projects", false, "List sessions from every project")
	cmd.Flags().BoolVar(&so.jsonOut, "json", false, "Print JSON")
	return cmd
}
