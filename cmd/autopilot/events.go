package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"autopilot/pkg/eventlog"
)

type eventsOptions struct {
	jsonOut bool
	msgType string
}

func newEventsCmd(opts *rootOptions) *cobra.Command {
	eo := &eventsOptions{}
	cmd := &cobra.Command{
		Use:   "events SESSION",
		Short: "Replay a session's journaled status, action and input messages",
		Long: `Every message published for a session is appended to a daily JSONL journal in
the events directory next to the database. This prints one session's messages in order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			recs, err := eventlog.SessionRecords(eventsDir(cfg), args[0])
			if err != nil {
				return err
			}
			if eo.msgType != "" {
				kept := recs[:0]
				for _, r := range recs {
					if r.Type == eo.msgType {
						kept = append(kept, r)
					}
				}
				recs = kept
			}
			out := cmd.OutOrStdout()
			if eo.jsonOut {
				return writeJSON(out, recs)
			}
			if len(recs) == 0 {
				fmt.Fprintf(out, "No events for %s.\n", args[0])
				return nil
			}
			printRecords(out, recs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&eo.jsonOut, "json", false, "Print JSON")
	cmd.Flags().StringVar(&eo.msgType, "type", "", "Only show messages of this type (e.g. autonomous_action)")
	return cmd
}

func printRecords(out io.Writer, recs []*eventlog.Record) {
	for _, r := range recs {
		fmt.Fprintf(out, "%s %-24s %s\n", r.Timestamp.Local().Format(time.DateTime), r.Type, r.Data)
	}
}
