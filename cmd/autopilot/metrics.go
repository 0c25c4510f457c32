package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"autopilot/pkg/metrics"
)

const metricsQueryTimeout = 15 * time.Second

type metricsOptions struct {
	prometheusURL string
	jsonOut       bool
}

func newMetricsCmd(opts *rootOptions) *cobra.Command {
	mo := &metricsOptions{}
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Summarize engine, intent and token metrics from Prometheus",
		Long: `Queries a Prometheus server that scrapes 'autopilot chat --metrics-addr' and
prints action, retry, checkpoint, intent and per-model token totals.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url := mo.prometheusURL
			if url == "" {
				cfg, err := loadConfig(opts)
				if err != nil {
					return err
				}
				url = cfg.Metrics.PrometheusURL
			}
			if url == "" {
				return errors.New("no Prometheus URL: set metrics.prometheus_url or pass --prometheus-url")
			}
			return printMetrics(cmd.Context(), cmd.OutOrStdout(), url, mo.jsonOut)
		},
	}
	cmd.Flags().StringVar(&mo.prometheusURL, "prometheus-url", "", "Prometheus base URL (overrides config)")
	cmd.Flags().BoolVar(&mo.jsonOut, "json", false, "Print JSON")
	return cmd
}

func printMetrics(ctx context.Context, out io.Writer, url string, jsonOut bool) error {
	q, err := metrics.NewQueryService(url)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, metricsQueryTimeout)
	defer cancel()

	summary, err := q.GetSummary(ctx)
	if err != nil {
		return fmt.Errorf("failed to query metrics: %w", err)
	}
	usage, err := q.GetTokenUsageByModel(ctx)
	if err != nil {
		return fmt.Errorf("failed to query token usage: %w", err)
	}
	if jsonOut {
		return writeJSON(out, map[string]any{"summary": summary, "models": usage})
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	writeCounts(tw, "ACTIONS BY STATUS", summary.ActionsByStatus)
	writeCounts(tw, "ACTIONS BY KIND", summary.ActionsByKind)
	writeCounts(tw, "INTENTS", summary.IntentsByName)
	fmt.Fprintf(tw, "RETRIES\t%d\n", summary.Retries)
	fmt.Fprintf(tw, "CHECKPOINTS\t%d\n", summary.Checkpoints)
	fmt.Fprintf(tw, "INPUT TIMEOUTS\t%d\n", summary.InputTimeouts)
	fmt.Fprintf(tw, "TOKENS\t%d prompt / %d completion / %d total\n",
		summary.PromptTokens, summary.CompletionTokens, summary.TotalTokens)

	models := make([]string, 0, len(usage))
	for m := range usage {
		models = append(models, m)
	}
	sort.Strings(models)
	if len(models) > 0 {
		fmt.Fprintln(tw, "\nMODEL\tREQUESTS\tFAILED\tPROMPT\tCOMPLETION\tTOTAL")
		for _, m := range models {
			u := usage[m]
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n",
				u.Model, u.Requests, u.FailedRequests, u.PromptTokens, u.CompletionTokens, u.TotalTokens)
		}
	}
	return tw.Flush()
}

func writeCounts(w io.Writer, title string, counts map[string]int64) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintln(w, title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s\t%d\n", k, counts[k])
	}
}
