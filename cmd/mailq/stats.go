package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/mailq/internal/config"
	"github.com/busybox42/mailq/internal/metrics"
)

// statsReader is the read side of the shared counter store
type statsReader interface {
	GetTotals(ctx context.Context) (*metrics.Totals, error)
	GetHourlyStats(ctx context.Context, hours int, now time.Time) ([]metrics.HourlyStats, error)
	GetRecentErrors(ctx context.Context, limit int64) ([]metrics.RecentError, error)
}

func newStatsCmd(opts *cliOptions) *cobra.Command {
	var (
		hours        int
		recentErrors int64
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show lifetime counters from the shared metrics store",
		Long: `Show counters mirrored into the metrics store by every queue writing to the
configured prefix, with an hourly breakdown and the most recent dead-letter
reasons.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if cfg.Metrics.RedisAddr == "" {
				return fmt.Errorf("metrics.redis_addr is not configured")
			}
			st, err := metrics.NewValkeyStore(metrics.ValkeyStoreConfig{
				Addr:      cfg.Metrics.RedisAddr,
				Password:  cfg.Metrics.RedisPassword,
				DB:        cfg.Metrics.RedisDB,
				Prefix:    cfg.Metrics.KeyPrefix,
				Retention: cfg.Metrics.Retention.Std(),
			})
			if err != nil {
				return err
			}
			defer st.Close()

			return printStats(cmd.Context(), cmd.OutOrStdout(), st, hours, recentErrors, time.Now())
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 6, "number of hours in the breakdown")
	cmd.Flags().Int64Var(&recentErrors, "errors", 10, "number of recent dead-letter reasons")
	return cmd
}

func printStats(ctx context.Context, out io.Writer, r statsReader, hours int, recent int64, now time.Time) error {
	totals, err := r.GetTotals(ctx)
	if err != nil {
		return fmt.Errorf("failed to read totals: %w", err)
	}
	names := metrics.CounterNames()

	fmt.Fprintln(out, "Totals:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(w, "  %s\t%d\n", name, totals.Counters[name])
	}
	if !totals.LastUpdated.IsZero() {
		fmt.Fprintf(w, "  last updated\t%s\n", totals.LastUpdated.Format(time.RFC3339))
	}
	w.Flush()

	if hours > 0 {
		hourly, err := r.GetHourlyStats(ctx, hours, now)
		if err != nil {
			return fmt.Errorf("failed to read hourly stats: %w", err)
		}
		fmt.Fprintln(out, "\nHourly:")
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "HOUR\t%s\n", strings.ToUpper(strings.Join(names, "\t")))
		for _, h := range hourly {
			row := make([]string, len(names))
			for i, name := range names {
				row[i] = fmt.Sprintf("%d", h.Counters[name])
			}
			fmt.Fprintf(w, "%s\t%s\n", h.Hour, strings.Join(row, "\t"))
		}
		w.Flush()
	}

	if recent > 0 {
		errs, err := r.GetRecentErrors(ctx, recent)
		if err != nil {
			return fmt.Errorf("failed to read recent errors: %w", err)
		}
		fmt.Fprintln(out, "\nRecent dead letters:")
		if len(errs) == 0 {
			fmt.Fprintln(out, "  none")
			return nil
		}
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, e := range errs {
			fmt.Fprintf(w, "  %s\t%d\t%s\t%s\n",
				e.Timestamp.Format(time.RFC3339), e.MessageID, e.Recipient, truncate(e.Error, 60))
		}
		w.Flush()
	}
	return nil
}

var _ statsReader = (*metrics.ValkeyStore)(nil)
