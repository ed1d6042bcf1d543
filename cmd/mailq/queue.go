package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/busybox42/mailq/internal/api"
	"github.com/busybox42/mailq/internal/config"
	"github.com/busybox42/mailq/internal/queue"
)

// apiClient resolves the admin API address from the flag or the configuration
func apiClient(opts *cliOptions) (*api.Client, error) {
	if opts.apiURL != "" {
		return api.NewClient(opts.apiURL), nil
	}
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return api.NewClient(cfg.API.Listen), nil
}

func newQueueCmd(opts *cliOptions) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and control a running queue",
	}

	queueCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient(opts)
			if err != nil {
				return err
			}
			stats, err := client.Stats(cmd.Context())
			if err != nil {
				return err
			}
			printQueueStats(cmd.OutOrStdout(), stats)
			return nil
		},
	})

	queueCmd.AddCommand(adminCmd(opts, "pause", "Stop handing out messages to workers",
		func(c *api.Client, cmd *cobra.Command) (*api.AdminResponse, error) {
			return c.Pause(cmd.Context())
		}))
	queueCmd.AddCommand(adminCmd(opts, "resume", "Resume handing out messages",
		func(c *api.Client, cmd *cobra.Command) (*api.AdminResponse, error) {
			return c.Resume(cmd.Context())
		}))
	queueCmd.AddCommand(adminCmd(opts, "reload", "Reload the queue configuration from disk",
		func(c *api.Client, cmd *cobra.Command) (*api.AdminResponse, error) {
			return c.Reload(cmd.Context())
		}))

	queueCmd.AddCommand(newSubmitCmd(opts))

	return queueCmd
}

func newSubmitCmd(opts *cliOptions) *cobra.Command {
	var req api.EnqueueRequest
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a message to the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(req.Recipients) == 0 {
				return fmt.Errorf("at least one --to recipient is required")
			}
			client, err := apiClient(opts)
			if err != nil {
				return err
			}
			resp, err := client.Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued message %d with %s priority\n", resp.ID, resp.Priority)
			return nil
		},
	}
	cmd.Flags().StringVarP(&req.ReturnPath, "from", "f", "", "return path")
	cmd.Flags().StringSliceVarP(&req.Recipients, "to", "t", nil, "recipient (repeatable)")
	cmd.Flags().Int64Var(&req.Size, "size", 0, "message size in bytes")
	cmd.Flags().StringVarP(&req.Priority, "priority", "p", "", "critical, high, normal, low or bulk")
	cmd.Flags().StringVar(&req.Delay, "delay", "", "delay before first delivery attempt, e.g. 5m")
	return cmd
}

func adminCmd(opts *cliOptions, use, short string, call func(*api.Client, *cobra.Command) (*api.AdminResponse, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient(opts)
			if err != nil {
				return err
			}
			resp, err := call(client, cmd)
			if err != nil {
				return err
			}
			printAdminResponse(cmd.OutOrStdout(), resp)
			return nil
		},
	}
}

func printAdminResponse(out io.Writer, resp *api.AdminResponse) {
	fmt.Fprintf(out, "Status: %s\n", resp.Status)
	fmt.Fprintf(out, "Paused: %t\n", resp.Paused)
	fmt.Fprintf(out, "Dead letters: %d\n", resp.DeadLetters)
	fmt.Fprintf(out, "Event: %s\n", resp.EventID)
}

func printQueueStats(out io.Writer, stats *api.QueueStats) {
	m := stats.Metrics
	state := "running"
	if stats.Paused {
		state = "paused"
	}

	fmt.Fprintf(out, "Queue: %s\n\n", state)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PRIORITY\tQUEUED")
	for _, p := range queue.Priorities() {
		fmt.Fprintf(w, "%s\t%d\n", p, stats.Buckets[p.String()])
	}
	// buckets the client does not know about still get printed
	var extra []string
	for name := range stats.Buckets {
		if _, err := queue.ParsePriority(name); err != nil {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		fmt.Fprintf(w, "%s\t%d\n", name, stats.Buckets[name])
	}
	w.Flush()

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "In flight:\t%d\n", stats.InFlight)
	fmt.Fprintf(w, "Dead letters:\t%d\n", stats.DeadLetters)
	fmt.Fprintf(w, "Current size:\t%d (peak %d)\n", m.CurrentQueueSize, m.PeakQueueSize)
	fmt.Fprintf(w, "Enqueued:\t%d\n", m.TotalEnqueued)
	fmt.Fprintf(w, "Processed:\t%d\n", m.TotalProcessed)
	fmt.Fprintf(w, "Delivered:\t%d (%.1f%%)\n", m.Succeeded, stats.SuccessRate)
	fmt.Fprintf(w, "Retried:\t%d (%.1f%%)\n", m.Retried, stats.RetryRate)
	fmt.Fprintf(w, "Dead-lettered:\t%d (%.1f%%)\n", m.DeadLettered, stats.DeadLetterRate)
	fmt.Fprintf(w, "Expired:\t%d\n", m.Expired)
	fmt.Fprintf(w, "Requeued:\t%d\n", m.Requeued)
	fmt.Fprintf(w, "Overflows:\t%d\n", m.Overflows)
	fmt.Fprintf(w, "Avg processing:\t%s\n", stats.AvgProcessingTime)
	w.Flush()

	if ws := stats.Workers; ws != nil {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Workers: %d active, circuit %s\n", ws.ActiveWorkers, strings.ToLower(ws.CircuitState))
		fmt.Fprintf(out, "  delivered %d, failed %d, rejected by circuit %d\n",
			ws.Delivered, ws.Failed, ws.CircuitRejects)
	}
}
