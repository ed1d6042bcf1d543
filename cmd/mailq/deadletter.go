package main

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/mailq/internal/config"
	"github.com/busybox42/mailq/internal/queue"
	"github.com/busybox42/mailq/internal/store"
)

func newDeadLetterCmd(opts *cliOptions) *cobra.Command {
	dlCmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dl"},
		Short:   "Inspect and requeue dead-lettered messages",
	}

	var (
		limit       int
		fromArchive bool
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered messages",
		Long: `List dead-lettered messages held by the running queue, or with --archive
read the persistent history straight from the archive database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fromArchive {
				cfg, err := config.LoadConfig(opts.configPath)
				if err != nil {
					return fmt.Errorf("failed to load configuration: %w", err)
				}
				return listArchive(cmd, cfg, limit)
			}

			client, err := apiClient(opts)
			if err != nil {
				return err
			}
			records, err := client.DeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printDeadLetters(cmd.OutOrStdout(), records)
			return nil
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum number of messages to show")
	listCmd.Flags().BoolVar(&fromArchive, "archive", false, "read the archive database instead of the running queue")
	dlCmd.AddCommand(listCmd)

	dlCmd.AddCommand(&cobra.Command{
		Use:   "requeue [id...]",
		Short: "Move dead letters back to the queue",
		Long:  `Move the given dead letters back to the queue with a fresh retry budget. Without ids every dead letter is requeued.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			client, err := apiClient(opts)
			if err != nil {
				return err
			}
			resp, err := client.Requeue(cmd.Context(), ids)
			if err != nil {
				return err
			}
			printAdminResponse(cmd.OutOrStdout(), resp)
			return nil
		},
	})

	return dlCmd
}

func parseIDs(args []string) ([]uint64, error) {
	ids := make([]uint64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid message id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func listArchive(cmd *cobra.Command, cfg *config.Config, limit int) error {
	if !cfg.Archive.Enabled {
		return fmt.Errorf("dead-letter archive is not enabled in the configuration")
	}
	archive, err := store.OpenSQLArchive(cfg.Archive.Driver, cfg.Archive.DSN, slog.Default())
	if err != nil {
		return err
	}
	defer archive.Close()

	messages, err := archive.List(cmd.Context(), limit)
	if err != nil {
		return err
	}
	printArchive(cmd.OutOrStdout(), messages)
	return nil
}

func printDeadLetters(out io.Writer, records []queue.Record) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No dead-lettered messages")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPRIORITY\tATTEMPTS\tFROM\tRECIPIENTS\tLAST FAILURE")
	for _, r := range records {
		reason := ""
		if n := len(r.FailureHistory); n > 0 {
			reason = r.FailureHistory[n-1].Reason
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
			r.ID,
			r.Priority,
			r.AttemptCount,
			r.Payload.ReturnPath,
			strings.Join(r.Payload.Recipients, ","),
			truncate(reason, 60))
	}
	w.Flush()
}

func printArchive(out io.Writer, messages []store.ArchivedMessage) {
	if len(messages) == 0 {
		fmt.Fprintln(out, "No archived dead letters")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPRIORITY\tATTEMPTS\tDEAD-LETTERED\tREQUEUED\tREASON")
	for _, m := range messages {
		requeued := "-"
		if m.RequeuedAt != nil {
			requeued = m.RequeuedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
			m.MessageID,
			m.Priority,
			m.Attempts,
			m.DeadLetteredAt.Format(time.RFC3339),
			requeued,
			truncate(m.Reason, 60))
	}
	w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
