package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/busybox42/mailq/internal/config"
)

func newConfigCmd(opts *cliOptions) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if len(args) > 0 {
				path = args[0]
			}
			return validateConfig(cmd, path)
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			data, err := cfg.Encode()
			if err != nil {
				return fmt.Errorf("failed to encode configuration: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	return configCmd
}

// validateConfig decodes the file without failing fast so every problem is
// reported at once
func validateConfig(cmd *cobra.Command, path string) error {
	out := cmd.OutOrStdout()

	file, err := config.FindConfigFile(path)
	if err != nil {
		return err
	}
	cfg, err := config.DecodeFile(file)
	if err != nil {
		return err
	}
	result := cfg.Validate()

	fmt.Fprintf(out, "Configuration: %s\n", file)
	if result.Valid {
		fmt.Fprintln(out, "Status: valid")
	} else {
		fmt.Fprintln(out, "Status: invalid")
	}

	if len(result.Errors) > 0 {
		fmt.Fprintf(out, "\nErrors (%d):\n", len(result.Errors))
		for i, e := range result.Errors {
			fmt.Fprintf(out, "  %d. %s\n", i+1, e.Error())
		}
	}
	if len(result.Warnings) > 0 {
		fmt.Fprintf(out, "\nWarnings (%d):\n", len(result.Warnings))
		for i, w := range result.Warnings {
			fmt.Fprintf(out, "  %d. %s\n", i+1, w.Error())
		}
	}

	if result.Valid {
		q := cfg.QueueConfig()
		fmt.Fprintln(out, "\nSummary:")
		fmt.Fprintf(out, "  Queue capacity: %d\n", q.Capacity)
		fmt.Fprintf(out, "  Retry schedule: %v (max %d attempts)\n", q.RetryIntervals, q.MaxRetryAttempts)
		fmt.Fprintf(out, "  Max message age: %s\n", q.MaxMessageAge)
		fmt.Fprintf(out, "  Workers: %s\n", enabled(cfg.Workers.Enabled, fmt.Sprintf("%d", cfg.Workers.Size)))
		fmt.Fprintf(out, "  API: %s\n", enabled(cfg.API.Enabled, cfg.API.Listen))
		fmt.Fprintf(out, "  Archive: %s\n", enabled(cfg.Archive.Enabled, cfg.Archive.Driver))
		fmt.Fprintf(out, "  Snapshot: %s\n", enabled(cfg.Snapshot.Enabled, cfg.Snapshot.Path))
		return nil
	}
	return fmt.Errorf("configuration validation failed with %d errors", len(result.Errors))
}

func enabled(on bool, detail string) string {
	if !on {
		return "disabled"
	}
	return detail
}
