// conduitd is the session broker daemon: it supervises the agent process
// connection, persists session records, and streams session events to
// attached consumers over HTTP and websocket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"conduit/internal/bootstrap"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "conduitd",
		Short:         "Session broker for a long-lived agent process",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conduitd %s\n", version)
		},
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate a legacy file store and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), configPath)
		},
	}

	root.AddCommand(serve, versionCmd, migrate)
	return root
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := bootstrap.LoadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		return err
	}
	return container.Run(ctx)
}

// runMigrate performs the legacy migration without starting the daemon,
// printing the report for operators.
func runMigrate(ctx context.Context, configPath string) error {
	cfg, err := bootstrap.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Storage.LegacyDir == "" {
		return fmt.Errorf("storage.legacy_dir is not configured")
	}

	report, err := bootstrap.MigrateOnly(ctx, cfg)
	if report != nil {
		fmt.Printf("sessions migrated: %d\n", report.SessionsMigrated)
		fmt.Printf("sessions skipped:  %d\n", report.SessionsSkipped)
		fmt.Printf("messages migrated: %d\n", report.MessagesMigrated)
		fmt.Printf("config migrated:   %t\n", report.ConfigMigrated)
		for _, msg := range report.Errors {
			fmt.Printf("error: %s\n", msg)
		}
	}
	return err
}
