package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/pipewatch"
	"github.com/loykin/pipewatch/internal/logger"
)

const shutdownTimeout = 10 * time.Second

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Follow configured sources and serve the API",
		Long: `Start the engine, follow every configured source, export finished sessions
to the configured history sinks and serve the HTTP API until SIGINT or SIGTERM.
Without a config file, defaults and PIPEWATCH_* environment variables apply.

Examples:
  pipewatch serve                           # Defaults only
  pipewatch serve pipewatch.toml            # Start with specific config file
  PIPEWATCH_SERVER_LISTEN=:9000 pipewatch serve`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := pipewatch.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	log, closer, err := logger.New(cfg.Log, os.Stderr)
	if err != nil {
		return fmt.Errorf("error configuring logger: %w", err)
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	svc, err := pipewatch.NewService(cfg)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		_ = svc.Shutdown(context.Background())
		return err
	}
	slog.Info("pipewatch started", "sources", len(cfg.Sources), "history", cfg.History.Enabled, "report", cfg.Report.Enabled)

	<-ctx.Done()
	slog.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Shutdown(sctx); err != nil {
		slog.Error("shutdown", "error", err)
		return err
	}
	s := svc.Engine.Summary()
	slog.Info("pipewatch stopped", "sessions", s.Total, "completed", s.Completed, "errored", s.Errored)
	return nil
}
