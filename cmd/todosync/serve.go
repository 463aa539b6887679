package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/todosync/internal/config"
	"github.com/fyrsmithlabs/todosync/internal/daemon"
	"github.com/fyrsmithlabs/todosync/internal/logging"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the todosync daemon",
		Long: `Run the todosync daemon: the durable operation queue, the sync engine
and the HTTP API.

Configuration is read from ~/.config/todosync/config.yaml (or --config) and
TODOSYNC_* environment variables.

Examples:
  # Start with defaults (file queue, in-memory backend)
  todosync serve

  # Sync against a REST backend
  TODOSYNC_REMOTE_BACKEND=rest TODOSYNC_REMOTE_URL=https://api.example.com \
  TODOSYNC_AUTH_USER_ID=u-1 TODOSYNC_AUTH_ACCESS_TOKEN=... todosync serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "config file (default ~/.config/todosync/config.yaml)")
	return cmd
}

// runServe loads configuration, builds the daemon and blocks until ctx is
// cancelled.
func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logCfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return fmt.Errorf("invalid logging configuration: %w", err)
	}
	log, err := logging.NewLogger(logCfg, global.GetLoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = log.Sync()
	}()
	logger := log.Underlying()

	logger.Info("starting todosync",
		zap.String("version", version),
		zap.String("commit", gitCommit),
		zap.String("addr", cfg.Server.Addr()),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	d, err := daemon.New(ctx, cfg, logger, daemon.Options{Version: version})
	if err != nil {
		return fmt.Errorf("failed to initialize daemon: %w", err)
	}
	return d.Run(ctx)
}
