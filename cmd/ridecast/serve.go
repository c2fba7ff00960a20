package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/ridecast"
	"github.com/jpalmerr/ridecast/config"
)

// serveCmd starts the ridecast server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server",
	Long: `Start the ridecast server.

The server will:
  - Load configuration from the specified YAML file
  - Open the configured log store and fill the connection pool
  - Serve the API, push endpoints and viewer on the configured port
  - Delete inactive streams on the retention schedule

The server runs until interrupted (Ctrl+C) or receives SIGTERM. Shutdown
ends every subscription and waits for pooled connections to be returned.

Example:
  ridecast serve -c config.yaml
  ridecast serve --config /etc/ridecast/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = serveCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, closer := newLogger(cfg.Log)
	defer func() { _ = closer.Close() }()

	logger.Info("config loaded",
		"store", cfg.Store.Backend,
		"port", cfg.Port,
		"admin_auth", cfg.Admin.JWTSecret != "",
	)

	opts := append(config.BuildOptions(cfg), ridecast.WithLogger(logger))
	rc, err := ridecast.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create ridecast: %w", err)
	}

	// cancel on SIGINT/SIGTERM; Start drains and returns
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rc.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
