// uxtrace-collector accepts UI telemetry from uxtrace agents and stores it
// in a local SQLite database.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/vincentbai/uxtrace/internal/config"
	"github.com/vincentbai/uxtrace/internal/database"
	"github.com/vincentbai/uxtrace/internal/ingest"
	"github.com/vincentbai/uxtrace/internal/observability"
	"github.com/vincentbai/uxtrace/internal/server"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		address    string
		dbPath     string
		logLevel   string
		apiKeys    []string
	)
	flagSet := pflag.NewFlagSet("uxtrace-collector", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file")
	flagSet.StringVar(&address, "address", "", "listen address (overrides config and UXTRACE_ADDRESS)")
	flagSet.StringVar(&dbPath, "db", "", "SQLite database path (default: platform data dir)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	flagSet.StringSliceVar(&apiKeys, "api-key", nil, "accepted API key (repeatable)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.ReadCollector(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("address") {
		cfg.Address = address
	}
	if flagSet.Changed("db") {
		cfg.DatabasePath = dbPath
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flagSet.Changed("api-key") {
		cfg.APIKeys = apiKeys
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := observability.NewLogger(cfg.LogLevel, os.Stdout)

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info().Str("path", cfg.DatabasePath).Msg("database opened")

	srv := server.NewServer(db, cfg.Address, server.Options{
		Credentials:     ingest.NewCredentials(cfg.APIKeys),
		Metrics:         observability.NewMetrics(),
		Logger:          logger,
		ReadLimit:       cfg.ReadLimitBytes,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}
