// Ledgersync - external ledger synchronization for cash-runway planning
package main

import (
	"context"
	"os"

	"github.com/runwayly/ledgersync/internal/config"
	"github.com/runwayly/ledgersync/internal/logging"
	"github.com/runwayly/ledgersync/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	format := "text"
	if cfg.IsProduction() {
		format = "json"
	}
	logger := logging.New(cfg.LogLevel, format)

	logger.Info("starting ledgersync",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"ledger_env", cfg.LedgerEnv,
		"jobs_storage", cfg.JobsStorage,
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
