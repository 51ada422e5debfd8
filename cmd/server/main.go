// Paylock - conditional payment release engine
package main

import (
	"context"
	"os"

	"github.com/mbd888/paylock/internal/config"
	"github.com/mbd888/paylock/internal/logging"
	"github.com/mbd888/paylock/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "development")

	logger.Info("starting paylock",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"operator", cfg.Operator().Hex(),
		"escrow_period", cfg.EscrowPeriod.String(),
		"timelock", cfg.TimelockDelay.String(),
	)

	srv, err := server.New(cfg, server.WithLogger(logging.New(cfg.LogLevel, cfg.Env)))
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
