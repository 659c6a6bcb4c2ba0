// Starkclaw session core - local development host
package main

import (
	"context"
	"os"

	"github.com/starkclaw/session-core/internal/config"
	"github.com/starkclaw/session-core/internal/devhost"
	"github.com/starkclaw/session-core/internal/logging"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting session-core dev host",
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
		"network", cfg.Network,
		"chain_id", cfg.ChainID,
		"keystore", cfg.KeystoreBackend,
	)

	srv, err := devhost.New(cfg, devhost.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create dev host", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("dev host error", "error", err)
		os.Exit(1)
	}
}
