// Cosigner - automated second signer for multi-signature wallets
package main

import (
	"context"
	"os"

	"github.com/zhentan/cosigner/internal/config"
	"github.com/zhentan/cosigner/internal/logging"
	"github.com/zhentan/cosigner/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config is read
	logger := logging.New("info", "text")

	logger.Info("starting cosigner",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"entry_point", cfg.EntryPoint,
		"relay_timeout", cfg.RelayTimeout,
		"review_timeout", cfg.ReviewTimeout,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
