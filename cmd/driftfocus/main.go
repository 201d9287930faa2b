package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"driftfocus/internal/cli"
	"driftfocus/internal/config"
	"driftfocus/internal/logging"
	"driftfocus/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		return 1
	}

	var store *storage.Store
	if cfg.Paths.DatabasePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Paths.DatabasePath), 0o755); err != nil {
			logger.Warn("database directory unavailable, history disabled", "error", err)
		} else if store, err = storage.Open(cfg.Storage.Driver, cfg.Paths.DatabasePath); err != nil {
			logger.Warn("database unavailable, history disabled", "path", cfg.Paths.DatabasePath, "error", err)
			store = nil
		} else {
			defer store.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(cfg, logger, store).ExecuteContext(ctx); err != nil {
		return cli.ExitCode(err)
	}
	return 0
}
