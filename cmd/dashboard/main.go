package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"solartracker/solarsync/internal/config"
	"solartracker/solarsync/internal/dashboard"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := cfg.Logger(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dashboard.Run(ctx, cfg, logger); err != nil {
		logger.Error("dashboard terminated", "error", err)
		os.Exit(1)
	}

	logger.Info("dashboard stopped cleanly")
}
