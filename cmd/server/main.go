// Package main is the entry point for the account and session server.
//
// main only reads configuration, builds the logger and hands both to
// internal/server; everything else lives in internal packages.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/sakif/account-auth/internal/config"
	"github.com/sakif/account-auth/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	// The Google key set outlives start-up and keeps using this context, so
	// it must not be cancelled.
	srv, err := server.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start blocks until SIGINT or SIGTERM.
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
