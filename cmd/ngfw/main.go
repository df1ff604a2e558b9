// Package main is the entry point for ngfw, a request-inspection gateway
// that fronts a single protected HTTP service.
//
// Every request is fingerprinted, session-tracked, rate-limited, checked
// against RBAC tables, risk-scored by rules and an optional ML service, and
// either forwarded or rejected — with every decision appended to a
// hash-chained audit log.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaceavenue/ngfw/internal/config"
	"github.com/spaceavenue/ngfw/internal/observability"
	"github.com/spaceavenue/ngfw/internal/redis"
	"github.com/spaceavenue/ngfw/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("ngfw %s\n", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting ngfw", "version", version)

	// Route go-redis internal logs through the structured logger.
	redis.InitLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Config file watcher for hot-reload of policy, thresholds, and certs.
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("ngfw shut down gracefully")
}
