package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vanshika/paybridge/backend/internal/app"
	"github.com/vanshika/paybridge/backend/internal/config"
	"github.com/vanshika/paybridge/backend/internal/logging"
	"github.com/vanshika/paybridge/backend/internal/payments"
	"github.com/vanshika/paybridge/backend/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)

	engine, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build payment engine", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := engine.Close(context.Background()); err != nil {
			logger.Warn("closing resources failed", "error", err)
		}
	}()

	deps := server.RouterDependencies{
		Health:           engine.Health,
		API:              server.NewAPIHandlers(logger, engine.Orchestrator, engine.Rates),
		AllowedOrigins:   server.ParseAllowedOrigins(cfg.HTTP.AllowedOriginsCSV),
		AllowCredentials: true,
	}
	if cfg.HTTP.IdempotencyEnabled {
		deps.Idempotency = server.NewIdempotency(engine.Redis, server.IdempotencyOptions{
			TTL:    cfg.HTTP.IdempotencyTTL,
			Logger: logger,
		})
	}
	workers := map[string]server.BackgroundWorker{}
	if cfg.Sweeper.Enabled {
		workers["deposit_sweeper"] = payments.NewSweeper(engine.Orchestrator, payments.SweeperOptions{
			Interval: cfg.Sweeper.Interval,
			Workers:  cfg.Sweeper.Workers,
			Logger:   logger,
		})
	}
	srv := server.New(logger, cfg.HTTP, server.NewRouter(logger, deps), workers)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.Error("server stopped unexpectedly", "error", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
