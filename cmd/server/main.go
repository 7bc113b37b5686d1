// Package main is the entry point for the trading kernel: capability
// detection, availability and requirement postings, risk assessment,
// location-first matching and the transactional outbox.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mandinet/tradecore/internal/config"
	"github.com/mandinet/tradecore/internal/di"
	"github.com/mandinet/tradecore/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		errLog := logger.New(logger.Config{Level: "error"})
		errLog.Fatal().Err(err).Msg("Configuration invalid")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode, Service: "tradecore"})
	log.Info().Msg("Starting trading kernel")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	container, err := di.Build(ctx, cfg, log)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Startup failed")
	}

	migrateCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	err = container.DB.Migrate(migrateCtx)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}

	container.Start()
	log.Info().Msg("Trading kernel running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	container.Stop()
	log.Info().Msg("Shutdown complete")
}
