package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"sar-jobs/internal/config"
	"sar-jobs/internal/logger"
	"sar-jobs/internal/metrics"
	"sar-jobs/internal/repository"
	"sar-jobs/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	jobs, err := newJobStore(cfg)
	if err != nil {
		log.Fatal("failed to initialize job store", "backend", cfg.StoreBackend, "error", err)
	}
	defer jobs.Close()

	sweeper := service.NewSweeper(jobs, metrics.NewMetrics(), log, cfg.SweepGrace, cfg.ScanBatchSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutting down sweeper")
		cancel()
	}()

	if err := sweeper.Run(ctx, cfg.SweepInterval); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("sweeper error", "error", err)
	}
	log.Info("sweeper stopped")
}

func newJobStore(cfg *config.Config) (repository.JobStore, error) {
	switch cfg.StoreBackend {
	case "redis":
		return repository.NewRedisStore(cfg.RedisAddr, cfg.JobTTL, cfg.SweepGrace)
	case "memory":
		return repository.NewMemoryStore(cfg.JobTTL), nil
	default:
		return repository.NewSQLiteStore(cfg.SQLitePath, cfg.JobTTL)
	}
}
