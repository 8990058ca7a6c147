package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sar-jobs/internal/config"
	"sar-jobs/internal/handler"
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

	blobs, err := newBlobStore(cfg)
	if err != nil {
		log.Fatal("failed to initialize blob store", "backend", cfg.BlobBackend, "error", err)
	}
	defer blobs.Close()

	m := metrics.NewMetrics()
	processor := service.NewHTTPProcessor(cfg.ProcessorURL, cfg.ProcessorTimeout)
	orch := service.NewOrchestrator(jobs, blobs, processor, m, log)

	var dispatcher service.Dispatcher
	switch cfg.DispatchMode {
	case "inline":
		dispatcher = service.NewInlineDispatcher(orch)
	default:
		// Budget covers the processor timeout plus blob traffic around it.
		dispatcher = service.NewDeferredDispatcher(orch, log, cfg.ProcessorTimeout+5*time.Minute)
	}

	aggregator := service.NewAggregator(jobs, blobs, log, cfg.InlineVisualizations, cfg.ProcessorTimeout)
	sweeper := service.NewSweeper(jobs, m, log, cfg.SweepGrace, cfg.ScanBatchSize)

	h := handler.NewJobHandler(orch, dispatcher, aggregator, sweeper, m, log, cfg.CleanupToken)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: h.Router(),
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("API server starting", "port", cfg.Port, "dispatch_mode", cfg.DispatchMode,
			"job_store", cfg.StoreBackend, "blob_store", cfg.BlobBackend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", "error", err)
		}
	}()

	<-sigChan
	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("error shutting down server", "error", err)
	}
	log.Info("server stopped")
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

func newBlobStore(cfg *config.Config) (repository.BlobStore, error) {
	switch cfg.BlobBackend {
	case "gcs":
		return repository.NewGCSBlobStore(context.Background(), cfg.GCSBucket)
	default:
		return repository.NewFSBlobStore(cfg.BlobDir)
	}
}
