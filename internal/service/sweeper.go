package service

import (
	"context"
	"time"

	"sar-jobs/internal/logger"
	"sar-jobs/internal/metrics"
	"sar-jobs/internal/repository"
)

// Sweeper deletes job records whose expiry is more than a grace window in
// the past. Each key is handled independently; a bad key is logged and
// skipped, never aborts the batch.
type Sweeper struct {
	jobs    repository.JobStore
	metrics *metrics.Metrics
	log     *logger.Logger

	grace time.Duration
	batch int
}

func NewSweeper(jobs repository.JobStore, m *metrics.Metrics, log *logger.Logger, grace time.Duration, batch int) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		jobs:    jobs,
		metrics: m,
		log:     log.With("component", "sweeper"),
		grace:   grace,
		batch:   batch,
	}
}

// Sweep scans the whole keyspace in batches and returns the number of
// records successfully deleted.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	deadline := now.Add(-s.grace)
	deleted := 0
	cursor := ""

	for {
		ids, next, err := s.jobs.Scan(ctx, "*", cursor, s.batch)
		if err != nil {
			return deleted, err
		}
		for _, id := range ids {
			if ctx.Err() != nil {
				return deleted, ctx.Err()
			}
			job, err := s.jobs.Get(ctx, id)
			if err != nil {
				s.log.Warn("sweep: failed to load job, skipping", "job_id", id, "error", err)
				continue
			}
			if !job.ExpiresAt.Before(deadline) {
				continue
			}
			ok, err := s.jobs.Delete(ctx, id)
			if err != nil {
				s.log.Warn("sweep: failed to delete job, skipping", "job_id", id, "error", err)
				continue
			}
			if ok {
				deleted++
				s.log.Debug("sweep: deleted expired job", "job_id", id, "expired_at", job.ExpiresAt)
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	s.metrics.AddSweptJobs(deleted)
	if deleted > 0 {
		s.log.Info("sweep finished", "deleted", deleted)
	}
	return deleted, nil
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("sweeper started", "interval", interval, "grace", s.grace)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx, time.Now()); err != nil {
				s.log.Error("sweep failed", "error", err)
			}
		}
	}
}
