package service

import (
	"context"
	"time"

	"sar-jobs/internal/logger"
)

// Dispatcher hands a submitted job to the processing pipeline. The two
// implementations differ only in whether the caller waits for the outcome;
// selection happens once at startup, never inside business logic.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// InlineDispatcher runs the pipeline synchronously; the caller blocks until
// the job reaches a terminal state. Suitable when processing is known to be
// bounded and the runtime allows long requests.
type InlineDispatcher struct {
	orch *Orchestrator
}

func NewInlineDispatcher(orch *Orchestrator) *InlineDispatcher {
	return &InlineDispatcher{orch: orch}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, jobID string) error {
	return d.orch.Execute(ctx, jobID)
}

// DeferredDispatcher runs the pipeline in a background goroutine and returns
// immediately; callers poll the job for the outcome. The goroutine gets its
// own deadline detached from the request context, so a short-lived handler
// does not cancel the processing it started.
type DeferredDispatcher struct {
	orch   *Orchestrator
	log    *logger.Logger
	budget time.Duration
}

func NewDeferredDispatcher(orch *Orchestrator, log *logger.Logger, budget time.Duration) *DeferredDispatcher {
	return &DeferredDispatcher{
		orch:   orch,
		log:    log.With("component", "dispatcher"),
		budget: budget,
	}
}

func (d *DeferredDispatcher) Dispatch(ctx context.Context, jobID string) error {
	go func() {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.budget)
		defer cancel()
		if err := d.orch.Execute(runCtx, jobID); err != nil {
			d.log.Warn("deferred dispatch finished with error", "job_id", jobID, "error", err)
		}
	}()
	return nil
}
