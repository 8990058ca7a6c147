package service

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"sar-jobs/internal/apierr"
	"sar-jobs/internal/logger"
	"sar-jobs/internal/models"
	"sar-jobs/internal/repository"
)

// Aggregator is the read path: it turns a job record plus resolved blob
// references into the caller-facing view. It never mutates job state.
type Aggregator struct {
	jobs  repository.JobStore
	blobs repository.BlobStore
	log   *logger.Logger

	// inlineVisualizations serves visualization bytes base64-inline instead
	// of returning blob references. A deployment-time choice; the view shape
	// is the same either way.
	inlineVisualizations bool

	// staleAfter marks a PROCESSING job as stale once updatedAt is older
	// than this, surfacing jobs whose worker crashed without reporting.
	staleAfter time.Duration

	now func() time.Time
}

func NewAggregator(jobs repository.JobStore, blobs repository.BlobStore, log *logger.Logger, inlineVisualizations bool, staleAfter time.Duration) *Aggregator {
	return &Aggregator{
		jobs:                 jobs,
		blobs:                blobs,
		log:                  log.With("component", "aggregator"),
		inlineVisualizations: inlineVisualizations,
		staleAfter:           staleAfter,
		now:                  time.Now,
	}
}

// Fetch returns the view for one job: status only while in flight, the error
// summary when FAILED, and the resolved result plus visualization references
// when COMPLETED.
func (a *Aggregator) Fetch(ctx context.Context, jobID string) (*models.JobView, error) {
	job, err := a.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apierr.New(apierr.KindNotFound, "job %s not found", jobID)
		}
		return nil, apierr.Wrap(apierr.KindStorage, "failed to load job", err)
	}

	view := &models.JobView{
		JobID:  job.ID,
		Status: job.Status,
	}

	switch job.Status {
	case models.StatusPending:
		return view, nil
	case models.StatusProcessing:
		if a.staleAfter > 0 && a.now().Sub(job.UpdatedAt) > a.staleAfter {
			view.Stale = true
		}
		return view, nil
	case models.StatusFailed:
		view.Error = job.Error
		return view, nil
	}

	result, err := a.blobs.Get(ctx, job.ResultRef)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindStorage, "failed to resolve result", err)
	}
	view.Result = result

	if len(job.Visualizations) > 0 {
		view.Visualizations = make(map[string]string, len(job.Visualizations))
		for label, ref := range job.Visualizations {
			if !a.inlineVisualizations {
				view.Visualizations[label] = ref
				continue
			}
			img, err := a.blobs.Get(ctx, ref)
			if err != nil {
				a.log.Warn("failed to resolve visualization", "job_id", jobID, "label", label, "error", err)
				view.Visualizations[label] = ref
				continue
			}
			view.Visualizations[label] = "data:image/png;base64," + base64.StdEncoding.EncodeToString(img)
		}
	}
	return view, nil
}
