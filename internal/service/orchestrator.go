package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"sar-jobs/internal/apierr"
	"sar-jobs/internal/logger"
	"sar-jobs/internal/metrics"
	"sar-jobs/internal/models"
	"sar-jobs/internal/repository"
)

// maxErrorSummaryLen bounds the error text stored on a FAILED record.
const maxErrorSummaryLen = 500

// failureWriteTimeout bounds the detached FAILED transition write.
const failureWriteTimeout = 30 * time.Second

// Orchestrator owns the job state machine: it creates jobs, moves them
// through PENDING -> PROCESSING -> {COMPLETED, FAILED} and applies processor
// outcomes. Every transition goes through the store's versioned update, so
// concurrent writers for the same job resolve to exactly one winner.
type Orchestrator struct {
	jobs      repository.JobStore
	blobs     repository.BlobStore
	processor Processor
	metrics   *metrics.Metrics
	log       *logger.Logger

	// fetchClient downloads source-URL submissions at dispatch time.
	fetchClient *http.Client
}

func NewOrchestrator(jobs repository.JobStore, blobs repository.BlobStore, processor Processor, m *metrics.Metrics, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		jobs:        jobs,
		blobs:       blobs,
		processor:   processor,
		metrics:     m,
		log:         log.With("component", "orchestrator"),
		fetchClient: &http.Client{},
	}
}

// Submit validates the input, creates the job record in PENDING, and stores
// a raw upload in the blob store. It does not dispatch.
func (o *Orchestrator) Submit(ctx context.Context, req *models.SubmitRequest) (*models.Job, error) {
	if len(req.FileBytes) > 0 && req.SourceURL != "" {
		return nil, apierr.New(apierr.KindValidation, "provide either file bytes or a source URL, not both")
	}
	if len(req.FileBytes) == 0 && req.SourceURL == "" {
		return nil, apierr.New(apierr.KindValidation, "a file or a source URL is required")
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}

	meta := models.JobMetadata{Filename: req.Filename}
	if req.SourceURL != "" {
		u, err := url.Parse(req.SourceURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, apierr.New(apierr.KindValidation, "source URL must be a valid http(s) URL")
		}
		meta.SourceURL = req.SourceURL
		if meta.Filename == "" {
			meta.Filename = path.Base(u.Path)
		}
	} else {
		meta.UploadRef = repository.UploadRef(jobID, req.Filename)
	}

	// The record is created before the upload bytes are written. The blob
	// key is derived from the job id, so writing it first would let a
	// rejected duplicate submission clobber the live job's input.
	job, err := o.jobs.Create(ctx, jobID, meta)
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil, apierr.New(apierr.KindConflict, "job %s already exists", jobID)
		}
		return nil, apierr.Wrap(apierr.KindStorage, "failed to create job", err)
	}

	if len(req.FileBytes) > 0 {
		if err := o.blobs.Put(ctx, meta.UploadRef, req.FileBytes); err != nil {
			// Roll back the record so a retry is not refused as a duplicate.
			if _, derr := o.jobs.Delete(ctx, jobID); derr != nil {
				o.log.Error("failed to remove job after upload write failure", "job_id", jobID, "error", derr)
			}
			return nil, apierr.Wrap(apierr.KindStorage, "failed to store upload", err)
		}
	}

	o.metrics.IncrementSubmittedJobs()
	o.log.Info("job submitted", "job_id", job.ID, "filename", meta.Filename, "source_url", meta.SourceURL)
	return job, nil
}

// Execute runs the full dispatch-and-apply pipeline for one job: the
// PENDING -> PROCESSING transition, the processor call, and the terminal
// write. A job that loses the dispatch race returns Conflict without touching
// the processor.
func (o *Orchestrator) Execute(ctx context.Context, jobID string) error {
	job, err := o.markProcessing(ctx, jobID)
	if err != nil {
		return err
	}

	input, err := o.fetchInput(ctx, job)
	if err != nil {
		return o.applyFailure(ctx, jobID, err)
	}

	filename := job.Metadata.Filename
	if filename == "" {
		filename = "input.bin"
	}
	out, err := o.processor.Process(ctx, filename, input)
	if err != nil {
		return o.applyFailure(ctx, jobID, err)
	}
	return o.applySuccess(ctx, jobID, out)
}

// markProcessing performs the guarded PENDING -> PROCESSING transition. Only
// the writer that wins the conditional update proceeds to invoke the
// processor; everyone else gets Conflict.
func (o *Orchestrator) markProcessing(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := o.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	updated, err := o.jobs.Update(ctx, jobID, job.Version, func(j *models.Job) error {
		if !j.Status.CanTransitionTo(models.StatusProcessing) {
			return apierr.New(apierr.KindConflict, "job %s is %s, cannot dispatch", jobID, j.Status)
		}
		j.Status = models.StatusProcessing
		return nil
	})
	if err != nil {
		return nil, o.mapUpdateErr(err, jobID, "dispatch")
	}

	o.metrics.IncrementDispatchedJobs()
	o.log.Info("job dispatched", "job_id", jobID)
	return updated, nil
}

// applySuccess uploads the result JSON and visualization assets first, then
// writes their references atomically with the COMPLETED transition.
func (o *Orchestrator) applySuccess(ctx context.Context, jobID string, out *ProcessorOutput) error {
	resultRef := repository.ResultRef(jobID)
	if err := o.blobs.Put(ctx, resultRef, out.RawResult); err != nil {
		return o.applyFailure(ctx, jobID, apierr.Wrap(apierr.KindStorage, "failed to store result", err))
	}

	visRefs := make(map[string]string, len(out.Figures))
	for label, img := range out.Figures {
		ref := repository.VisualizationRef(jobID, label)
		if err := o.blobs.Put(ctx, ref, img); err != nil {
			// Visualizations are best effort; a finished result is not
			// failed over a missing plot.
			o.log.Warn("failed to store visualization", "job_id", jobID, "label", label, "error", err)
			continue
		}
		visRefs[label] = ref
	}

	job, err := o.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	_, err = o.jobs.Update(ctx, jobID, job.Version, func(j *models.Job) error {
		if !j.Status.CanTransitionTo(models.StatusCompleted) {
			return apierr.New(apierr.KindConflict, "job %s is %s, cannot complete", jobID, j.Status)
		}
		j.Status = models.StatusCompleted
		j.ResultRef = resultRef
		j.Visualizations = visRefs
		return nil
	})
	if err != nil {
		return o.mapUpdateErr(err, jobID, "complete")
	}

	o.metrics.IncrementCompletedJobs()
	o.log.Info("job completed", "job_id", jobID,
		"ships_detected", out.Result.Metadata.NumShipsDetected)
	return nil
}

// applyFailure records a human-readable summary of cause and transitions the
// job to FAILED. It returns cause so the inline dispatch path surfaces the
// original error to the caller.
func (o *Orchestrator) applyFailure(ctx context.Context, jobID string, cause error) error {
	// cause may be the caller's own cancellation; the terminal write still
	// has to land, so it runs detached from the request context.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()

	summary := errorSummary(cause)
	job, err := o.getJob(writeCtx, jobID)
	if err != nil {
		o.log.Error("failed to load job for failure write", "job_id", jobID, "error", err)
		return cause
	}
	_, err = o.jobs.Update(writeCtx, jobID, job.Version, func(j *models.Job) error {
		if !j.Status.CanTransitionTo(models.StatusFailed) {
			return apierr.New(apierr.KindConflict, "job %s is %s, cannot fail", jobID, j.Status)
		}
		j.Status = models.StatusFailed
		j.Error = summary
		return nil
	})
	if err != nil {
		o.log.Error("failed to record job failure", "job_id", jobID, "error", err)
		return cause
	}

	o.metrics.IncrementFailedJobs()
	o.log.Warn("job failed", "job_id", jobID, "reason", summary)
	return cause
}

// fetchInput resolves the job's input bytes: the stored upload blob, or a
// download of the source URL.
func (o *Orchestrator) fetchInput(ctx context.Context, job *models.Job) ([]byte, error) {
	if job.Metadata.UploadRef != "" {
		data, err := o.blobs.Get(ctx, job.Metadata.UploadRef)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindStorage, "failed to read uploaded input", err)
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.Metadata.SourceURL, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstream, "failed to build source download", err)
	}
	resp, err := o.fetchClient.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstream, "failed to download source file", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apierr.New(apierr.KindUpstream, "source download returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstream, "failed to read source file", err)
	}
	return data, nil
}

func (o *Orchestrator) getJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apierr.New(apierr.KindNotFound, "job %s not found", jobID)
		}
		return nil, apierr.Wrap(apierr.KindStorage, "failed to load job", err)
	}
	return job, nil
}

// mapUpdateErr translates store errors from a transition attempt. A version
// mismatch means another writer won the race, which callers see as Conflict.
func (o *Orchestrator) mapUpdateErr(err error, jobID, op string) error {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apierr.New(apierr.KindNotFound, "job %s not found", jobID)
	case errors.Is(err, repository.ErrVersionConflict):
		return apierr.New(apierr.KindConflict, "job %s was modified concurrently during %s", jobID, op)
	default:
		return apierr.Wrap(apierr.KindStorage, fmt.Sprintf("failed to %s job %s", op, jobID), err)
	}
}

// errorSummary turns an error into the text stored on a FAILED record:
// bounded, human readable, never a stack trace.
func errorSummary(err error) string {
	if err == nil {
		return "unknown error"
	}
	s := err.Error()
	if len(s) > maxErrorSummaryLen {
		cut := maxErrorSummaryLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}
