package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sar-jobs/internal/apierr"
	"sar-jobs/internal/logger"
	"sar-jobs/internal/metrics"
	"sar-jobs/internal/models"
	"sar-jobs/internal/repository"
)

// fakeProcessor is a scripted processor: returns out/err and counts calls.
type fakeProcessor struct {
	mu    sync.Mutex
	calls int
	out   *ProcessorOutput
	err   error
}

func (f *fakeProcessor) Process(ctx context.Context, filename string, data []byte) (*ProcessorOutput, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func canonicalOutput(t *testing.T) *ProcessorOutput {
	t.Helper()
	raw := []byte(`{
		"metadata": {"imageShape": [512, 512], "numShipsDetected": 1},
		"ships": [{
			"shipId": 0,
			"region": [10, 20, 30, 40],
			"displacementField": {
				"rangeOffsets": [[0.1, 0.2]],
				"azimuthOffsets": [[0.3, 0.4]],
				"magnitude": [[0.5, 0.6]]
			},
			"dominantFrequencies": [{
				"frequency": [0.1, 0.2],
				"amplitude": 1.5,
				"peakLocation": [15, 35]
			}]
		}]
	}`)
	var result models.ProcessorResult
	require.NoError(t, json.Unmarshal(raw, &result))
	return &ProcessorOutput{
		Result:    &result,
		RawResult: raw,
		Figures: map[string][]byte{
			"displacement": []byte("fake png bytes"),
		},
	}
}

func newTestOrchestrator(t *testing.T, proc *fakeProcessor) (*Orchestrator, *repository.MemoryStore, *repository.FSBlobStore) {
	t.Helper()
	jobs := repository.NewMemoryStore(time.Hour)
	blobs, err := repository.NewFSBlobStore(t.TempDir())
	require.NoError(t, err)
	orch := NewOrchestrator(jobs, blobs, proc, metrics.NewMetrics(), logger.NewNop())
	return orch, jobs, blobs
}

func TestOrchestrator_Submit_FileUpload(t *testing.T) {
	orch, jobs, blobs := newTestOrchestrator(t, &fakeProcessor{})

	job, err := orch.Submit(context.Background(), &models.SubmitRequest{
		FileBytes: []byte("sar scene"),
		Filename:  "scene.tif",
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, job.Status)
	assert.NotEmpty(t, job.ID)

	stored, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Equal(t, "scene.tif", stored.Metadata.Filename)

	data, err := blobs.Get(context.Background(), stored.Metadata.UploadRef)
	require.NoError(t, err)
	assert.Equal(t, []byte("sar scene"), data)
}

func TestOrchestrator_Submit_SourceURL(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, &fakeProcessor{})

	job, err := orch.Submit(context.Background(), &models.SubmitRequest{
		SourceURL: "https://example.com/scenes/scene.h5",
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, "https://example.com/scenes/scene.h5", job.Metadata.SourceURL)
	assert.Equal(t, "scene.h5", job.Metadata.Filename)
}

func TestOrchestrator_Submit_Validation(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, &fakeProcessor{})

	cases := []struct {
		name string
		req  *models.SubmitRequest
	}{
		{"empty", &models.SubmitRequest{}},
		{"both inputs", &models.SubmitRequest{FileBytes: []byte("x"), SourceURL: "https://example.com/f"}},
		{"bad scheme", &models.SubmitRequest{SourceURL: "ftp://example.com/f"}},
		{"not a url", &models.SubmitRequest{SourceURL: "::::"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := orch.Submit(context.Background(), tc.req)
			assert.True(t, apierr.Is(err, apierr.KindValidation), "got %v", err)
		})
	}
}

func TestOrchestrator_Submit_CallerIDConflict(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, &fakeProcessor{})

	req := &models.SubmitRequest{FileBytes: []byte("x"), JobID: "fixed-id"}
	_, err := orch.Submit(context.Background(), req)
	require.NoError(t, err)

	_, err = orch.Submit(context.Background(), req)
	assert.True(t, apierr.Is(err, apierr.KindConflict), "got %v", err)
}

func TestOrchestrator_Submit_RejectedDuplicateLeavesUploadIntact(t *testing.T) {
	orch, jobs, blobs := newTestOrchestrator(t, &fakeProcessor{})

	_, err := orch.Submit(context.Background(), &models.SubmitRequest{
		FileBytes: []byte("original input"),
		JobID:     "fixed-id",
	})
	require.NoError(t, err)

	_, err = orch.Submit(context.Background(), &models.SubmitRequest{
		FileBytes: []byte("rival bytes"),
		JobID:     "fixed-id",
	})
	require.True(t, apierr.Is(err, apierr.KindConflict), "got %v", err)

	stored, err := jobs.Get(context.Background(), "fixed-id")
	require.NoError(t, err)
	data, err := blobs.Get(context.Background(), stored.Metadata.UploadRef)
	require.NoError(t, err)
	assert.Equal(t, []byte("original input"), data)
}

// faultyBlobStore fails every Put; reads and deletes pass through.
type faultyBlobStore struct {
	*repository.FSBlobStore
}

func (s *faultyBlobStore) Put(ctx context.Context, ref string, data []byte) error {
	return errors.New("disk full")
}

func TestOrchestrator_Submit_UploadFailureRollsBackRecord(t *testing.T) {
	jobs := repository.NewMemoryStore(time.Hour)
	fs, err := repository.NewFSBlobStore(t.TempDir())
	require.NoError(t, err)
	orch := NewOrchestrator(jobs, &faultyBlobStore{FSBlobStore: fs}, &fakeProcessor{}, metrics.NewMetrics(), logger.NewNop())

	_, err = orch.Submit(context.Background(), &models.SubmitRequest{
		FileBytes: []byte("x"),
		JobID:     "fixed-id",
	})
	require.True(t, apierr.Is(err, apierr.KindStorage), "got %v", err)

	// The half-created record is removed so a retry is not a duplicate.
	_, err = jobs.Get(context.Background(), "fixed-id")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestOrchestrator_Execute_Success(t *testing.T) {
	proc := &fakeProcessor{out: canonicalOutput(t)}
	orch, jobs, blobs := newTestOrchestrator(t, proc)

	job, err := orch.Submit(context.Background(), &models.SubmitRequest{
		FileBytes: []byte("sar scene"),
		Filename:  "scene.tif",
	})
	require.NoError(t, err)

	require.NoError(t, orch.Execute(context.Background(), job.ID))

	done, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, repository.ResultRef(job.ID), done.ResultRef)
	assert.Equal(t, repository.VisualizationRef(job.ID, "displacement"), done.Visualizations["displacement"])
	assert.Empty(t, done.Error)

	// Result blob holds the raw processor result verbatim.
	raw, err := blobs.Get(context.Background(), done.ResultRef)
	require.NoError(t, err)
	var result models.ProcessorResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, 1, result.Metadata.NumShipsDetected)
	require.Len(t, result.Ships, 1)
	assert.Equal(t, [4]int{10, 20, 30, 40}, result.Ships[0].Region)

	// Repeated reads keep returning the same terminal record.
	for i := 0; i < 3; i++ {
		again, err := jobs.Get(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, again.Status)
		assert.Equal(t, done.ResultRef, again.ResultRef)
	}
}

func TestOrchestrator_Execute_DuplicateDispatchDoesNotDoubleInvoke(t *testing.T) {
	proc := &fakeProcessor{out: canonicalOutput(t)}
	orch, _, _ := newTestOrchestrator(t, proc)

	job, err := orch.Submit(context.Background(), &models.SubmitRequest{FileBytes: []byte("x")})
	require.NoError(t, err)

	require.NoError(t, orch.Execute(context.Background(), job.ID))

	err = orch.Execute(context.Background(), job.ID)
	assert.True(t, apierr.Is(err, apierr.KindConflict), "got %v", err)
	assert.Equal(t, 1, proc.callCount())
}

func TestOrchestrator_Execute_ProcessorFailure(t *testing.T) {
	proc := &fakeProcessor{err: apierr.New(apierr.KindUpstream, "processing failed: unsupported format")}
	orch, jobs, _ := newTestOrchestrator(t, proc)

	job, err := orch.Submit(context.Background(), &models.SubmitRequest{FileBytes: []byte("x")})
	require.NoError(t, err)

	err = orch.Execute(context.Background(), job.ID)
	assert.True(t, apierr.Is(err, apierr.KindUpstream), "got %v", err)

	failed, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "unsupported format")
	assert.Empty(t, failed.ResultRef)
}

func TestOrchestrator_Execute_ProcessorTimeout(t *testing.T) {
	proc := &fakeProcessor{err: apierr.New(apierr.KindTimeout, "processor call exceeded 10m0s time budget")}
	orch, jobs, _ := newTestOrchestrator(t, proc)

	job, err := orch.Submit(context.Background(), &models.SubmitRequest{FileBytes: []byte("x")})
	require.NoError(t, err)

	err = orch.Execute(context.Background(), job.ID)
	assert.True(t, apierr.Is(err, apierr.KindTimeout), "got %v", err)

	failed, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "time budget")
}

func TestOrchestrator_TerminalStateIsFinal(t *testing.T) {
	proc := &fakeProcessor{out: canonicalOutput(t)}
	orch, jobs, _ := newTestOrchestrator(t, proc)

	job, err := orch.Submit(context.Background(), &models.SubmitRequest{FileBytes: []byte("x")})
	require.NoError(t, err)
	require.NoError(t, orch.Execute(context.Background(), job.ID))

	done, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)

	// A duplicate terminal write attempted against the live version is
	// rejected by the transition guard, not silently applied.
	_, err = jobs.Update(context.Background(), job.ID, done.Version, func(j *models.Job) error {
		if !j.Status.CanTransitionTo(models.StatusFailed) {
			return apierr.New(apierr.KindConflict, "job is terminal")
		}
		j.Status = models.StatusFailed
		return nil
	})
	assert.True(t, apierr.Is(err, apierr.KindConflict), "got %v", err)

	after, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, after.Status)
	assert.Equal(t, done.Version, after.Version)
}

func TestOrchestrator_ConcurrentApply_OneWinner(t *testing.T) {
	proc := &fakeProcessor{out: canonicalOutput(t)}
	orch, jobs, _ := newTestOrchestrator(t, proc)

	job, err := orch.Submit(context.Background(), &models.SubmitRequest{FileBytes: []byte("x")})
	require.NoError(t, err)

	// Move to PROCESSING, then race two terminal writes holding the same
	// version, like a duplicate processor callback would.
	processing, err := jobs.Update(context.Background(), job.ID, job.Version, func(j *models.Job) error {
		j.Status = models.StatusProcessing
		return nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = jobs.Update(context.Background(), job.ID, processing.Version, func(j *models.Job) error {
				j.Status = models.StatusCompleted
				j.ResultRef = "r1"
				return nil
			})
		}(i)
	}
	wg.Wait()

	okCount := 0
	for _, err := range results {
		if err == nil {
			okCount++
		} else {
			assert.ErrorIs(t, err, repository.ErrVersionConflict)
		}
	}
	assert.Equal(t, 1, okCount)

	final, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, "r1", final.ResultRef)
}

// ctxCheckedStore refuses reads and writes on a dead context, like the
// sqlite and redis backends do.
type ctxCheckedStore struct {
	*repository.MemoryStore
}

func (s *ctxCheckedStore) Get(ctx context.Context, id string) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStore.Get(ctx, id)
}

func (s *ctxCheckedStore) Update(ctx context.Context, id string, expectedVersion int64, mutate repository.Mutation) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStore.Update(ctx, id, expectedVersion, mutate)
}

// cancellingProcessor cancels the request context before reporting its
// error, like a client that disconnects mid-processing.
type cancellingProcessor struct {
	cancel context.CancelFunc
}

func (p *cancellingProcessor) Process(ctx context.Context, filename string, data []byte) (*ProcessorOutput, error) {
	p.cancel()
	return nil, ctx.Err()
}

func TestOrchestrator_Execute_CancelledCallerStillRecordsFailure(t *testing.T) {
	jobs := &ctxCheckedStore{MemoryStore: repository.NewMemoryStore(time.Hour)}
	blobs, err := repository.NewFSBlobStore(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch := NewOrchestrator(jobs, blobs, &cancellingProcessor{cancel: cancel}, metrics.NewMetrics(), logger.NewNop())

	job, err := orch.Submit(ctx, &models.SubmitRequest{FileBytes: []byte("x")})
	require.NoError(t, err)
	require.Error(t, orch.Execute(ctx, job.ID))

	// The terminal write lands even though the caller's context is dead.
	final, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, final.Status)
	assert.NotEmpty(t, final.Error)
}

func TestErrorSummary_TruncatesAtRuneBoundary(t *testing.T) {
	// A multi-byte rune straddling the length cap must not be split.
	long := strings.Repeat("a", maxErrorSummaryLen-1) + "世界"
	got := errorSummary(errors.New(long))

	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", maxErrorSummaryLen-1), got)
	assert.LessOrEqual(t, len(got), maxErrorSummaryLen)
}
