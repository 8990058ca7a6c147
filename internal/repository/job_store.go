package repository

import (
	"context"
	"errors"
	"time"

	"sar-jobs/internal/models"
)

var (
	// ErrNotFound is returned when no record exists for the given id.
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("job already exists")
	// ErrVersionConflict is returned by Update when the expected version does
	// not match the stored one, meaning another writer got there first.
	ErrVersionConflict = errors.New("job version conflict")
)

// Mutation is applied to a copy of the stored record inside Update. Returning
// an error aborts the update and surfaces that error unchanged; the record is
// not written. Mutations must not touch ID, Version or the timestamps.
type Mutation func(*models.Job) error

// JobStore defines the persistence contract for job records. Update is the
// only write path after creation and must be atomic against the backing
// store: the mutation is applied and written back with an incremented version
// only if the caller's expected version still matches.
type JobStore interface {
	Create(ctx context.Context, id string, meta models.JobMetadata) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	Update(ctx context.Context, id string, expectedVersion int64, mutate Mutation) (*models.Job, error)
	Delete(ctx context.Context, id string) (bool, error)

	// Scan returns up to count job ids matching pattern ("*" for all), plus a
	// cursor to resume from; an empty cursor means the scan is done. Pass an
	// empty cursor to start.
	Scan(ctx context.Context, pattern string, cursor string, count int) ([]string, string, error)

	Close() error
}

// newJobRecord builds the initial PENDING record shared by every adapter.
func newJobRecord(id string, meta models.JobMetadata, now time.Time, ttl time.Duration) *models.Job {
	return &models.Job{
		ID:        id,
		Status:    models.StatusPending,
		Version:   1,
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// applyMutation runs mutate on a copy of cur and stamps the new version and
// updated-at. Shared by adapters so the version/timestamp discipline lives in
// one place.
func applyMutation(cur *models.Job, mutate Mutation, now time.Time) (*models.Job, error) {
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.ExpiresAt = cur.ExpiresAt
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	return next, nil
}
