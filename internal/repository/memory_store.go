package repository

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"sar-jobs/internal/models"
)

// MemoryStore implements JobStore with an in-process map. It backs tests and
// zero-config local runs; it is not shared across instances.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
	ttl  time.Duration
	now  func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*models.Job),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, id string, meta models.JobMetadata) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; exists {
		return nil, ErrAlreadyExists
	}
	job := newJobRecord(id, meta, s.now(), s.ttl)
	s.jobs[id] = job
	return job.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, expectedVersion int64, mutate Mutation) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.jobs[id]
	if !exists {
		return nil, ErrNotFound
	}
	if cur.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	next, err := applyMutation(cur, mutate, s.now())
	if err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; !exists {
		return false, nil
	}
	delete(s.jobs, id)
	return true, nil
}

func (s *MemoryStore) Scan(ctx context.Context, pattern string, cursor string, count int) ([]string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		if pattern != "" && pattern != "*" {
			if ok, err := path.Match(pattern, id); err != nil || !ok {
				continue
			}
		}
		if id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	if count > 0 && len(ids) > count {
		batch := ids[:count]
		return batch, batch[len(batch)-1], nil
	}
	return ids, "", nil
}

func (s *MemoryStore) Close() error { return nil }
