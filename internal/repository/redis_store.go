package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"sar-jobs/internal/models"
)

const redisKeyPrefix = "job:"

// watchRetries bounds how often a conflicting EXEC is retried before giving
// up. Retries only happen when the stored version still matches the caller's,
// i.e. the interleaved write was not a competing state transition.
const watchRetries = 3

// RedisStore implements JobStore on redis. Records are JSON values under
// job:<id>; the versioned update runs inside a WATCH/MULTI transaction and
// passive reclamation uses key expiry set at creation.
type RedisStore struct {
	rdb       *goredis.Client
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore connects and pings the server. retention is how long a key
// lives in redis in total: the record's ttl plus the sweep grace window, so
// passive expiry never races ahead of the sweeper.
func NewRedisStore(addr string, ttl, grace time.Duration) (*RedisStore, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{
		rdb:       rdb,
		ttl:       ttl,
		retention: ttl + grace,
		now:       time.Now,
	}, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Create(ctx context.Context, id string, meta models.JobMetadata) (*models.Job, error) {
	job := newJobRecord(id, meta, s.now(), s.ttl)
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, redisKeyPrefix+id, raw, s.retention).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyExists
	}
	return job, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.Job, error) {
	raw, err := s.rdb.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	var job models.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &job, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, expectedVersion int64, mutate Mutation) (*models.Job, error) {
	key := redisKeyPrefix + id
	var updated *models.Job

	txn := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}
		var cur models.Job
		if err := json.Unmarshal(raw, &cur); err != nil {
			return fmt.Errorf("failed to decode job: %w", err)
		}
		if cur.Version != expectedVersion {
			return ErrVersionConflict
		}
		next, err := applyMutation(&cur, mutate, s.now())
		if err != nil {
			return err
		}
		out, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to encode job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, out, goredis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		updated = next
		return nil
	}

	for i := 0; i < watchRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	// The key kept changing under us; whoever is writing it has moved the
	// record past our expected version.
	return nil, ErrVersionConflict
}

func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Del(ctx, redisKeyPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete job: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Scan(ctx context.Context, pattern string, cursor string, count int) ([]string, string, error) {
	if pattern == "" {
		pattern = "*"
	}
	var start uint64
	if cursor != "" {
		parsed, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid scan cursor %q: %w", cursor, err)
		}
		start = parsed
	}

	keys, next, err := s.rdb.Scan(ctx, start, redisKeyPrefix+pattern, int64(count)).Result()
	if err != nil {
		return nil, "", fmt.Errorf("failed to scan jobs: %w", err)
	}

	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, redisKeyPrefix))
	}
	if next == 0 {
		return ids, "", nil
	}
	return ids, strconv.FormatUint(next, 10), nil
}
