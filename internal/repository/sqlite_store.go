package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"sar-jobs/internal/models"
)

// SQLiteStore implements JobStore on a local SQLite file. It is the
// single-node backend; the versioned update is enforced with a conditional
// UPDATE on the stored version column.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func NewSQLiteStore(dbPath string, ttl time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db, ttl: ttl, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'PENDING',
		version INTEGER NOT NULL DEFAULT 1,
		metadata TEXT NOT NULL DEFAULT '{}',
		error TEXT NOT NULL DEFAULT '',
		result_ref TEXT NOT NULL DEFAULT '',
		visualizations TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_expires_at ON jobs(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, id string, meta models.JobMetadata) (*models.Job, error) {
	job := newJobRecord(id, meta, s.now(), s.ttl)

	metaJSON, err := json.Marshal(job.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	query := `
		INSERT INTO jobs (id, status, version, metadata, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		job.ID, string(job.Status), job.Version, string(metaJSON),
		job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli(), job.ExpiresAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, version, metadata, error, result_ref, visualizations,
		       created_at, updated_at, expires_at
		FROM jobs WHERE id = ?
	`, id)
	return scanJob(row)
}

func (s *SQLiteStore) Update(ctx context.Context, id string, expectedVersion int64, mutate Mutation) (*models.Job, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	next, err := applyMutation(cur, mutate, s.now())
	if err != nil {
		return nil, err
	}

	metaJSON, err := json.Marshal(next.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	visJSON, err := json.Marshal(next.Visualizations)
	if err != nil {
		return nil, fmt.Errorf("failed to encode visualizations: %w", err)
	}

	// The WHERE version clause is what makes this a compare-and-swap: a
	// concurrent writer bumps the version and this update matches zero rows.
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, version = ?, metadata = ?, error = ?, result_ref = ?,
		    visualizations = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`, string(next.Status), next.Version, string(metaJSON), next.Error,
		next.ResultRef, string(visJSON), next.UpdatedAt.UnixMilli(),
		id, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrVersionConflict
	}
	return next, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected > 0, nil
}

// Scan pages over ids in key order; the cursor is the last id of the
// previous batch.
func (s *SQLiteStore) Scan(ctx context.Context, pattern string, cursor string, count int) ([]string, string, error) {
	if count <= 0 {
		count = 100
	}
	glob := pattern
	if glob == "" {
		glob = "*"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE id GLOB ? AND id > ?
		ORDER BY id
		LIMIT ?
	`, glob, cursor, count+1)
	if err != nil {
		return nil, "", fmt.Errorf("failed to scan jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, "", fmt.Errorf("failed to scan row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	if len(ids) > count {
		ids = ids[:count]
		return ids, ids[len(ids)-1], nil
	}
	return ids, "", nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job                             models.Job
		status, metaJSON, visJSON       string
		createdAt, updatedAt, expiresAt int64
	)
	err := row.Scan(&job.ID, &status, &job.Version, &metaJSON, &job.Error,
		&job.ResultRef, &visJSON, &createdAt, &updatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Status = models.JobStatus(status)
	if err := json.Unmarshal([]byte(metaJSON), &job.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if visJSON != "" && visJSON != "null" {
		if err := json.Unmarshal([]byte(visJSON), &job.Visualizations); err != nil {
			return nil, fmt.Errorf("failed to decode visualizations: %w", err)
		}
	}
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	job.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return &job, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// go-sqlite3 reports constraint failures in the error text.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "unique constraint")
}
