package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/dunamismax/imageverse/internal/domain"
)

// schema is applied in order inside one transaction on startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS batch_jobs (
		id           TEXT PRIMARY KEY,
		status       TEXT NOT NULL,
		tool         TEXT NOT NULL,
		options      JSONB NOT NULL,
		webhook_url  TEXT NOT NULL DEFAULT '',
		source_keys  TEXT[] NOT NULL,
		file_names   TEXT[] NOT NULL,
		archive_name TEXT NOT NULL DEFAULT '',
		archive_key  TEXT NOT NULL DEFAULT '',
		entries      INTEGER NOT NULL DEFAULT 0,
		skipped      INTEGER NOT NULL DEFAULT 0,
		failed       JSONB NOT NULL DEFAULT '[]',
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS batch_jobs_status_idx ON batch_jobs (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS batch_usage (
		job_id           TEXT PRIMARY KEY REFERENCES batch_jobs(id) ON DELETE CASCADE,
		tool             TEXT NOT NULL,
		pixels_processed BIGINT NOT NULL,
		bytes_saved      BIGINT NOT NULL,
		compute_time_ms  BIGINT NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL
	)`,
}

const jobColumns = `id, status, options, webhook_url, source_keys, file_names,
	archive_name, archive_key, entries, skipped, failed, created_at, updated_at`

// uniqueViolation is the SQLSTATE postgres reports for a duplicate key.
const uniqueViolation pq.ErrorCode = "23505"

// PostgresJobStore keeps batch jobs and their usage rows in postgres so the
// API and the worker see the same state.
type PostgresJobStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &PostgresJobStore{db: db, now: time.Now}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresJobStore) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.BatchJob) error {
	options, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	failed, err := marshalFailures(job.Failed)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO batch_jobs (id, status, tool, options, webhook_url, source_keys, file_names,
			archive_name, archive_key, entries, skipped, failed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		job.ID, job.Status, string(job.Options.Tool), options, job.WebhookURL,
		pq.Array(job.SourceKeys), pq.Array(job.FileNames),
		job.ArchiveName, job.ArchiveKey, job.Entries, job.Skipped, failed,
		job.CreatedAt, job.UpdatedAt,
	)
	switch {
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	case err != nil:
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.BatchJob, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM batch_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BatchJob{}, false, nil
	}
	if err != nil {
		return domain.BatchJob{}, false, fmt.Errorf("load job %s: %w", id, err)
	}
	return job, true, nil
}

// UpdateStatus changes the status and returns the row as stored.
func (s *PostgresJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.BatchJob, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE batch_jobs SET status = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+jobColumns,
		id, status, s.now().UTC(),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BatchJob{}, ErrJobNotFound
	}
	if err != nil {
		return domain.BatchJob{}, fmt.Errorf("set status of job %s: %w", id, err)
	}
	return job, nil
}

func (s *PostgresJobStore) Finish(ctx context.Context, job domain.BatchJob) error {
	failed, err := marshalFailures(job.Failed)
	if err != nil {
		return err
	}

	var updated string
	err = s.db.QueryRowContext(ctx, `
		UPDATE batch_jobs
		SET status = $2, archive_name = $3, archive_key = $4, entries = $5, skipped = $6,
			failed = $7, updated_at = $8
		WHERE id = $1
		RETURNING id`,
		job.ID, job.Status, job.ArchiveName, job.ArchiveKey, job.Entries, job.Skipped,
		failed, s.now().UTC(),
	).Scan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("finish job %s: %w", job.ID, err)
	}
	return nil
}

// RecordUsage stores one usage row per job. A retried task that finishes
// again overwrites the earlier row.
func (s *PostgresJobStore) RecordUsage(ctx context.Context, usage domain.BatchUsage) error {
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_usage (job_id, tool, pixels_processed, bytes_saved, compute_time_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO UPDATE SET
			pixels_processed = EXCLUDED.pixels_processed,
			bytes_saved      = EXCLUDED.bytes_saved,
			compute_time_ms  = EXCLUDED.compute_time_ms,
			created_at       = EXCLUDED.created_at`,
		usage.JobID, string(usage.Tool), usage.PixelsProcessed, usage.BytesSaved,
		usage.ComputeTimeMS, usage.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record usage of job %s: %w", usage.JobID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.BatchJob, error) {
	var (
		job             domain.BatchJob
		options, failed []byte
	)
	err := row.Scan(
		&job.ID, &job.Status, &options, &job.WebhookURL,
		pq.Array(&job.SourceKeys), pq.Array(&job.FileNames),
		&job.ArchiveName, &job.ArchiveKey, &job.Entries, &job.Skipped, &failed,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return domain.BatchJob{}, err
	}
	if err := json.Unmarshal(options, &job.Options); err != nil {
		return domain.BatchJob{}, fmt.Errorf("decode options: %w", err)
	}
	if err := json.Unmarshal(failed, &job.Failed); err != nil {
		return domain.BatchJob{}, fmt.Errorf("decode failures: %w", err)
	}
	return job, nil
}

// marshalFailures encodes nil as an empty array to satisfy the NOT NULL column.
func marshalFailures(failed []domain.ItemFailure) ([]byte, error) {
	if failed == nil {
		failed = []domain.ItemFailure{}
	}
	out, err := json.Marshal(failed)
	if err != nil {
		return nil, fmt.Errorf("encode failures: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
