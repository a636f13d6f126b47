package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"finetune-orchestrator/internal/models"
)

// ErrNotFound is returned when a model or job row does not exist.
var ErrNotFound = errors.New("record not found")

// Store wraps pgxpool for Postgres persistence of models and jobs.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateModel inserts a model row. Submission writes are additive only; the
// model and job inserts are deliberately independent statements (see DESIGN.md
// for the accepted inconsistency windows).
func (s *Store) CreateModel(ctx context.Context, m models.Model) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO models (id, user_id, name, description, base_model, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, m.ID, m.UserID, m.Name, m.Description, m.BaseModel, m.Status, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert model: %w", err)
	}
	return nil
}

// CreateJob inserts a job row.
func (s *Store) CreateJob(ctx context.Context, j models.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, model_id, dataset_id, type, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
	`, j.ID, j.ModelID, j.DatasetID, j.Type, j.Status, j.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetModel fetches a model by id.
func (s *Store) GetModel(ctx context.Context, id string) (models.Model, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, name, description, base_model, status, created_at, updated_at
		FROM models WHERE id = $1
	`, id)

	var m models.Model
	if err := row.Scan(&m.ID, &m.UserID, &m.Name, &m.Description, &m.BaseModel, &m.Status, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Model{}, ErrNotFound
		}
		return models.Model{}, fmt.Errorf("scan model: %w", err)
	}
	return m, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, model_id, dataset_id, type, status, attempts, last_error, logs_url, created_at, started_at, completed_at
		FROM jobs WHERE id = $1
	`, id)

	var j models.Job
	var lastErr, logsURL pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	if err := row.Scan(&j.ID, &j.ModelID, &j.DatasetID, &j.Type, &j.Status, &j.Attempts, &lastErr, &logsURL, &j.CreatedAt, &startedAt, &completedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	j.LastError = textPtr(lastErr)
	j.LogsURL = textPtr(logsURL)
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)
	return j, nil
}

// JobStatus reads only the status column; the consumer uses it to short-circuit
// redelivered messages for jobs that already finished.
func (s *Store) JobStatus(ctx context.Context, id string) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query job status: %w", err)
	}
	return status, nil
}

// MarkJobProcessing transitions a job to processing. The guard admits queued
// (first delivery) and processing (redelivery after a crashed attempt) so the
// transition is safe under at-least-once delivery. Returns false when the job
// is already in a terminal state.
func (s *Store) MarkJobProcessing(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, started_at = COALESCE(started_at, NOW())
		WHERE id = $1 AND status IN ($2, $3)
	`, id, models.JobProcessing, models.JobQueued)
	if err != nil {
		return false, fmt.Errorf("mark job processing: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkModelTrained transitions a model from pending to trained. A redelivered
// message finds the guard already satisfied and the update is a no-op.
func (s *Store) MarkModelTrained(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE models SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.ModelTrained, models.ModelPending)
	if err != nil {
		return false, fmt.Errorf("mark model trained: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkJobCompleted finishes a job. Only the caller that wins this transition
// goes on to write the result artifact, so duplicate deliveries produce at
// most one artifact write.
func (s *Store) MarkJobCompleted(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, completed_at = NOW(), last_error = NULL
		WHERE id = $1 AND status = $3
	`, id, models.JobCompleted, models.JobProcessing)
	if err != nil {
		return false, fmt.Errorf("mark job completed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetJobLogsURL links the result artifact after it has been written. The
// artifact-then-link ordering makes a dangling logs_url impossible.
func (s *Store) SetJobLogsURL(ctx context.Context, id, logsURL string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET logs_url = $2 WHERE id = $1
	`, id, logsURL)
	if err != nil {
		return fmt.Errorf("set job logs url: %w", err)
	}
	return nil
}

// MarkJobFailed moves a job to failed from any non-terminal state.
func (s *Store) MarkJobFailed(ctx context.Context, id, lastErr string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.JobFailed, lastErr, models.JobQueued, models.JobProcessing)
	if err != nil {
		return false, fmt.Errorf("mark job failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkModelFailed moves a model to failed unless it already trained.
func (s *Store) MarkModelFailed(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE models SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.ModelFailed, models.ModelPending)
	if err != nil {
		return false, fmt.Errorf("mark model failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordJobAttempt updates retry bookkeeping after a failed processing attempt.
func (s *Store) RecordJobAttempt(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET attempts = $2, last_error = $3 WHERE id = $1
	`, id, attempts, lastErr)
	if err != nil {
		return fmt.Errorf("record job attempt: %w", err)
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
