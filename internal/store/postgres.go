package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleetcore/internal/apperr"
	"fleetcore/internal/models"
)

const (
	uniqueViolation       = "23505"
	idempotencyConstraint = "uq_jobs_idempotency_active"
)

// Store wraps pgxpool for Postgres persistence.
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

const jobColumns = `id, job_type, queue, status, tenant_id, payload, result, error, attempt, max_attempts,
	idempotency_key, next_run_at, created_at, updated_at, started_at, completed_at`

// InsertJob inserts a queued job. The partial unique index on idempotency_key over
// non-terminal statuses makes the duplicate check and the insert one atomic step.
func (s *Store) InsertJob(ctx context.Context, job models.Job) (models.Job, error) {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, job_type, queue, status, tenant_id, payload, attempt, max_attempts, idempotency_key, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, job.ID, string(job.Type), job.Queue, job.Status, job.TenantID, payloadJSON, job.Attempt, job.MaxAttempts,
		job.IdempotencyKey, job.NextRunAt, job.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == idempotencyConstraint {
			return models.Job{}, apperr.Conflict(apperr.ReasonDuplicateIntent,
				"a job with idempotency key %q is already queued or running", deref(job.IdempotencyKey))
		}
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, apperr.NotFound("job %s not found", id)
	}
	return job, err
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, f models.JobFilter) ([]models.Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($1 = '' OR tenant_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR job_type = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, f.TenantID, f.Status, f.Type, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// MarkRunning claims a queued job, or a running job whose start predates staleBefore,
// incrementing attempt and stamping started_at. claimed is false when another
// delivery owns the job or it is terminal.
func (s *Store) MarkRunning(ctx context.Context, id string, now, staleBefore time.Time) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, attempt = attempt + 1, started_at = $3, updated_at = $3
		WHERE id = $1
		  AND (status = $4 OR (status = $2 AND started_at < $5))
		RETURNING `+jobColumns,
		id, models.StatusRunning, now, models.StatusQueued, staleBefore)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetJob(ctx, id)
		if getErr != nil {
			return models.Job{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// MarkCompleted transitions the delivery's job to completed and clears any previous error.
func (s *Store) MarkCompleted(ctx context.Context, id string, startedAt time.Time, result map[string]any, now time.Time) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, result = $4, error = NULL, completed_at = $5, updated_at = $5
		WHERE id = $1 AND status = $6 AND started_at = $2
	`, id, startedAt, models.StatusCompleted, resultJSON, now, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return fenced(tag, id)
}

// MarkRetry returns the delivery's job to queued with the failure and next run time recorded.
func (s *Store) MarkRetry(ctx context.Context, id string, startedAt time.Time, errMsg string, nextRun time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, error = $4, next_run_at = $5, updated_at = NOW()
		WHERE id = $1 AND status = $6 AND started_at = $2
	`, id, startedAt, models.StatusQueued, errMsg, nextRun, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	return fenced(tag, id)
}

// MarkFailed transitions the delivery's job to the terminal failed status.
func (s *Store) MarkFailed(ctx context.Context, id string, startedAt time.Time, errMsg string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, error = $4, completed_at = $5, updated_at = $5
		WHERE id = $1 AND status = $6 AND started_at = $2
	`, id, startedAt, models.StatusFailed, errMsg, now, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return fenced(tag, id)
}

// ListDueQueued returns queued jobs whose next_run_at is before cutoff, oldest first.
func (s *Store) ListDueQueued(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND next_run_at < $2
		ORDER BY next_run_at
		LIMIT $3
	`, models.StatusQueued, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListStaleRunning returns running jobs whose started_at predates startedBefore.
// Their worker died or lost its store connection before recording an outcome.
func (s *Store) ListStaleRunning(ctx context.Context, startedBefore time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at
		LIMIT $3
	`, models.StatusRunning, startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale running jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// RescheduleQueued moves next_run_at of a job that is still queued.
func (s *Store) RescheduleQueued(ctx context.Context, id string, nextRun time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET next_run_at = $2, updated_at = NOW() WHERE id = $1 AND status = $3
	`, id, nextRun, models.StatusQueued)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

func fenced(tag pgconn.CommandTag, id string) error {
	if tag.RowsAffected() == 0 {
		return apperr.Conflict(apperr.ReasonStaleDelivery, "job %s is no longer held by this delivery", id)
	}
	return nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	out := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job                    models.Job
		jobType                string
		payloadJSON, resultRaw []byte
		tenant, errText, idem  pgtype.Text
		startedAt, completedAt pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &jobType, &job.Queue, &job.Status, &tenant, &payloadJSON, &resultRaw, &errText,
		&job.Attempt, &job.MaxAttempts, &idem, &job.NextRunAt, &job.CreatedAt, &job.UpdatedAt, &startedAt, &completedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Type = models.JobType(jobType)
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(resultRaw) > 0 {
		if err := json.Unmarshal(resultRaw, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.TenantID = textPtr(tenant)
	job.Error = textPtr(errText)
	job.IdempotencyKey = textPtr(idem)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
