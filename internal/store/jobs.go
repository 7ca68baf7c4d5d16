package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"studio-jobcore/internal/backoff"
	"studio-jobcore/internal/models"
)

const jobColumns = `job_id::text, job_type_key, payload, status_key, attempt_count, max_attempts, run_after,
	locked_by, locked_until, started_at, finished_at, last_error, entity_type_key, entity_key, created_at, updated_at`

// ReapMessage is written to last_error of jobs returned to the queue by the reaper.
const ReapMessage = "lease expired or worker stopped responding; job returned to queue"

// Enqueue inserts a queued job row.
func (s *Store) Enqueue(ctx context.Context, p models.EnqueueParams) (models.Job, error) {
	if p.Type == "" {
		return models.Job{}, fmt.Errorf("%w: job type is required", models.ErrInvalidRequest)
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	if p.RunAfter.IsZero() {
		p.RunAfter = time.Now().UTC()
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (job_id, job_type_key, payload, status_key, attempt_count, max_attempts, run_after, entity_type_key, entity_key)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8)
		RETURNING `+jobColumns,
		uuid.NewString(), p.Type, payloadJSON, models.StatusQueued, p.MaxAttempts, p.RunAfter, p.EntityType, p.EntityKey)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Job{}, models.ErrJobNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs ordered newest first.
func (s *Store) ListJobs(ctx context.Context, p models.ListJobsParams) ([]models.Job, error) {
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($1 = '' OR status_key = $1)
		  AND ($2 = '' OR entity_type_key = $2)
		  AND ($3 = '' OR entity_key = $3)
		ORDER BY created_at DESC
		LIMIT $4`, p.Status, p.EntityType, p.EntityKey, p.Limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

// TryClaimJob atomically takes the oldest eligible queued job for workerID.
// It returns nil when nothing is eligible. Rows locked by a concurrent
// claimer are skipped rather than waited on, so no two callers ever receive
// the same job.
func (s *Store) TryClaimJob(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT job_id FROM jobs
			WHERE status_key = 'queued'
			  AND run_after <= NOW()
			  AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE jobs j
		SET status_key = 'running',
		    locked_by = $1,
		    locked_until = NOW() + make_interval(secs => $2),
		    started_at = COALESCE(j.started_at, NOW()),
		    last_error = NULL,
		    updated_at = NOW()
		FROM next
		WHERE j.job_id = next.job_id
		RETURNING j.job_id::text, j.job_type_key, j.payload, j.status_key, j.attempt_count, j.max_attempts, j.run_after,
			j.locked_by, j.locked_until, j.started_at, j.finished_at, j.last_error, j.entity_type_key, j.entity_key, j.created_at, j.updated_at
	`, workerID, seconds(lease))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// ReapStaleRunningJobs returns crashed workers' jobs to the queue: running
// rows whose lease expired, or that never had a lease and started more than
// StaleRunningThreshold ago.
func (s *Store) ReapStaleRunningJobs(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status_key = 'queued',
		    run_after = NOW(),
		    locked_by = NULL,
		    locked_until = NULL,
		    last_error = $1,
		    updated_at = NOW()
		WHERE status_key = 'running'
		  AND (
		        (locked_until IS NOT NULL AND locked_until < NOW())
		     OR (locked_until IS NULL AND started_at < NOW() - make_interval(secs => $2))
		  )
	`, ReapMessage, seconds(models.StaleRunningThreshold))
	if err != nil {
		return 0, fmt.Errorf("reap stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkSucceeded transitions a job owned by workerID to succeeded and drops
// its lease. It returns models.ErrLeaseLost when the job is no longer running
// under workerID.
func (s *Store) MarkSucceeded(ctx context.Context, id, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status_key = 'succeeded', finished_at = NOW(), locked_by = NULL, locked_until = NULL,
		    last_error = NULL, updated_at = NOW()
		WHERE job_id = $1 AND status_key = 'running' AND locked_by = $2
	`, id, workerID)
	if err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrLeaseLost
	}
	return nil
}

// MarkFailed records a failed attempt of a job owned by workerID. While
// newAttempts is below max_attempts the job is requeued after
// backoff.Delay(newAttempts); otherwise it becomes terminally failed. The
// error text is also merged into the payload under lastError. It reports
// whether the failure was terminal, and returns models.ErrLeaseLost when the
// job is no longer running under workerID.
func (s *Store) MarkFailed(ctx context.Context, id, workerID string, newAttempts int, errText string) (bool, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET attempt_count = $3,
		    status_key = CASE WHEN $3 < max_attempts THEN 'queued' ELSE 'failed' END,
		    run_after = CASE WHEN $3 < max_attempts THEN NOW() + make_interval(secs => $4) ELSE run_after END,
		    finished_at = CASE WHEN $3 < max_attempts THEN NULL ELSE NOW() END,
		    locked_by = NULL,
		    locked_until = NULL,
		    last_error = $5::text,
		    payload = payload || jsonb_build_object('lastError', $5::text),
		    updated_at = NOW()
		WHERE job_id = $1 AND status_key = 'running' AND locked_by = $2
		RETURNING status_key
	`, id, workerID, newAttempts, seconds(backoff.Delay(newAttempts)), errText).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, models.ErrLeaseLost
	}
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return status == models.StatusFailed, nil
}

// UpdatePayload replaces the job payload, typically to persist progress a
// retry can resume from.
func (s *Store) UpdatePayload(ctx context.Context, id string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET payload = $2, updated_at = NOW() WHERE job_id = $1`, id, raw)
	if err != nil {
		return fmt.Errorf("update payload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

// Stats counts jobs per status.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status_key, COUNT(*) FROM jobs GROUP BY status_key`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job         models.Job
		payloadJSON []byte
		lockedBy    pgtype.Text
		lockedUntil pgtype.Timestamptz
		startedAt   pgtype.Timestamptz
		finishedAt  pgtype.Timestamptz
		lastErr     pgtype.Text
	)
	if err := row.Scan(&job.ID, &job.Type, &payloadJSON, &job.Status, &job.Attempts, &job.MaxAttempts, &job.RunAfter,
		&lockedBy, &lockedUntil, &startedAt, &finishedAt, &lastErr, &job.EntityType, &job.EntityKey,
		&job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if job.Payload == nil {
		job.Payload = map[string]any{}
	}
	job.LockedBy = textPtr(lockedBy)
	job.LockedUntil = timePtr(lockedUntil)
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	job.LastError = textPtr(lastErr)
	return job, nil
}

// ExtendLease pushes locked_until forward while workerID still owns the
// running job. It reports false when the lease was lost to the reaper.
func (s *Store) ExtendLease(ctx context.Context, id, workerID string, lease time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET locked_until = NOW() + make_interval(secs => $3), updated_at = NOW()
		WHERE job_id = $1 AND locked_by = $2 AND status_key = 'running'
	`, id, workerID, seconds(lease))
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
