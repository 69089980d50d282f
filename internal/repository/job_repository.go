package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/docflow-api/internal/models"
)

const jobColumns = `id, file_id, owner_id, tool_type, parameters, status, priority, queue_name, attempts, max_attempts,
       result, error, lease_token, lease_expires_at, batch_id, batch_index, is_batch, created_at, updated_at, started_at, completed_at`

// JobRepository persists processing jobs and batches. The jobs table is the
// source of truth for orchestration; the in-process queue only holds tokens.
type JobRepository struct {
	db *sqlx.DB
}

// NewJobRepository constructs the repository.
func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a job in PENDING status.
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = models.DefaultMaxAttempts
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	const query = `INSERT INTO jobs
	(id, file_id, owner_id, tool_type, parameters, status, priority, queue_name, attempts, max_attempts, result, error, lease_token, lease_expires_at, batch_id, batch_index, is_batch, created_at, updated_at, started_at, completed_at)
	VALUES (:id, :file_id, :owner_id, :tool_type, :parameters, :status, :priority, :queue_name, :attempts, :max_attempts, :result, :error, :lease_token, :lease_expires_at, :batch_id, :batch_index, :is_batch, :created_at, :updated_at, :started_at, :completed_at)`
	if _, err := r.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetByID fetches a job by identifier.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	var job models.Job
	if err := r.db.GetContext(ctx, &job, query, id); err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkQueued flips PENDING to QUEUED once the queue accepted the token.
func (r *JobRepository) MarkQueued(ctx context.Context, id string) error {
	return r.compareAndSwap(ctx, id, models.JobStatusPending, models.JobStatusQueued,
		`UPDATE jobs SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`)
}

// Requeue moves a FAILED job back to QUEUED for a retry.
func (r *JobRepository) Requeue(ctx context.Context, id string) error {
	return r.compareAndSwap(ctx, id, models.JobStatusFailed, models.JobStatusQueued,
		`UPDATE jobs SET status = $1, updated_at = NOW(), lease_token = NULL, lease_expires_at = NULL WHERE id = $2 AND status = $3`)
}

func (r *JobRepository) compareAndSwap(ctx context.Context, id string, from, to models.JobStatus, query string) error {
	result, err := r.db.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return fmt.Errorf("job %s to %s: %w", from, to, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check job transition rows: %w", err)
	}
	if rows == 0 {
		return ErrStateConflict
	}
	return nil
}

// Claim leases a QUEUED job for processing. The guard on status makes the
// claim at-most-once even if the same token was dispatched twice. Attempts
// count observed failures, so the claim itself does not bump them.
func (r *JobRepository) Claim(ctx context.Context, id string, lease time.Duration) (*models.Job, error) {
	leaseToken := uuid.NewString()
	now := time.Now().UTC()
	expires := now.Add(lease)

	query := `UPDATE jobs SET status = $1, lease_token = $2, lease_expires_at = $3, updated_at = $4, started_at = COALESCE(started_at, $4)
	WHERE id = $5 AND status = $6
	RETURNING ` + jobColumns
	var job models.Job
	err := r.db.GetContext(ctx, &job, query,
		models.JobStatusProcessing, leaseToken, expires, now, id, models.JobStatusQueued)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrStateConflict
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// Complete finishes a PROCESSING job. The lease token guard rejects a worker
// whose lease was swept and reassigned.
func (r *JobRepository) Complete(ctx context.Context, id, leaseToken string, result models.Metadata) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, result = $2, completed_at = $3, updated_at = $3, lease_token = NULL, lease_expires_at = NULL
		 WHERE id = $4 AND status = $5 AND lease_token = $6`,
		models.JobStatusCompleted, result, time.Now().UTC(), id, models.JobStatusProcessing, leaseToken)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check complete rows: %w", err)
	}
	if rows == 0 {
		return ErrStateConflict
	}
	return nil
}

// Fail marks a job FAILED with an error message and counts the failed
// attempt. Works from any non-terminal status so the sweepers can use it too.
func (r *JobRepository) Fail(ctx context.Context, id, errMsg string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, error = $2, attempts = attempts + 1, updated_at = NOW(), lease_token = NULL, lease_expires_at = NULL
		 WHERE id = $3 AND status NOT IN ($4, $5)`,
		models.JobStatusFailed, errMsg, id, models.JobStatusCompleted, models.JobStatusDeadLetter)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check fail rows: %w", err)
	}
	if rows == 0 {
		return ErrStateConflict
	}
	return nil
}

// DeadLetter parks a FAILED job permanently once retries are exhausted.
func (r *JobRepository) DeadLetter(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, completed_at = $2, updated_at = $2 WHERE id = $3 AND status = $4`,
		models.JobStatusDeadLetter, time.Now().UTC(), id, models.JobStatusFailed)
	if err != nil {
		return fmt.Errorf("dead letter job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check dead letter rows: %w", err)
	}
	if rows == 0 {
		return ErrStateConflict
	}
	return nil
}

// CountActiveByOwner counts the owner's PENDING, QUEUED, and PROCESSING jobs.
func (r *JobRepository) CountActiveByOwner(ctx context.Context, ownerID string) (int64, error) {
	const query = `SELECT COUNT(*) FROM jobs WHERE owner_id = $1 AND status IN ($2, $3, $4)`
	var count int64
	if err := r.db.GetContext(ctx, &count, query, ownerID,
		models.JobStatusPending, models.JobStatusQueued, models.JobStatusProcessing); err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return count, nil
}

// ListStalePending returns PENDING jobs older than the cutoff. These are jobs
// whose enqueue never happened, typically because the process restarted.
func (r *JobRepository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT `+jobColumns+` FROM jobs
	WHERE status = $1 AND created_at <= $2 ORDER BY created_at ASC LIMIT %d`, limit)
	var jobs []models.Job
	if err := r.db.SelectContext(ctx, &jobs, query, models.JobStatusPending, cutoff); err != nil {
		return nil, fmt.Errorf("list stale pending jobs: %w", err)
	}
	return jobs, nil
}

// ListRetryableFailed returns FAILED jobs below the attempt ceiling whose
// exponential backoff window has already elapsed at now. The window mirrors
// models.RetryBackoff: 60·2^(attempts-1) seconds, capped at 900.
func (r *JobRepository) ListRetryableFailed(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT `+jobColumns+` FROM jobs
	WHERE status = $1 AND attempts < max_attempts
	  AND updated_at + make_interval(secs => LEAST(60 * POWER(2, GREATEST(attempts, 1) - 1), 900)) <= $2
	ORDER BY updated_at ASC LIMIT %d`, limit)
	var jobs []models.Job
	if err := r.db.SelectContext(ctx, &jobs, query, models.JobStatusFailed, now); err != nil {
		return nil, fmt.Errorf("list retryable failed jobs: %w", err)
	}
	return jobs, nil
}

// ListExpiredLeases returns PROCESSING jobs whose lease expired before the
// cutoff, so the sweeper can fail and retry them.
func (r *JobRepository) ListExpiredLeases(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT `+jobColumns+` FROM jobs
	WHERE status = $1 AND lease_expires_at IS NOT NULL AND lease_expires_at <= $2 ORDER BY lease_expires_at ASC LIMIT %d`, limit)
	var jobs []models.Job
	if err := r.db.SelectContext(ctx, &jobs, query, models.JobStatusProcessing, cutoff); err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	return jobs, nil
}

// QueueStats aggregates job counts by status for one queue.
func (r *JobRepository) QueueStats(ctx context.Context, queue string) (map[models.JobStatus]int64, error) {
	const query = `SELECT status, COUNT(*) AS count FROM jobs WHERE queue_name = $1 GROUP BY status`
	rows := []struct {
		Status models.JobStatus `db:"status"`
		Count  int64            `db:"count"`
	}{}
	if err := r.db.SelectContext(ctx, &rows, query, queue); err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	stats := make(map[models.JobStatus]int64, len(rows))
	for _, row := range rows {
		stats[row.Status] = row.Count
	}
	return stats, nil
}

// CreateBatch inserts the batch header row.
func (r *JobRepository) CreateBatch(ctx context.Context, batch *models.BatchJob) error {
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	if batch.Status == "" {
		batch.Status = models.BatchStatusPending
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO batch_jobs
	(id, owner_id, tool_type, parameters, status, total, completed, failed, created_at, started_at, completed_at)
	VALUES (:id, :owner_id, :tool_type, :parameters, :status, :total, :completed, :failed, :created_at, :started_at, :completed_at)`
	if _, err := r.db.NamedExecContext(ctx, query, batch); err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	return nil
}

// GetBatch loads the batch header.
func (r *JobRepository) GetBatch(ctx context.Context, id string) (*models.BatchJob, error) {
	const query = `SELECT id, owner_id, tool_type, parameters, status, total, completed, failed, created_at, started_at, completed_at
	FROM batch_jobs WHERE id = $1`
	var batch models.BatchJob
	if err := r.db.GetContext(ctx, &batch, query, id); err != nil {
		return nil, err
	}
	return &batch, nil
}

// ListBatchJobs returns the batch members in submission order.
func (r *JobRepository) ListBatchJobs(ctx context.Context, batchID string) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE batch_id = $1 ORDER BY batch_index ASC`
	var jobs []models.Job
	if err := r.db.SelectContext(ctx, &jobs, query, batchID); err != nil {
		return nil, fmt.Errorf("list batch jobs: %w", err)
	}
	return jobs, nil
}

// RecordBatchOutcome bumps the batch counters after a member reached a
// terminal status and recomputes the aggregate batch status.
func (r *JobRepository) RecordBatchOutcome(ctx context.Context, batchID string, succeeded bool) (*models.BatchJob, error) {
	column := "completed"
	if !succeeded {
		column = "failed"
	}
	now := time.Now().UTC()
	query := fmt.Sprintf(`UPDATE batch_jobs SET %s = %s + 1,
	started_at = COALESCE(started_at, $1),
	status = CASE
		WHEN completed + failed + 1 < total THEN '%s'
		WHEN failed + %d = 0 THEN '%s'
		WHEN completed + %d = 0 THEN '%s'
		ELSE '%s'
	END,
	completed_at = CASE WHEN completed + failed + 1 >= total THEN $2 ELSE completed_at END
	WHERE id = $3
	RETURNING id, owner_id, tool_type, parameters, status, total, completed, failed, created_at, started_at, completed_at`,
		column, column,
		models.BatchStatusProcessing,
		boolToInt(!succeeded), models.BatchStatusCompleted,
		boolToInt(succeeded), models.BatchStatusFailed,
		models.BatchStatusPartiallyCompleted)

	var batch models.BatchJob
	if err := r.db.GetContext(ctx, &batch, query, now, now, batchID); err != nil {
		return nil, fmt.Errorf("record batch outcome: %w", err)
	}
	return &batch, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CancelBatch marks the batch CANCELLED and fails its PENDING and QUEUED
// members. Jobs already PROCESSING run to completion.
func (r *JobRepository) CancelBatch(ctx context.Context, batchID string) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cancel batch tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Cancelled members park at the attempt ceiling so the retry sweeper
	// never resurrects them.
	var result sql.Result
	result, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = $1, error = 'batch_cancelled', attempts = max_attempts, updated_at = NOW()
		 WHERE batch_id = $2 AND status IN ($3, $4)`,
		models.JobStatusFailed, batchID, models.JobStatusPending, models.JobStatusQueued)
	if err != nil {
		return 0, fmt.Errorf("cancel batch jobs: %w", err)
	}
	var cancelled int64
	cancelled, err = result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check cancel rows: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE batch_jobs SET status = $1, failed = failed + $2, completed_at = $3 WHERE id = $4`,
		models.BatchStatusCancelled, cancelled, time.Now().UTC(), batchID); err != nil {
		return 0, fmt.Errorf("mark batch cancelled: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cancel batch tx: %w", err)
	}
	return cancelled, nil
}
