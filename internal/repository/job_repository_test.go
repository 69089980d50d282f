package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/docflow-api/internal/models"
)

func TestJobRepositoryCreateDefaults(t *testing.T) {
	db, mock, cleanup := newFileRepoMock(t)
	defer cleanup()

	repo := NewJobRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	owner := "user-1"
	job := &models.Job{
		FileID:    "file-1",
		OwnerID:   &owner,
		ToolType:  "MERGE",
		Priority:  50,
		QueueName: models.QueueHigh,
	}
	require.NoError(t, repo.Create(context.Background(), job))
	require.NotEmpty(t, job.ID)
	require.Equal(t, models.JobStatusPending, job.Status)
	require.Equal(t, models.DefaultMaxAttempts, job.MaxAttempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepositoryClaimReturnsLeasedJob(t *testing.T) {
	db, mock, cleanup := newFileRepoMock(t)
	defer cleanup()

	repo := NewJobRepository(db)
	rows := sqlmock.NewRows([]string{"id", "file_id", "owner_id", "tool_type", "parameters", "status", "priority", "queue_name", "attempts", "max_attempts", "result", "error", "lease_token", "lease_expires_at", "batch_id", "batch_index", "is_batch", "created_at", "updated_at", "started_at", "completed_at"}).
		AddRow("job-1", "file-1", "user-1", "MERGE", `{}`, "PROCESSING", 50, "high", 1, 3, `{}`, nil, "lease-1", time.Now().Add(10*time.Minute), nil, 0, false, time.Now(), time.Now(), time.Now(), nil)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs SET status")).
		WillReturnRows(rows)

	job, err := repo.Claim(context.Background(), "job-1", 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusProcessing, job.Status)
	require.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LeaseToken)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepositoryListRetryableFailed(t *testing.T) {
	db, mock, cleanup := newFileRepoMock(t)
	defer cleanup()

	repo := NewJobRepository(db)
	rows := sqlmock.NewRows([]string{"id", "file_id", "owner_id", "tool_type", "parameters", "status", "priority", "queue_name", "attempts", "max_attempts", "result", "error", "lease_token", "lease_expires_at", "batch_id", "batch_index", "is_batch", "created_at", "updated_at", "started_at", "completed_at"}).
		AddRow("job-1", "file-1", "user-1", "NOOP", `{}`, "FAILED", 0, "default", 1, 3, `{}`, "tool failed", nil, nil, nil, 0, false, time.Now(), time.Now().Add(-2*time.Minute), time.Now(), nil)
	mock.ExpectQuery(regexp.QuoteMeta("attempts < max_attempts")).
		WithArgs(string(models.JobStatusFailed), sqlmock.AnyArg()).
		WillReturnRows(rows)

	jobs, err := repo.ListRetryableFailed(context.Background(), time.Now().UTC(), 100)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, models.JobStatusFailed, jobs[0].Status)
	require.Equal(t, 1, jobs[0].Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepositoryClaimLosesRace(t *testing.T) {
	db, mock, cleanup := newFileRepoMock(t)
	defer cleanup()

	repo := NewJobRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs SET status")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.Claim(context.Background(), "job-1", 10*time.Minute)
	require.ErrorIs(t, err, ErrStateConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepositoryCompleteRejectsStaleLease(t *testing.T) {
	db, mock, cleanup := newFileRepoMock(t)
	defer cleanup()

	repo := NewJobRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET status")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Complete(context.Background(), "job-1", "stale-lease", models.Metadata{"version": 2})
	require.ErrorIs(t, err, ErrStateConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepositoryMarkQueuedAndDeadLetter(t *testing.T) {
	db, mock, cleanup := newFileRepoMock(t)
	defer cleanup()

	repo := NewJobRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET status")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.MarkQueued(context.Background(), "job-1"))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET status")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.DeadLetter(context.Background(), "job-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepositoryCancelBatch(t *testing.T) {
	db, mock, cleanup := newFileRepoMock(t)
	defer cleanup()

	repo := NewJobRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET status")).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE batch_jobs SET status")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	cancelled, err := repo.CancelBatch(context.Background(), "batch-1")
	require.NoError(t, err)
	require.Equal(t, int64(3), cancelled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepositoryQueueStats(t *testing.T) {
	db, mock, cleanup := newFileRepoMock(t)
	defer cleanup()

	repo := NewJobRepository(db)
	rows := sqlmock.NewRows([]string{"status", "count"}).
		AddRow("QUEUED", 4).
		AddRow("PROCESSING", 2)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, COUNT(*) AS count FROM jobs")).
		WithArgs("high").
		WillReturnRows(rows)

	stats, err := repo.QueueStats(context.Background(), "high")
	require.NoError(t, err)
	require.Equal(t, int64(4), stats[models.JobStatusQueued])
	require.Equal(t, int64(2), stats[models.JobStatusProcessing])
	require.NoError(t, mock.ExpectationsWereMet())
}
