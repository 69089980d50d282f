package models

import (
	"time"
)

// JobStatus captures processing job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusDeadLetter JobStatus = "DEAD_LETTER"
)

// ValidJobTransitions maps job states to legal successors. FAILED → QUEUED is
// the retry edge; DEAD_LETTER is terminal.
var ValidJobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusQueued, JobStatusFailed},
	JobStatusQueued:     {JobStatusProcessing, JobStatusFailed},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed},
	JobStatusFailed:     {JobStatusQueued, JobStatusDeadLetter},
	JobStatusCompleted:  {},
	JobStatusDeadLetter: {},
}

// CanTransitionJob reports whether current → target is legal.
func CanTransitionJob(current, target JobStatus) bool {
	for _, allowed := range ValidJobTransitions[current] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsComplete reports whether no further processing will happen.
func (s JobStatus) IsComplete() bool {
	return s == JobStatusCompleted || s == JobStatusDeadLetter
}

// ActiveJobStatuses count against the per-user concurrency cap.
var ActiveJobStatuses = []JobStatus{JobStatusPending, JobStatusQueued, JobStatusProcessing}

// Queue names. Higher tiers dispatch to high; everyone else to default.
const (
	QueueHigh    = "high"
	QueueDefault = "default"
)

// DefaultMaxAttempts bounds retries before a job is dead-lettered.
const DefaultMaxAttempts = 3

// RetryBackoff returns the delay before the given (1-based) attempt is
// retried: min(60·2^attempts, 900) seconds.
func RetryBackoff(attempts int) time.Duration {
	seconds := 60
	for i := 1; i < attempts; i++ {
		seconds *= 2
		if seconds >= 900 {
			return 900 * time.Second
		}
	}
	if seconds > 900 {
		seconds = 900
	}
	return time.Duration(seconds) * time.Second
}

// Job is an intent to transform a file with a named tool.
type Job struct {
	ID             string     `db:"id" json:"id"`
	FileID         string     `db:"file_id" json:"file_id"`
	OwnerID        *string    `db:"owner_id" json:"owner_id,omitempty"`
	ToolType       string     `db:"tool_type" json:"tool_type"`
	Parameters     Metadata   `db:"parameters" json:"parameters,omitempty"`
	Status         JobStatus  `db:"status" json:"status"`
	Priority       int        `db:"priority" json:"priority"`
	QueueName      string     `db:"queue_name" json:"queue_name"`
	Attempts       int        `db:"attempts" json:"attempts"`
	MaxAttempts    int        `db:"max_attempts" json:"max_attempts"`
	Result         Metadata   `db:"result" json:"result,omitempty"`
	Error          *string    `db:"error" json:"error,omitempty"`
	LeaseToken     *string    `db:"lease_token" json:"-"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at" json:"-"`
	BatchID        *string    `db:"batch_id" json:"batch_id,omitempty"`
	BatchIndex     int        `db:"batch_index" json:"batch_index,omitempty"`
	IsBatch        bool       `db:"is_batch" json:"is_batch"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
	StartedAt      *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// JobResult is the payload stored on successful completion.
type JobResult struct {
	FileID    string `json:"file_id"`
	Version   int    `json:"version"`
	SizeBytes int64  `json:"size_bytes"`
}

// AsMetadata converts the result for JSONB persistence.
func (r JobResult) AsMetadata() Metadata {
	return Metadata{
		"file_id":    r.FileID,
		"version":    r.Version,
		"size_bytes": r.SizeBytes,
	}
}

// BatchStatus captures the aggregate state of a job batch.
type BatchStatus string

const (
	BatchStatusPending            BatchStatus = "PENDING"
	BatchStatusProcessing         BatchStatus = "PROCESSING"
	BatchStatusCompleted          BatchStatus = "COMPLETED"
	BatchStatusPartiallyCompleted BatchStatus = "PARTIALLY_COMPLETED"
	BatchStatusFailed             BatchStatus = "FAILED"
	BatchStatusCancelled          BatchStatus = "CANCELLED"
)

// BatchJob groups sibling jobs created from one request.
type BatchJob struct {
	ID          string      `db:"id" json:"id"`
	OwnerID     *string     `db:"owner_id" json:"owner_id,omitempty"`
	ToolType    string      `db:"tool_type" json:"tool_type"`
	Parameters  Metadata    `db:"parameters" json:"parameters,omitempty"`
	Status      BatchStatus `db:"status" json:"status"`
	Total       int         `db:"total" json:"total"`
	Completed   int         `db:"completed" json:"completed"`
	Failed      int         `db:"failed" json:"failed"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	StartedAt   *time.Time  `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
}

// ProgressPercent reports completion as an integer percentage.
func (b *BatchJob) ProgressPercent() int {
	if b.Total == 0 {
		return 0
	}
	return (b.Completed + b.Failed) * 100 / b.Total
}

// IsComplete reports whether the batch reached a terminal status.
func (b *BatchJob) IsComplete() bool {
	switch b.Status {
	case BatchStatusCompleted, BatchStatusPartiallyCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}
