package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/docflow-api/internal/models"
	"github.com/noah-isme/docflow-api/internal/repository"
	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
	"github.com/noah-isme/docflow-api/pkg/jobs"
)

type jobStore interface {
	Create(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	MarkQueued(ctx context.Context, id string) error
	Requeue(ctx context.Context, id string) error
	DeadLetter(ctx context.Context, id string) error
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
	ListRetryableFailed(ctx context.Context, now time.Time, limit int) ([]models.Job, error)
	QueueStats(ctx context.Context, queue string) (map[models.JobStatus]int64, error)
	CreateBatch(ctx context.Context, batch *models.BatchJob) error
	GetBatch(ctx context.Context, id string) (*models.BatchJob, error)
	ListBatchJobs(ctx context.Context, batchID string) ([]models.Job, error)
	RecordBatchOutcome(ctx context.Context, batchID string, succeeded bool) (*models.BatchJob, error)
	CancelBatch(ctx context.Context, batchID string) (int64, error)
}

type entitlementChecker interface {
	Check(ctx context.Context, user *models.User, featureCode string) (*models.Decision, error)
}

type jobGate interface {
	AllowJobCreate(ctx context.Context, user *models.User, clientIP string) (bool, int, error)
	CheckConcurrency(ctx context.Context, user *models.User) error
}

type auditSink interface {
	Security(ctx context.Context, action string, actorID *string, targetID string, meta models.Metadata)
	Event(ctx context.Context, action string, actor models.ActorKind, actorID *string, targetID string, meta models.Metadata)
}

// JobService orchestrates processing jobs: admission through the entitlement
// and quota gates, tier-based priority dispatch, retry with backoff, and
// batch bookkeeping.
type JobService struct {
	jobs         jobStore
	files        *FileService
	sm           *StateMachine
	entitlements entitlementChecker
	quotas       jobGate
	audit        auditSink
	queues       map[string]*jobs.Queue
	logger       *zap.Logger
}

// NewJobService constructs the orchestrator. Queues are registered afterwards
// with RegisterQueue since the worker handler needs the service in scope.
func NewJobService(store jobStore, files *FileService, sm *StateMachine, entitlements entitlementChecker, quotas jobGate, audit auditSink, logger *zap.Logger) *JobService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobService{
		jobs:         store,
		files:        files,
		sm:           sm,
		entitlements: entitlements,
		quotas:       quotas,
		audit:        audit,
		queues:       map[string]*jobs.Queue{},
		logger:       logger,
	}
}

// RegisterQueue attaches a dispatcher for a named queue.
func (s *JobService) RegisterQueue(q *jobs.Queue) {
	s.queues[q.Name()] = q
}

// CreateJobRequest is one admission into the orchestrator.
type CreateJobRequest struct {
	FileID     string
	ToolType   string
	Parameters models.Metadata
	User       *models.User
	ClientIP   string
	BatchID    *string
	BatchIndex int
}

// CreateJob admits a job: ownership, entitlement, and quota gates, then a
// PENDING row flipped to QUEUED once the dispatcher accepted the token. An
// enqueue failure leaves the row PENDING for the sweeper to pick up.
func (s *JobService) CreateJob(ctx context.Context, req CreateJobRequest) (*models.Job, error) {
	file, err := s.files.Get(ctx, req.FileID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, req.User, file); err != nil {
		return nil, err
	}

	decision, err := s.entitlements.Check(ctx, req.User, req.ToolType)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		// A spent daily limit is a quota problem with a known reset time;
		// everything else is a missing grant.
		if decision.LimitExhausted() {
			return nil, appErrors.WithRetryAfter(
				appErrors.Clone(appErrors.ErrQuotaExceeded, decision.Reason), secondsUntilUTCMidnight(time.Now()))
		}
		return nil, appErrors.Clone(appErrors.ErrEntitlementDenied, decision.Reason)
	}

	allowed, retryAfter, err := s.quotas.AllowJobCreate(ctx, req.User, req.ClientIP)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, appErrors.WithRetryAfter(appErrors.ErrRateLimited, retryAfter)
	}
	if err := s.quotas.CheckConcurrency(ctx, req.User); err != nil {
		return nil, err
	}

	var tier models.UserTier = models.TierGuest
	var ownerID *string
	if req.User != nil {
		tier = req.User.Tier()
		id := req.User.ID
		ownerID = &id
	}
	priority, queueName := tier.Priority()

	job := &models.Job{
		FileID:     file.ID,
		OwnerID:    ownerID,
		ToolType:   req.ToolType,
		Parameters: req.Parameters,
		Priority:   priority,
		QueueName:  queueName,
		BatchID:    req.BatchID,
		BatchIndex: req.BatchIndex,
		IsBatch:    req.BatchID != nil,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create job")
	}

	// A fresh upload sits in METADATA_REGISTERED; a published file re-enters
	// the pipeline from AVAILABLE. Files already QUEUED or PROCESSING keep
	// their state for the job in flight.
	switch file.CurrentState {
	case models.FileStateMetadataRegistered, models.FileStateAvailable:
		if err := s.sm.Transition(ctx, file, models.FileStateQueued, models.ActorSystem, ownerID, nil); err != nil {
			return nil, err
		}
	}

	s.dispatch(ctx, job)
	s.audit.Event(ctx, models.AuditJobCreated, models.ActorUser, ownerID, job.ID,
		models.Metadata{"tool_type": job.ToolType, "queue": job.QueueName})
	return job, nil
}

// dispatch flips PENDING to QUEUED and hands a token to the dispatcher. Both
// steps are best-effort: a PENDING row is recovered by the sweeper.
func (s *JobService) dispatch(ctx context.Context, job *models.Job) {
	queue, ok := s.queues[job.QueueName]
	if !ok {
		s.logger.Error("no dispatcher for queue", zap.String("queue", job.QueueName), zap.String("job_id", job.ID))
		return
	}
	if err := s.jobs.MarkQueued(ctx, job.ID); err != nil {
		s.logger.Warn("failed to mark job queued", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	job.Status = models.JobStatusQueued
	if err := queue.Enqueue(jobs.Token{JobID: job.ID, Priority: job.Priority}); err != nil {
		s.logger.Warn("enqueue failed, job stays for sweeper", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// authorize applies the access rule: admins may touch any file, everyone
// else only their own. Violations are recorded as security events.
func (s *JobService) authorize(ctx context.Context, user *models.User, file *models.FileAsset) error {
	if user != nil && (user.Role == models.RoleAdmin || user.Role == models.RoleSuperAdmin) {
		return nil
	}
	if file.OwnerID == nil {
		// Guest files are addressable by whoever holds the ID.
		return nil
	}
	if user != nil && file.IsOwnedBy(user.ID) {
		return nil
	}
	var actorID *string
	if user != nil {
		id := user.ID
		actorID = &id
	}
	s.audit.Security(ctx, models.AuditCrossOwnerAccess, actorID, file.ID, models.Metadata{"operation": "job_create"})
	return appErrors.ErrAuthorization
}

// GetJob loads a job, enforcing ownership.
func (s *JobService) GetJob(ctx context.Context, user *models.User, id string) (*models.Job, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, mapNotFound(err, "job not found")
	}
	if err := s.authorizeJob(ctx, user, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *JobService) authorizeJob(ctx context.Context, user *models.User, job *models.Job) error {
	if user != nil && (user.Role == models.RoleAdmin || user.Role == models.RoleSuperAdmin) {
		return nil
	}
	if job.OwnerID == nil {
		return nil
	}
	if user != nil && *job.OwnerID == user.ID {
		return nil
	}
	var actorID *string
	if user != nil {
		id := user.ID
		actorID = &id
	}
	s.audit.Security(ctx, models.AuditCrossOwnerAccess, actorID, job.ID, models.Metadata{"operation": "job_read"})
	return appErrors.ErrAuthorization
}

// RetryOrDeadLetter decides what happens to a job that just failed. Below
// the attempt ceiling the token is redispatched after backoff; at the
// ceiling the job is parked in the dead letter state.
func (s *JobService) RetryOrDeadLetter(ctx context.Context, job *models.Job) {
	if job.Attempts >= job.MaxAttempts {
		if err := s.jobs.DeadLetter(ctx, job.ID); err != nil {
			s.logger.Error("failed to dead-letter job", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		s.audit.Event(ctx, models.AuditJobDeadLettered, models.ActorSystem, nil, job.ID,
			models.Metadata{"attempts": job.Attempts})
		s.recordBatchOutcome(ctx, job, false)
		return
	}

	queue, ok := s.queues[job.QueueName]
	if !ok {
		s.logger.Error("no dispatcher for retry", zap.String("queue", job.QueueName), zap.String("job_id", job.ID))
		return
	}
	backoff := models.RetryBackoff(job.Attempts)
	s.logger.Info("scheduling retry",
		zap.String("job_id", job.ID), zap.Int("attempts", job.Attempts), zap.Duration("backoff", backoff))
	queue.EnqueueAfter(jobs.Token{JobID: job.ID, Priority: job.Priority}, backoff)
}

// PrepareClaim moves a FAILED job back to QUEUED when its retry token
// arrives. A job that is already QUEUED passes through untouched.
func (s *JobService) PrepareClaim(ctx context.Context, id string) error {
	if err := s.jobs.Requeue(ctx, id); err != nil && !errors.Is(err, repository.ErrStateConflict) {
		return err
	}
	return nil
}

// NotifyCompleted folds a terminal success into batch bookkeeping.
func (s *JobService) NotifyCompleted(ctx context.Context, job *models.Job) {
	s.audit.Event(ctx, models.AuditJobCompleted, models.ActorWorker, nil, job.ID, nil)
	s.recordBatchOutcome(ctx, job, true)
}

func (s *JobService) recordBatchOutcome(ctx context.Context, job *models.Job, succeeded bool) {
	if job.BatchID == nil {
		return
	}
	if _, err := s.jobs.RecordBatchOutcome(ctx, *job.BatchID, succeeded); err != nil {
		s.logger.Error("failed to record batch outcome",
			zap.String("batch_id", *job.BatchID), zap.String("job_id", job.ID), zap.Error(err))
	}
}

// CreateBatchRequest admits a group of files for the same tool.
type CreateBatchRequest struct {
	FileIDs    []string
	ToolType   string
	Parameters models.Metadata
	User       *models.User
	ClientIP   string
}

// BatchResult pairs the batch header with its member jobs.
type BatchResult struct {
	Batch *models.BatchJob `json:"batch"`
	Jobs  []models.Job     `json:"jobs"`
}

// CreateBatch creates one job per file under a shared batch ID. Individual
// admission failures fail the whole batch up front so the caller never gets
// a half-admitted group.
func (s *JobService) CreateBatch(ctx context.Context, req CreateBatchRequest) (*BatchResult, error) {
	if len(req.FileIDs) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "batch requires at least one file")
	}

	var ownerID *string
	if req.User != nil {
		id := req.User.ID
		ownerID = &id
	}
	batch := &models.BatchJob{
		OwnerID:    ownerID,
		ToolType:   req.ToolType,
		Parameters: req.Parameters,
		Total:      len(req.FileIDs),
	}
	if err := s.jobs.CreateBatch(ctx, batch); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create batch")
	}

	result := &BatchResult{Batch: batch}
	for i, fileID := range req.FileIDs {
		job, err := s.CreateJob(ctx, CreateJobRequest{
			FileID:     fileID,
			ToolType:   req.ToolType,
			Parameters: req.Parameters,
			User:       req.User,
			ClientIP:   req.ClientIP,
			BatchID:    &batch.ID,
			BatchIndex: i,
		})
		if err != nil {
			if _, cancelErr := s.jobs.CancelBatch(ctx, batch.ID); cancelErr != nil {
				s.logger.Error("failed to cancel partial batch", zap.String("batch_id", batch.ID), zap.Error(cancelErr))
			}
			return nil, err
		}
		result.Jobs = append(result.Jobs, *job)
	}
	return result, nil
}

// GetBatch loads the batch with its members.
func (s *JobService) GetBatch(ctx context.Context, user *models.User, id string) (*BatchResult, error) {
	batch, err := s.jobs.GetBatch(ctx, id)
	if err != nil {
		return nil, mapNotFound(err, "batch not found")
	}
	if err := s.authorizeBatch(ctx, user, batch); err != nil {
		return nil, err
	}
	members, err := s.jobs.ListBatchJobs(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list batch jobs")
	}
	return &BatchResult{Batch: batch, Jobs: members}, nil
}

func (s *JobService) authorizeBatch(ctx context.Context, user *models.User, batch *models.BatchJob) error {
	if user != nil && (user.Role == models.RoleAdmin || user.Role == models.RoleSuperAdmin) {
		return nil
	}
	if batch.OwnerID == nil {
		return nil
	}
	if user != nil && *batch.OwnerID == user.ID {
		return nil
	}
	var actorID *string
	if user != nil {
		id := user.ID
		actorID = &id
	}
	s.audit.Security(ctx, models.AuditCrossOwnerAccess, actorID, batch.ID, models.Metadata{"operation": "batch_read"})
	return appErrors.ErrAuthorization
}

// CancelBatch fails the batch's PENDING and QUEUED members. PROCESSING
// members run to completion.
func (s *JobService) CancelBatch(ctx context.Context, user *models.User, id string) (int64, error) {
	batch, err := s.jobs.GetBatch(ctx, id)
	if err != nil {
		return 0, mapNotFound(err, "batch not found")
	}
	if err := s.authorizeBatch(ctx, user, batch); err != nil {
		return 0, err
	}
	cancelled, err := s.jobs.CancelBatch(ctx, id)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel batch")
	}
	var actorID *string
	if user != nil {
		uid := user.ID
		actorID = &uid
	}
	s.audit.Event(ctx, models.AuditJobCancelled, models.ActorUser, actorID, id,
		models.Metadata{"cancelled": cancelled})
	return cancelled, nil
}

// SweepPending redispatches PENDING jobs whose enqueue never happened.
func (s *JobService) SweepPending(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	stale, err := s.jobs.ListStalePending(ctx, cutoff, 100)
	if err != nil {
		return 0, err
	}
	for i := range stale {
		s.dispatch(ctx, &stale[i])
	}
	return len(stale), nil
}

// SweepFailedRetries re-enqueues FAILED jobs whose backoff window elapsed.
// The live retry path schedules tokens in memory only, so a restart would
// otherwise strand retryable jobs; the jobs table stays the source of truth.
func (s *JobService) SweepFailedRetries(ctx context.Context) (int, error) {
	retryable, err := s.jobs.ListRetryableFailed(ctx, time.Now().UTC(), 100)
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for i := range retryable {
		job := &retryable[i]
		queue, ok := s.queues[job.QueueName]
		if !ok {
			s.logger.Error("no dispatcher for retry sweep", zap.String("queue", job.QueueName), zap.String("job_id", job.ID))
			continue
		}
		if err := s.jobs.Requeue(ctx, job.ID); err != nil {
			if !errors.Is(err, repository.ErrStateConflict) {
				s.logger.Warn("retry sweep requeue failed", zap.String("job_id", job.ID), zap.Error(err))
			}
			continue
		}
		job.Status = models.JobStatusQueued
		if err := queue.Enqueue(jobs.Token{JobID: job.ID, Priority: job.Priority}); err != nil {
			s.logger.Warn("retry sweep enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

// secondsUntilUTCMidnight is how long until daily limits reset.
func secondsUntilUTCMidnight(now time.Time) int {
	now = now.UTC()
	next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return int(next.Sub(now).Round(time.Second).Seconds())
}

// QueueStats reports DB status counts plus the live dispatcher depth.
func (s *JobService) QueueStats(ctx context.Context, queueName string) (map[string]int64, error) {
	stats, err := s.jobs.QueueStats(ctx, queueName)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load queue stats")
	}
	out := make(map[string]int64, len(stats)+1)
	for status, count := range stats {
		out[string(status)] = count
	}
	if queue, ok := s.queues[queueName]; ok {
		out["dispatcher_depth"] = int64(queue.Depth())
	}
	return out, nil
}

func mapNotFound(err error, message string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, message)
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}
