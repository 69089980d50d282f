package service

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/docflow-api/internal/models"
	"github.com/noah-isme/docflow-api/internal/repository"
	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
	"github.com/noah-isme/docflow-api/pkg/jobs"
)

type stubAudit struct {
	mu       sync.Mutex
	events   []string
	security []string
}

func (s *stubAudit) Event(_ context.Context, action string, _ models.ActorKind, _ *string, _ string, _ models.Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, action)
}

func (s *stubAudit) Security(_ context.Context, action string, _ *string, targetID string, _ models.Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.security = append(s.security, action+":"+targetID)
}

type stubJobStore struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	batches map[string]*models.BatchJob
}

func newStubJobStore() *stubJobStore {
	return &stubJobStore{jobs: map[string]*models.Job{}, batches: map[string]*models.BatchJob{}}
}

func (s *stubJobStore) Create(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = models.DefaultMaxAttempts
	}
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *stubJobStore) GetByID(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *job
	return &copied, nil
}

func (s *stubJobStore) MarkQueued(_ context.Context, id string) error {
	return s.swap(id, models.JobStatusPending, models.JobStatusQueued)
}

func (s *stubJobStore) Requeue(_ context.Context, id string) error {
	return s.swap(id, models.JobStatusFailed, models.JobStatusQueued)
}

func (s *stubJobStore) swap(id string, from, to models.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != from {
		return repository.ErrStateConflict
	}
	job.Status = to
	return nil
}

func (s *stubJobStore) DeadLetter(_ context.Context, id string) error {
	return s.swap(id, models.JobStatusFailed, models.JobStatusDeadLetter)
}

func (s *stubJobStore) ListStalePending(_ context.Context, cutoff time.Time, _ int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, job := range s.jobs {
		if job.Status == models.JobStatusPending && !job.CreatedAt.After(cutoff) {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (s *stubJobStore) ListRetryableFailed(_ context.Context, now time.Time, _ int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, job := range s.jobs {
		if job.Status != models.JobStatusFailed || job.Attempts >= job.MaxAttempts {
			continue
		}
		if job.UpdatedAt.Add(models.RetryBackoff(job.Attempts)).After(now) {
			continue
		}
		out = append(out, *job)
	}
	return out, nil
}

func (s *stubJobStore) QueueStats(_ context.Context, queue string) (map[models.JobStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := map[models.JobStatus]int64{}
	for _, job := range s.jobs {
		if job.QueueName == queue {
			stats[job.Status]++
		}
	}
	return stats, nil
}

func (s *stubJobStore) CreateBatch(_ context.Context, batch *models.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	if batch.Status == "" {
		batch.Status = models.BatchStatusPending
	}
	copied := *batch
	s.batches[batch.ID] = &copied
	return nil
}

func (s *stubJobStore) GetBatch(_ context.Context, id string) (*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *batch
	return &copied, nil
}

func (s *stubJobStore) ListBatchJobs(_ context.Context, batchID string) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, job := range s.jobs {
		if job.BatchID != nil && *job.BatchID == batchID {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (s *stubJobStore) RecordBatchOutcome(_ context.Context, batchID string, succeeded bool) (*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	if succeeded {
		batch.Completed++
	} else {
		batch.Failed++
	}
	switch {
	case batch.Completed+batch.Failed < batch.Total:
		batch.Status = models.BatchStatusProcessing
	case batch.Failed == 0:
		batch.Status = models.BatchStatusCompleted
	case batch.Completed == 0:
		batch.Status = models.BatchStatusFailed
	default:
		batch.Status = models.BatchStatusPartiallyCompleted
	}
	copied := *batch
	return &copied, nil
}

func (s *stubJobStore) CancelBatch(_ context.Context, batchID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cancelled int64
	for _, job := range s.jobs {
		if job.BatchID != nil && *job.BatchID == batchID &&
			(job.Status == models.JobStatusPending || job.Status == models.JobStatusQueued) {
			job.Status = models.JobStatusFailed
			msg := "batch_cancelled"
			job.Error = &msg
			job.Attempts = job.MaxAttempts
			job.UpdatedAt = time.Now().UTC()
			cancelled++
		}
	}
	if batch, ok := s.batches[batchID]; ok {
		batch.Status = models.BatchStatusCancelled
	}
	return cancelled, nil
}

type allowAllEntitlements struct {
	decision *models.Decision
}

func (a *allowAllEntitlements) Check(context.Context, *models.User, string) (*models.Decision, error) {
	if a.decision != nil {
		return a.decision, nil
	}
	return &models.Decision{Allowed: true, Source: models.SourceFreeTier, Limit: 10, Remaining: 9}, nil
}

type stubJobGate struct {
	denyRate        bool
	denyConcurrency bool
}

func (g *stubJobGate) AllowJobCreate(context.Context, *models.User, string) (bool, int, error) {
	if g.denyRate {
		return false, 42, nil
	}
	return true, 0, nil
}

func (g *stubJobGate) CheckConcurrency(context.Context, *models.User) error {
	if g.denyConcurrency {
		return appErrors.WithRetryAfter(appErrors.Clone(appErrors.ErrQuotaExceeded, "concurrent job limit of 2 reached"), 30)
	}
	return nil
}

type jobServiceFixture struct {
	svc       *JobService
	jobStore  *stubJobStore
	fileStore *stubFileStore
	audit     *stubAudit
	gate      *stubJobGate
	queue     *jobs.Queue
}

func newJobServiceFixture(t *testing.T) *jobServiceFixture {
	t.Helper()
	fileStore := newStubFileStore()
	sm := NewStateMachine(fileStore, nil)
	fileSvc := NewFileService(fileStore, newMemStore(), sm, 24*time.Hour, nil)
	jobStore := newStubJobStore()
	audit := &stubAudit{}
	gate := &stubJobGate{}
	svc := NewJobService(jobStore, fileSvc, sm, &allowAllEntitlements{}, gate, audit, nil)

	// A dispatcher with a no-op handler: the tests inspect DB state, not
	// execution.
	queue := jobs.NewQueue(models.QueueDefault, func(context.Context, jobs.Token) error { return nil }, jobs.QueueConfig{Workers: 1})
	high := jobs.NewQueue(models.QueueHigh, func(context.Context, jobs.Token) error { return nil }, jobs.QueueConfig{Workers: 1})
	queue.Start(context.Background())
	high.Start(context.Background())
	t.Cleanup(queue.Stop)
	t.Cleanup(high.Stop)
	svc.RegisterQueue(queue)
	svc.RegisterQueue(high)

	return &jobServiceFixture{svc: svc, jobStore: jobStore, fileStore: fileStore, audit: audit, gate: gate, queue: queue}
}

func (f *jobServiceFixture) registeredFile(t *testing.T, ownerID string) *models.FileAsset {
	t.Helper()
	var owner *string
	if ownerID != "" {
		owner = &ownerID
	}
	file := &models.FileAsset{
		OwnerID:          owner,
		OriginalName:     "doc.pdf",
		MimeType:         "application/pdf",
		OriginalChecksum: uuid.NewString(),
		CurrentState:     models.FileStateMetadataRegistered,
		StorageKey:       "files/x/doc.pdf",
	}
	require.NoError(t, f.fileStore.Create(context.Background(), file))
	return file
}

func TestJobServiceCreateJobQueuesAndMovesFile(t *testing.T) {
	f := newJobServiceFixture(t)
	file := f.registeredFile(t, "user-1")

	job, err := f.svc.CreateJob(context.Background(), CreateJobRequest{
		FileID: file.ID, ToolType: "NOOP", User: testUser("user-1", models.RoleUser),
	})
	require.NoError(t, err)
	require.Equal(t, models.JobStatusQueued, job.Status)
	require.Equal(t, 0, job.Priority)
	require.Equal(t, models.QueueDefault, job.QueueName)

	stored, err := f.fileStore.GetByID(context.Background(), file.ID)
	require.NoError(t, err)
	require.Equal(t, models.FileStateQueued, stored.CurrentState)
	require.Contains(t, f.audit.events, models.AuditJobCreated)
}

func TestJobServicePremiumGetsHighQueue(t *testing.T) {
	f := newJobServiceFixture(t)
	file := f.registeredFile(t, "user-1")

	premium := testUser("user-1", models.RoleUser)
	premium.SubscriptionStatus = models.SubscriptionActive
	job, err := f.svc.CreateJob(context.Background(), CreateJobRequest{
		FileID: file.ID, ToolType: "NOOP", User: premium,
	})
	require.NoError(t, err)
	require.Equal(t, 50, job.Priority)
	require.Equal(t, models.QueueHigh, job.QueueName)
}

func TestJobServiceCrossOwnerDenied(t *testing.T) {
	f := newJobServiceFixture(t)
	file := f.registeredFile(t, "user-1")

	_, err := f.svc.CreateJob(context.Background(), CreateJobRequest{
		FileID: file.ID, ToolType: "NOOP", User: testUser("user-2", models.RoleUser),
	})
	require.Error(t, err)
	require.Equal(t, appErrors.ErrAuthorization.Code, appErrors.FromError(err).Code)
	require.NotEmpty(t, f.audit.security, "cross-owner access must be audited")
}

func TestJobServiceAdminBypassesOwnership(t *testing.T) {
	f := newJobServiceFixture(t)
	file := f.registeredFile(t, "user-1")

	job, err := f.svc.CreateJob(context.Background(), CreateJobRequest{
		FileID: file.ID, ToolType: "NOOP", User: testUser("admin-1", models.RoleAdmin),
	})
	require.NoError(t, err)
	require.Equal(t, 100, job.Priority)
	require.Equal(t, models.QueueHigh, job.QueueName)
}

func TestJobServiceEntitlementDenied(t *testing.T) {
	f := newJobServiceFixture(t)
	file := f.registeredFile(t, "user-1")
	f.svc.entitlements = &allowAllEntitlements{decision: &models.Decision{Source: models.SourceDenied, Reason: "feature requires a paid plan"}}

	_, err := f.svc.CreateJob(context.Background(), CreateJobRequest{
		FileID: file.ID, ToolType: "OCR", User: testUser("user-1", models.RoleUser),
	})
	require.Error(t, err)
	require.Equal(t, appErrors.ErrEntitlementDenied.Code, appErrors.FromError(err).Code)
}

func TestJobServiceExhaustedLimitMapsToQuota(t *testing.T) {
	f := newJobServiceFixture(t)
	file := f.registeredFile(t, "user-1")
	f.svc.entitlements = &allowAllEntitlements{decision: &models.Decision{
		Source: models.SourceFreeTier, Reason: "daily free limit reached",
		Limit: 5, Used: 5, Remaining: 0,
	}}

	_, err := f.svc.CreateJob(context.Background(), CreateJobRequest{
		FileID: file.ID, ToolType: "NOOP", User: testUser("user-1", models.RoleUser),
	})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	require.Equal(t, appErrors.ErrQuotaExceeded.Code, appErr.Code)
	require.Greater(t, appErr.RetryAfter, 0)
	require.LessOrEqual(t, appErr.RetryAfter, 24*60*60, "retry hint points at the next UTC midnight")
}

func TestJobServiceRateLimitCarriesRetryAfter(t *testing.T) {
	f := newJobServiceFixture(t)
	file := f.registeredFile(t, "user-1")
	f.gate.denyRate = true

	_, err := f.svc.CreateJob(context.Background(), CreateJobRequest{
		FileID: file.ID, ToolType: "NOOP", User: testUser("user-1", models.RoleUser),
	})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	require.Equal(t, appErrors.ErrRateLimited.Code, appErr.Code)
	require.Equal(t, 42, appErr.RetryAfter)
}

func TestJobServiceRetryOrDeadLetter(t *testing.T) {
	f := newJobServiceFixture(t)

	job := &models.Job{
		FileID: "file-1", ToolType: "NOOP", Status: models.JobStatusFailed,
		QueueName: models.QueueDefault, Attempts: models.DefaultMaxAttempts, MaxAttempts: models.DefaultMaxAttempts,
	}
	require.NoError(t, f.jobStore.Create(context.Background(), job))

	f.svc.RetryOrDeadLetter(context.Background(), job)
	parked, err := f.jobStore.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusDeadLetter, parked.Status)
	require.Contains(t, f.audit.events, models.AuditJobDeadLettered)
}

func TestJobServiceBatchLifecycle(t *testing.T) {
	f := newJobServiceFixture(t)
	user := testUser("user-1", models.RoleUser)
	fileA := f.registeredFile(t, "user-1")
	fileB := f.registeredFile(t, "user-1")

	result, err := f.svc.CreateBatch(context.Background(), CreateBatchRequest{
		FileIDs: []string{fileA.ID, fileB.ID}, ToolType: "NOOP", User: user,
	})
	require.NoError(t, err)
	require.Len(t, result.Jobs, 2)
	require.Equal(t, 2, result.Batch.Total)
	require.Equal(t, 0, result.Jobs[0].BatchIndex)
	require.Equal(t, 1, result.Jobs[1].BatchIndex)

	loaded, err := f.svc.GetBatch(context.Background(), user, result.Batch.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Jobs, 2)

	// One success and one failure makes the batch partially completed.
	_, err = f.jobStore.RecordBatchOutcome(context.Background(), result.Batch.ID, true)
	require.NoError(t, err)
	batch, err := f.jobStore.RecordBatchOutcome(context.Background(), result.Batch.ID, false)
	require.NoError(t, err)
	require.Equal(t, models.BatchStatusPartiallyCompleted, batch.Status)
	require.Equal(t, 100, batch.ProgressPercent())
}

func TestJobServiceCancelBatch(t *testing.T) {
	f := newJobServiceFixture(t)
	user := testUser("user-1", models.RoleUser)
	fileA := f.registeredFile(t, "user-1")
	fileB := f.registeredFile(t, "user-1")

	result, err := f.svc.CreateBatch(context.Background(), CreateBatchRequest{
		FileIDs: []string{fileA.ID, fileB.ID}, ToolType: "NOOP", User: user,
	})
	require.NoError(t, err)

	cancelled, err := f.svc.CancelBatch(context.Background(), user, result.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), cancelled)

	members, err := f.jobStore.ListBatchJobs(context.Background(), result.Batch.ID)
	require.NoError(t, err)
	for _, member := range members {
		require.Equal(t, models.JobStatusFailed, member.Status)
		require.NotNil(t, member.Error)
		require.Equal(t, "batch_cancelled", *member.Error)
	}
}

func TestJobServiceSweepPendingRedispatches(t *testing.T) {
	f := newJobServiceFixture(t)

	job := &models.Job{
		FileID: "file-1", ToolType: "NOOP", Status: models.JobStatusPending,
		QueueName: models.QueueDefault, CreatedAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, f.jobStore.Create(context.Background(), job))

	swept, err := f.svc.SweepPending(context.Background(), 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	queued, err := f.jobStore.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusQueued, queued.Status)
}

func TestJobServiceSweepFailedRetriesRequeues(t *testing.T) {
	f := newJobServiceFixture(t)

	// Failed once, backoff long since elapsed: eligible.
	elapsed := &models.Job{
		FileID: "file-1", ToolType: "NOOP", Status: models.JobStatusFailed,
		QueueName: models.QueueDefault, Attempts: 1, MaxAttempts: models.DefaultMaxAttempts,
		UpdatedAt: time.Now().UTC().Add(-2 * time.Minute),
	}
	require.NoError(t, f.jobStore.Create(context.Background(), elapsed))

	// Failed just now: still inside the backoff window.
	fresh := &models.Job{
		FileID: "file-2", ToolType: "NOOP", Status: models.JobStatusFailed,
		QueueName: models.QueueDefault, Attempts: 1, MaxAttempts: models.DefaultMaxAttempts,
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.jobStore.Create(context.Background(), fresh))

	swept, err := f.svc.SweepFailedRetries(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	requeued, err := f.jobStore.GetByID(context.Background(), elapsed.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusQueued, requeued.Status)

	waiting, err := f.jobStore.GetByID(context.Background(), fresh.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFailed, waiting.Status)
}
