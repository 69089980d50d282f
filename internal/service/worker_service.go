package service

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/docflow-api/internal/models"
	"github.com/noah-isme/docflow-api/internal/repository"
	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
	"github.com/noah-isme/docflow-api/pkg/jobs"
	"github.com/noah-isme/docflow-api/pkg/pdf"
	"github.com/noah-isme/docflow-api/pkg/storage"
)

type claimStore interface {
	Claim(ctx context.Context, id string, lease time.Duration) (*models.Job, error)
	Complete(ctx context.Context, id, leaseToken string, result models.Metadata) error
	Fail(ctx context.Context, id, errMsg string) error
	ListExpiredLeases(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
}

type usageRecorder interface {
	Record(ctx context.Context, user *models.User, featureCode string, count int) error
}

type userReader interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// PreviewGenerator rasterizes the first page of an output into a JPEG.
// Wiring one is optional; without it files go straight to STORED_FINAL.
type PreviewGenerator interface {
	Generate(ctx context.Context, inputPath string) ([]byte, error)
}

// WorkerService executes claimed jobs: download, tool run, output
// validation, versioning, and the state walk to AVAILABLE. It is the only
// component that holds job leases.
type WorkerService struct {
	claims       claimStore
	files        *FileService
	sm           *StateMachine
	store        storage.Gateway
	registry     *ToolRegistry
	orchestrator *JobService
	entitlements usageRecorder
	users        userReader
	previews     PreviewGenerator
	lease        time.Duration
	logger       *zap.Logger
}

// NewWorkerService constructs the worker runtime.
func NewWorkerService(
	claims claimStore,
	files *FileService,
	sm *StateMachine,
	store storage.Gateway,
	registry *ToolRegistry,
	orchestrator *JobService,
	entitlements usageRecorder,
	users userReader,
	previews PreviewGenerator,
	lease time.Duration,
	logger *zap.Logger,
) *WorkerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	return &WorkerService{
		claims:       claims,
		files:        files,
		sm:           sm,
		store:        store,
		registry:     registry,
		orchestrator: orchestrator,
		entitlements: entitlements,
		users:        users,
		previews:     previews,
		lease:        lease,
		logger:       logger,
	}
}

// Process is the queue handler: it claims the referenced job and runs it to
// a terminal outcome. Losing the claim race is not an error; it means
// another worker or a sweeper got there first.
func (s *WorkerService) Process(ctx context.Context, token jobs.Token) error {
	if err := s.orchestrator.PrepareClaim(ctx, token.JobID); err != nil {
		return err
	}
	job, err := s.claims.Claim(ctx, token.JobID, s.lease)
	if err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			s.logger.Debug("claim lost", zap.String("job_id", token.JobID))
			return nil
		}
		return err
	}

	if err := s.execute(ctx, job); err != nil {
		s.fail(ctx, job, err)
	}
	return nil
}

// execute runs one claimed job end to end.
func (s *WorkerService) execute(ctx context.Context, job *models.Job) error {
	file, err := s.files.Get(ctx, job.FileID)
	if err != nil {
		return err
	}
	// A published file re-enters the pipeline when its state move raced the
	// dispatch; pull it back through QUEUED before starting.
	if file.CurrentState == models.FileStateAvailable {
		if err := s.sm.Transition(ctx, file, models.FileStateQueued, models.ActorWorker, nil, nil); err != nil {
			return err
		}
	}
	if file.CurrentState == models.FileStateQueued {
		if err := s.sm.Transition(ctx, file, models.FileStateProcessing, models.ActorWorker, nil, nil); err != nil {
			return err
		}
	}

	tool, ok := s.registry.Get(job.ToolType)
	if !ok {
		return appErrors.Clone(appErrors.ErrProcessing, "unknown tool "+job.ToolType)
	}

	tempDir, err := os.MkdirTemp("", "docflow-job-"+job.ID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrProcessing.Code, appErrors.ErrProcessing.Status, "failed to create scratch dir")
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			s.logger.Warn("scratch dir cleanup failed", zap.String("dir", tempDir), zap.Error(err))
		}
	}()

	inputPath := filepath.Join(tempDir, "input"+filepath.Ext(file.OriginalName))
	if err := s.download(ctx, file.StorageKey, inputPath); err != nil {
		return err
	}
	extras, err := s.extraInputs(ctx, file, job.Parameters, tempDir)
	if err != nil {
		return err
	}
	outputPath := filepath.Join(tempDir, "output"+filepath.Ext(file.OriginalName))

	inputs := append([]string{inputPath}, extras...)
	result, err := tool.Run(ctx, inputs, outputPath, job.Parameters)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrProcessing.Code, appErrors.ErrProcessing.Status, "tool failed")
	}

	output, err := s.readOutput(outputPath, file.MimeType)
	if err != nil {
		return err
	}

	outputName := file.OriginalName
	if result != nil && result.OutputName != "" {
		outputName = result.OutputName
	}
	var versionMeta models.Metadata
	if result != nil {
		versionMeta = result.Metadata
	}
	version, err := s.files.CreateVersion(ctx, file, outputName, output, versionMeta)
	if err != nil {
		return err
	}

	if err := s.sm.Transition(ctx, file, models.FileStateOutputGenerated, models.ActorWorker, nil, nil); err != nil {
		return err
	}
	s.generatePreview(ctx, file, outputPath)
	if err := s.sm.Walk(ctx, file, []models.FileState{
		models.FileStateStoredFinal,
		models.FileStateAvailable,
	}, models.ActorWorker, nil); err != nil {
		return err
	}

	s.recordUsage(ctx, job)

	jobResult := models.JobResult{FileID: file.ID, Version: version.Version, SizeBytes: version.SizeBytes}
	if job.LeaseToken == nil {
		return appErrors.Clone(appErrors.ErrInternal, "claimed job carries no lease token")
	}
	if err := s.claims.Complete(ctx, job.ID, *job.LeaseToken, jobResult.AsMetadata()); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			// The lease was swept mid-run; the retry owns the job now.
			s.logger.Warn("completion rejected, lease expired", zap.String("job_id", job.ID))
			return nil
		}
		return err
	}
	job.Status = models.JobStatusCompleted
	s.orchestrator.NotifyCompleted(ctx, job)
	return nil
}

// extraInputs resolves the file_ids parameter into downloaded scratch paths.
// Every referenced file must belong to the job's owner and still hold a
// stored object; raw paths are never accepted, only registry IDs.
func (s *WorkerService) extraInputs(ctx context.Context, primary *models.FileAsset, params models.Metadata, tempDir string) ([]string, error) {
	ids, err := fileIDParams(params)
	if err != nil {
		return nil, err
	}
	var paths []string
	for i, id := range ids {
		if id == primary.ID {
			continue
		}
		sibling, err := s.files.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !sameOwner(primary.OwnerID, sibling.OwnerID) {
			return nil, appErrors.Clone(appErrors.ErrAuthorization, "file_ids may only name the owner's files")
		}
		switch sibling.CurrentState {
		case models.FileStateDeleted, models.FileStateExpired:
			return nil, appErrors.Clone(appErrors.ErrValidation, "file "+id+" is no longer available")
		}
		if sibling.StorageKey == "" {
			return nil, appErrors.Clone(appErrors.ErrValidation, "file "+id+" has no stored content")
		}
		dest := filepath.Join(tempDir, fmt.Sprintf("extra-%d%s", i, filepath.Ext(sibling.OriginalName)))
		if err := s.download(ctx, sibling.StorageKey, dest); err != nil {
			return nil, err
		}
		paths = append(paths, dest)
	}
	return paths, nil
}

func fileIDParams(params models.Metadata) ([]string, error) {
	raw, ok := params["file_ids"]
	if !ok {
		return nil, nil
	}
	var ids []string
	switch list := raw.(type) {
	case []string:
		ids = list
	case []interface{}:
		for _, item := range list {
			id, ok := item.(string)
			if !ok {
				return nil, appErrors.Clone(appErrors.ErrValidation, "file_ids entries must be file IDs")
			}
			ids = append(ids, id)
		}
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "file_ids must be a list of file IDs")
	}
	return ids, nil
}

func sameOwner(a, b *string) bool {
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

// download copies the object to a scratch path.
func (s *WorkerService) download(ctx context.Context, key, dest string) error {
	reader, err := s.store.Get(ctx, key)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to fetch input")
	}
	defer reader.Close()

	out, err := os.Create(dest)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrProcessing.Code, appErrors.ErrProcessing.Status, "failed to create input file")
	}
	defer out.Close()
	if _, err := out.ReadFrom(reader); err != nil {
		return appErrors.Wrap(err, appErrors.ErrProcessing.Code, appErrors.ErrProcessing.Status, "failed to write input file")
	}
	return nil
}

// readOutput validates and loads the tool output: it must exist, be
// non-empty, and for PDFs carry the magic header.
func (s *WorkerService) readOutput(path, mimeType string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrProcessing, "tool produced no output")
	}
	if len(data) == 0 {
		return nil, appErrors.Clone(appErrors.ErrProcessing, "tool produced an empty output")
	}
	if mimeType == "application/pdf" && !pdf.IsPDF(data) {
		return nil, appErrors.Clone(appErrors.ErrProcessing, "tool output is not a valid PDF")
	}
	return data, nil
}

// generatePreview stores a first-page JPEG when a generator is wired. A
// preview failure never fails the job.
func (s *WorkerService) generatePreview(ctx context.Context, file *models.FileAsset, outputPath string) {
	if s.previews == nil {
		return
	}
	image, err := s.previews.Generate(ctx, outputPath)
	if err != nil {
		s.logger.Warn("preview generation failed", zap.String("file_id", file.ID), zap.Error(err))
		return
	}
	key := fmt.Sprintf("previews/%s/v%d.jpg", file.ID, file.CurrentVersion)
	if err := s.store.Put(ctx, key, bytes.NewReader(image)); err != nil {
		s.logger.Warn("preview upload failed", zap.String("file_id", file.ID), zap.Error(err))
		return
	}
	if err := s.sm.Transition(ctx, file, models.FileStatePreviewGenerated, models.ActorWorker, nil,
		models.Metadata{"preview_key": key}); err != nil {
		s.logger.Warn("preview transition failed", zap.String("file_id", file.ID), zap.Error(err))
	}
}

func (s *WorkerService) recordUsage(ctx context.Context, job *models.Job) {
	if job.OwnerID == nil {
		return
	}
	user, err := s.users.GetByID(ctx, *job.OwnerID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("usage lookup failed", zap.String("user_id", *job.OwnerID), zap.Error(err))
		}
		return
	}
	if err := s.entitlements.Record(ctx, user, job.ToolType, 1); err != nil {
		s.logger.Warn("usage record failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// fail marks the job FAILED, walks the file there too, and hands the retry
// decision to the orchestrator.
func (s *WorkerService) fail(ctx context.Context, job *models.Job, cause error) {
	s.logger.Warn("job failed",
		zap.String("job_id", job.ID), zap.Int("attempts", job.Attempts), zap.Error(cause))

	if err := s.claims.Fail(ctx, job.ID, cause.Error()); err != nil {
		s.logger.Error("failed to mark job FAILED", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	job.Status = models.JobStatusFailed
	// The store counts the observed failure; mirror it for the retry check.
	job.Attempts++

	file, err := s.files.Get(ctx, job.FileID)
	if err == nil && file.CurrentState == models.FileStateProcessing {
		meta := models.Metadata{"cause": cause.Error(), "job_id": job.ID}
		if err := s.sm.Transition(ctx, file, models.FileStateFailed, models.ActorWorker, nil, meta); err != nil {
			s.logger.Warn("file failure transition failed", zap.String("file_id", file.ID), zap.Error(err))
		}
	}

	s.orchestrator.RetryOrDeadLetter(ctx, job)
	if job.Attempts < job.MaxAttempts && file != nil && file.CurrentState == models.FileStateFailed {
		// The retry edge needs the file back in QUEUED.
		if err := s.sm.Transition(ctx, file, models.FileStateQueued, models.ActorSystem, nil, nil); err != nil {
			s.logger.Warn("file requeue transition failed", zap.String("file_id", file.ID), zap.Error(err))
		}
	}
}

// SweepStaleLeases fails PROCESSING jobs whose lease lapsed more than one
// lease period ago and routes them through the retry policy.
func (s *WorkerService) SweepStaleLeases(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.lease)
	stale, err := s.claims.ListExpiredLeases(ctx, cutoff, 100)
	if err != nil {
		return 0, err
	}
	for i := range stale {
		job := &stale[i]
		s.fail(ctx, job, appErrors.Clone(appErrors.ErrProcessing, "lease expired"))
	}
	return len(stale), nil
}
