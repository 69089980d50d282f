package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/docflow-api/internal/models"
	"github.com/noah-isme/docflow-api/internal/repository"
	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
	"github.com/noah-isme/docflow-api/pkg/storage"
)

type fileStore interface {
	Create(ctx context.Context, file *models.FileAsset) error
	GetByID(ctx context.Context, id string) (*models.FileAsset, error)
	FindByChecksum(ctx context.Context, ownerID, checksum string) (*models.FileAsset, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]models.FileAsset, int, error)
	AppendVersion(ctx context.Context, version *models.FileVersion) error
	GetVersion(ctx context.Context, fileID string, version int) (*models.FileVersion, error)
	ListVersions(ctx context.Context, fileID string) ([]models.FileVersion, error)
	StorageUsage(ctx context.Context, ownerID string) (int64, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]models.FileAsset, error)
	UpdateValidation(ctx context.Context, fileID string, pageCount *int, encrypted bool) error
	UpdateStorageKey(ctx context.Context, fileID, key string) error
	RebindOwner(ctx context.Context, fileID, ownerID string) error
}

// RegisterRequest carries one upload into the registry. Content streams
// straight into object storage, so the upload never needs to fit in memory.
type RegisterRequest struct {
	Name      string
	Content   io.Reader
	Result    *ValidationResult
	Owner     *models.User
	ExpiresIn time.Duration
}

// FileService owns file identity: registration, versioning, expiry, and
// guest-to-owner rebinding. Lifecycle moves go through the state machine.
type FileService struct {
	files       fileStore
	store       storage.Gateway
	sm          *StateMachine
	guestExpiry time.Duration
	logger      *zap.Logger
}

// NewFileService constructs the registry service.
func NewFileService(files fileStore, store storage.Gateway, sm *StateMachine, guestExpiry time.Duration, logger *zap.Logger) *FileService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if guestExpiry <= 0 {
		guestExpiry = 24 * time.Hour
	}
	return &FileService{files: files, store: store, sm: sm, guestExpiry: guestExpiry, logger: logger}
}

// Register persists a validated upload and drives it to AVAILABLE.
// Registration is idempotent per (owner, checksum): when the owner already
// holds an AVAILABLE copy of the same content, that asset is returned and
// nothing new is stored.
func (s *FileService) Register(ctx context.Context, req RegisterRequest) (*models.FileAsset, error) {
	if req.Result == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "upload was not validated")
	}

	var ownerID *string
	if req.Owner != nil {
		id := req.Owner.ID
		ownerID = &id

		existing, err := s.files.FindByChecksum(ctx, id, req.Result.Checksum)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "dedup lookup failed")
		}
		if existing != nil && existing.CurrentState == models.FileStateAvailable {
			s.logger.Info("dedup hit, returning existing file",
				zap.String("file_id", existing.ID), zap.String("checksum", req.Result.Checksum))
			return existing, nil
		}
	}

	file := &models.FileAsset{
		OwnerID:          ownerID,
		OriginalName:     req.Name,
		MimeType:         req.Result.MimeType,
		OriginalChecksum: req.Result.Checksum,
		SizeBytes:        req.Result.SizeBytes,
		PageCount:        req.Result.PageCount,
		IsEncrypted:      req.Result.IsEncrypted,
		Metadata:         models.Metadata{"scan": req.Result.ScanOutcome},
	}

	// Guests always carry an expiry; owners only when one was requested.
	if ownerID == nil {
		expiry := req.ExpiresIn
		if expiry <= 0 {
			expiry = s.guestExpiry
		}
		at := time.Now().UTC().Add(expiry)
		file.ExpiresAt = &at
	} else if req.ExpiresIn > 0 {
		at := time.Now().UTC().Add(req.ExpiresIn)
		file.ExpiresAt = &at
	}

	if err := s.files.Create(ctx, file); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create file record")
	}
	file.StorageKey = uploadKey(ownerID, file.ID, req.Name)

	actorID := ownerID
	if err := s.sm.Transition(ctx, file, models.FileStateUploading, models.ActorSystem, actorID, nil); err != nil {
		return nil, err
	}

	if err := s.store.Put(ctx, file.StorageKey, req.Content); err != nil {
		s.failFile(ctx, file, "storage_put_failed")
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to store upload")
	}

	if err := s.files.UpdateValidation(ctx, file.ID, file.PageCount, file.IsEncrypted); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist validation")
	}
	// The key embeds the minted ID, so it lands on the row after the put.
	if err := s.files.UpdateStorageKey(ctx, file.ID, file.StorageKey); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist storage key")
	}

	// A plain upload with no tool run publishes immediately; jobs pull the
	// file back through QUEUED when work is requested.
	for _, target := range []models.FileState{
		models.FileStateValidated,
		models.FileStateTempStored,
		models.FileStateMetadataRegistered,
		models.FileStateAvailable,
	} {
		if err := s.sm.Transition(ctx, file, target, models.ActorSystem, actorID, nil); err != nil {
			return nil, err
		}
	}
	return file, nil
}

// CreateVersion stores an output artifact as the next immutable version and
// moves the asset's current pointer to it.
func (s *FileService) CreateVersion(ctx context.Context, file *models.FileAsset, name string, content []byte, meta models.Metadata) (*models.FileVersion, error) {
	next := file.CurrentVersion + 1
	sum := sha256.Sum256(content)

	version := &models.FileVersion{
		FileID:     file.ID,
		Version:    next,
		StorageKey: versionKey(file.ID, next, name),
		SizeBytes:  int64(len(content)),
		SHA256:     hex.EncodeToString(sum[:]),
		Metadata:   meta,
	}

	if err := s.store.Put(ctx, version.StorageKey, bytes.NewReader(content)); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to store version")
	}
	if err := s.files.AppendVersion(ctx, version); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "version already claimed")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to append version")
	}

	file.CurrentVersion = next
	file.StorageKey = version.StorageKey
	file.SizeBytes = version.SizeBytes
	return version, nil
}

// Get loads a file by ID, mapping missing rows to the abstract not-found.
func (s *FileService) Get(ctx context.Context, id string) (*models.FileAsset, error) {
	file, err := s.files.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "file not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load file")
	}
	return file, nil
}

// List pages through the owner's files, newest first.
func (s *FileService) List(ctx context.Context, ownerID string, limit, offset int) ([]models.FileAsset, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	files, total, err := s.files.ListByOwner(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list files")
	}
	return files, total, nil
}

// Versions lists the version chain of a file in order.
func (s *FileService) Versions(ctx context.Context, fileID string) ([]models.FileVersion, error) {
	versions, err := s.files.ListVersions(ctx, fileID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list versions")
	}
	return versions, nil
}

// VersionPath resolves the storage key for a specific version. Version 0
// means the current version.
func (s *FileService) VersionPath(ctx context.Context, file *models.FileAsset, version int) (string, error) {
	if version == 0 || version == file.CurrentVersion {
		return file.StorageKey, nil
	}
	row, err := s.files.GetVersion(ctx, file.ID, version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("version %d not found", version))
		}
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load version")
	}
	return row.StorageKey, nil
}

// RebindOwner attaches a guest upload to a freshly signed-up user and clears
// the guest expiry.
func (s *FileService) RebindOwner(ctx context.Context, fileID, userID string) error {
	if err := s.files.RebindOwner(ctx, fileID, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrConflict, "file already has an owner")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rebind owner")
	}
	return nil
}

// MarkReadonly is a policy hook for downgraded accounts. The core exposes it
// as a no-op; enforcement is wired by the billing policy layer.
func (s *FileService) MarkReadonly(_ context.Context, _ *models.FileAsset) error {
	return nil
}

// StorageUsage reports the owner's stored bytes.
func (s *FileService) StorageUsage(ctx context.Context, ownerID string) (int64, error) {
	return s.files.StorageUsage(ctx, ownerID)
}

// Delete transitions the file to DELETED and removes its objects. Object
// deletion is best-effort; the state move is what makes the file gone.
func (s *FileService) Delete(ctx context.Context, file *models.FileAsset, actor models.ActorKind, actorID *string) error {
	if err := s.sm.Transition(ctx, file, models.FileStateDeleted, actor, actorID, nil); err != nil {
		return err
	}
	s.removeObjects(ctx, file)
	return nil
}

// SweepExpired expires AVAILABLE files whose expiry passed, removes their
// objects, and finishes them off as DELETED. Returns how many were swept.
func (s *FileService) SweepExpired(ctx context.Context, limit int) (int, error) {
	files, err := s.files.ListExpired(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	swept := 0
	for i := range files {
		file := &files[i]
		if err := s.sm.Transition(ctx, file, models.FileStateExpired, models.ActorSystem, nil, nil); err != nil {
			s.logger.Warn("expiry transition failed", zap.String("file_id", file.ID), zap.Error(err))
			continue
		}
		s.removeObjects(ctx, file)
		if err := s.sm.Transition(ctx, file, models.FileStateDeleted, models.ActorSystem, nil, nil); err != nil {
			s.logger.Warn("expired delete failed", zap.String("file_id", file.ID), zap.Error(err))
			continue
		}
		swept++
	}
	return swept, nil
}

func (s *FileService) removeObjects(ctx context.Context, file *models.FileAsset) {
	versions, err := s.files.ListVersions(ctx, file.ID)
	if err != nil {
		s.logger.Warn("listing versions for cleanup failed", zap.String("file_id", file.ID), zap.Error(err))
	}
	keys := map[string]struct{}{file.StorageKey: {}}
	for _, v := range versions {
		keys[v.StorageKey] = struct{}{}
	}
	for key := range keys {
		if key == "" {
			continue
		}
		if err := s.store.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("object cleanup failed", zap.String("key", key), zap.Error(err))
		}
	}
}

func (s *FileService) failFile(ctx context.Context, file *models.FileAsset, cause string) {
	meta := models.Metadata{"cause": cause}
	if err := s.sm.Transition(ctx, file, models.FileStateFailed, models.ActorSystem, nil, meta); err != nil {
		s.logger.Error("failed to mark file FAILED", zap.String("file_id", file.ID), zap.Error(err))
	}
}

func uploadKey(ownerID *string, fileID, name string) string {
	owner := "guest"
	if ownerID != nil {
		owner = *ownerID
	}
	return path.Join("files", owner, fileID, name)
}

func versionKey(fileID string, version int, name string) string {
	return path.Join("outputs", fileID, fmt.Sprintf("v%d", version), name)
}
