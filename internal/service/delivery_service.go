package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/docflow-api/internal/models"
	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
	"github.com/noah-isme/docflow-api/pkg/storage"
)

type deliveryFileStore interface {
	GetByID(ctx context.Context, id string) (*models.FileAsset, error)
	FindByShareID(ctx context.Context, shareID string) (*models.FileAsset, error)
	MutateMetadata(ctx context.Context, fileID string, fn func(meta models.Metadata) (models.Metadata, error)) error
}

// DeliveryService issues signed download URLs and manages share links.
type DeliveryService struct {
	files           deliveryFileStore
	store           storage.Gateway
	audit           auditSink
	frontendBaseURL string
	defaultExpiry   time.Duration
	downloadTTL     time.Duration
	logger          *zap.Logger
}

// NewDeliveryService constructs the delivery surface.
func NewDeliveryService(files deliveryFileStore, store storage.Gateway, audit auditSink, frontendBaseURL string, defaultExpiry, downloadTTL time.Duration, logger *zap.Logger) *DeliveryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultExpiry <= 0 {
		defaultExpiry = 72 * time.Hour
	}
	if downloadTTL <= 0 {
		downloadTTL = 15 * time.Minute
	}
	return &DeliveryService{
		files:           files,
		store:           store,
		audit:           audit,
		frontendBaseURL: strings.TrimRight(frontendBaseURL, "/"),
		defaultExpiry:   defaultExpiry,
		downloadTTL:     downloadTTL,
		logger:          logger,
	}
}

// accessControl applies the delivery access rule: admins see everything,
// owners see their own, guests see guest files. Violations become audited
// security events and come back as the abstract authorization error.
func (s *DeliveryService) accessControl(ctx context.Context, user *models.User, file *models.FileAsset, operation string) error {
	if user != nil && (user.Role == models.RoleAdmin || user.Role == models.RoleSuperAdmin) {
		return nil
	}
	if file.OwnerID == nil {
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
	s.audit.Security(ctx, models.AuditCrossOwnerAccess, actorID, file.ID, models.Metadata{"operation": operation})
	return appErrors.ErrAuthorization
}

// DownloadInfo is a signed URL with its validity window.
type DownloadInfo struct {
	URL        string     `json:"url"`
	PreviewURL *string    `json:"preview_url,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
	FileID     string     `json:"file_id"`
	Version    int        `json:"version"`
}

// DownloadURL signs a GET for the caller's file. The default window is 24
// hours; previews ride along when one was generated.
func (s *DeliveryService) DownloadURL(ctx context.Context, user *models.User, fileID string, expiresInHours int) (*DownloadInfo, error) {
	file, err := s.getFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := s.accessControl(ctx, user, file, "download"); err != nil {
		return nil, err
	}
	if file.CurrentState != models.FileStateAvailable {
		return nil, appErrors.Clone(appErrors.ErrConflict, "file is not available for download")
	}

	if expiresInHours <= 0 {
		expiresInHours = 24
	}
	expiry := time.Duration(expiresInHours) * time.Hour
	url, err := s.store.Sign(ctx, file.StorageKey, expiry, storage.SignGet)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to sign download")
	}

	info := &DownloadInfo{
		URL:       url,
		ExpiresAt: time.Now().UTC().Add(expiry),
		FileID:    file.ID,
		Version:   file.CurrentVersion,
	}
	if key, ok := file.Metadata["preview_key"].(string); ok && key != "" {
		if previewURL, err := s.store.Sign(ctx, key, expiry, storage.SignGet); err == nil {
			info.PreviewURL = &previewURL
		}
	}

	var actorID *string
	if user != nil {
		id := user.ID
		actorID = &id
	}
	s.audit.Event(ctx, models.AuditFileDownloaded, models.ActorUser, actorID, file.ID, nil)
	return info, nil
}

// ShareInfo is the public face of a newly created share.
type ShareInfo struct {
	ShareID   string    `json:"share_id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateShare appends a share record to the file's metadata. Passwords are
// stored as bcrypt digests; max_downloads -1 means unlimited.
func (s *DeliveryService) CreateShare(ctx context.Context, user *models.User, fileID string, opts models.ShareOptions) (*ShareInfo, error) {
	file, err := s.getFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := s.accessControl(ctx, user, file, "share_create"); err != nil {
		return nil, err
	}
	if file.CurrentState != models.FileStateAvailable {
		return nil, appErrors.Clone(appErrors.ErrConflict, "only available files can be shared")
	}

	expiresHours := opts.ExpiresHours
	if expiresHours <= 0 {
		expiresHours = int(s.defaultExpiry.Hours())
	}
	maxDownloads := opts.MaxDownloads
	if maxDownloads == 0 {
		maxDownloads = -1
	}

	share := models.Share{
		ShareID:      uuid.NewString(),
		MaxDownloads: maxDownloads,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(expiresHours) * time.Hour),
		CreatedAt:    time.Now().UTC(),
	}
	if user != nil {
		id := user.ID
		share.CreatedBy = &id
	}
	if opts.Password != nil && *opts.Password != "" {
		digest, err := bcrypt.GenerateFromPassword([]byte(*opts.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash share password")
		}
		hashed := string(digest)
		share.PasswordHash = &hashed
	}

	err = s.files.MutateMetadata(ctx, file.ID, func(meta models.Metadata) (models.Metadata, error) {
		shares, err := models.SharesFrom(meta)
		if err != nil {
			return nil, err
		}
		return models.SetShares(meta, append(shares, share)), nil
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store share")
	}

	s.audit.Event(ctx, models.AuditShareCreated, models.ActorUser, share.CreatedBy, file.ID,
		models.Metadata{"share_id": share.ShareID})
	return &ShareInfo{
		ShareID:   share.ShareID,
		URL:       fmt.Sprintf("%s/share/%s", s.frontendBaseURL, share.ShareID),
		ExpiresAt: share.ExpiresAt,
	}, nil
}

// RedeemResult is a successful share redemption.
type RedeemResult struct {
	FileID       string    `json:"file_id"`
	OriginalName string    `json:"original_name"`
	SizeBytes    int64     `json:"size_bytes"`
	MimeType     string    `json:"mime_type"`
	DownloadURL  string    `json:"download_url"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// RedeemShare validates the share, counts the download under the row lock,
// and signs a short-lived URL. Expiry, cap, and password failures each get a
// distinct message.
func (s *DeliveryService) RedeemShare(ctx context.Context, shareID string, password *string) (*RedeemResult, error) {
	file, err := s.files.FindByShareID(ctx, shareID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "share not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve share")
	}
	if file.CurrentState != models.FileStateAvailable {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "shared file is no longer available")
	}

	now := time.Now().UTC()
	mutateErr := s.files.MutateMetadata(ctx, file.ID, func(meta models.Metadata) (models.Metadata, error) {
		shares, err := models.SharesFrom(meta)
		if err != nil {
			return nil, err
		}
		for i := range shares {
			share := &shares[i]
			if share.ShareID != shareID {
				continue
			}
			if share.RevokedAt != nil {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "share was revoked")
			}
			if share.Expired(now) {
				return nil, appErrors.Clone(appErrors.ErrAuthorization, "share expired")
			}
			if share.Exhausted() {
				return nil, appErrors.Clone(appErrors.ErrAuthorization, "download limit reached")
			}
			if share.HasPassword() {
				if password == nil {
					return nil, appErrors.Clone(appErrors.ErrAuthorization, "password required")
				}
				if bcrypt.CompareHashAndPassword([]byte(*share.PasswordHash), []byte(*password)) != nil {
					return nil, appErrors.Clone(appErrors.ErrAuthorization, "password mismatch")
				}
			}
			share.DownloadCount++
			return models.SetShares(meta, shares), nil
		}
		return nil, appErrors.Clone(appErrors.ErrNotFound, "share not found")
	})
	if mutateErr != nil {
		var appErr *appErrors.Error
		if errors.As(mutateErr, &appErr) {
			return nil, appErr
		}
		return nil, appErrors.Wrap(mutateErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to redeem share")
	}

	url, err := s.store.Sign(ctx, file.StorageKey, s.downloadTTL, storage.SignGet)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to sign shared download")
	}

	s.audit.Event(ctx, models.AuditShareRedeemed, models.ActorUser, nil, file.ID,
		models.Metadata{"share_id": shareID})
	return &RedeemResult{
		FileID:       file.ID,
		OriginalName: file.OriginalName,
		SizeBytes:    file.SizeBytes,
		MimeType:     file.MimeType,
		DownloadURL:  url,
		ExpiresAt:    now.Add(s.downloadTTL),
	}, nil
}

// RevokeShare disables a share on the caller's file.
func (s *DeliveryService) RevokeShare(ctx context.Context, user *models.User, fileID, shareID string) error {
	file, err := s.getFile(ctx, fileID)
	if err != nil {
		return err
	}
	if err := s.accessControl(ctx, user, file, "share_revoke"); err != nil {
		return err
	}

	now := time.Now().UTC()
	err = s.files.MutateMetadata(ctx, file.ID, func(meta models.Metadata) (models.Metadata, error) {
		shares, err := models.SharesFrom(meta)
		if err != nil {
			return nil, err
		}
		for i := range shares {
			if shares[i].ShareID == shareID {
				shares[i].RevokedAt = &now
				return models.SetShares(meta, shares), nil
			}
		}
		return nil, appErrors.Clone(appErrors.ErrNotFound, "share not found")
	})
	if err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return appErr
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke share")
	}

	var actorID *string
	if user != nil {
		id := user.ID
		actorID = &id
	}
	s.audit.Event(ctx, models.AuditShareRevoked, models.ActorUser, actorID, file.ID,
		models.Metadata{"share_id": shareID})
	return nil
}

func (s *DeliveryService) getFile(ctx context.Context, fileID string) (*models.FileAsset, error) {
	file, err := s.files.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "file not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load file")
	}
	return file, nil
}
