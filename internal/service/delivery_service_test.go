package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/docflow-api/internal/models"
	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
)

type deliveryFixture struct {
	svc   *DeliveryService
	files *stubFileStore
	audit *stubAudit
}

func newDeliveryFixture(t *testing.T) *deliveryFixture {
	t.Helper()
	files := newStubFileStore()
	audit := &stubAudit{}
	svc := NewDeliveryService(files, newMemStore(), audit, "https://app.example.com/", 72*time.Hour, 15*time.Minute, nil)
	return &deliveryFixture{svc: svc, files: files, audit: audit}
}

func (f *deliveryFixture) availableFile(t *testing.T, ownerID string) *models.FileAsset {
	t.Helper()
	var owner *string
	if ownerID != "" {
		owner = &ownerID
	}
	file := &models.FileAsset{
		OwnerID:      owner,
		OriginalName: "report.pdf",
		MimeType:     "application/pdf",
		SizeBytes:    2048,
		CurrentState: models.FileStateAvailable,
		StorageKey:   "outputs/x/v1/report.pdf",
	}
	require.NoError(t, f.files.Create(context.Background(), file))
	return file
}

func TestDeliveryDownloadURLRequiresAvailable(t *testing.T) {
	f := newDeliveryFixture(t)
	file := f.availableFile(t, "user-1")
	owner := testUser("user-1", models.RoleUser)

	info, err := f.svc.DownloadURL(context.Background(), owner, file.ID, 0)
	require.NoError(t, err)
	require.Contains(t, info.URL, file.StorageKey)
	require.WithinDuration(t, time.Now().Add(24*time.Hour), info.ExpiresAt, time.Minute)

	f.files.mu.Lock()
	f.files.files[file.ID].CurrentState = models.FileStateProcessing
	f.files.mu.Unlock()

	_, err = f.svc.DownloadURL(context.Background(), owner, file.ID, 0)
	require.Error(t, err)
	require.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestDeliveryDownloadURLCrossOwnerDenied(t *testing.T) {
	f := newDeliveryFixture(t)
	file := f.availableFile(t, "user-1")

	_, err := f.svc.DownloadURL(context.Background(), testUser("user-2", models.RoleUser), file.ID, 0)
	require.Error(t, err)
	require.Equal(t, appErrors.ErrAuthorization.Code, appErrors.FromError(err).Code)
	require.NotEmpty(t, f.audit.security)

	// Admins bypass ownership.
	_, err = f.svc.DownloadURL(context.Background(), testUser("admin-1", models.RoleAdmin), file.ID, 0)
	require.NoError(t, err)
}

func TestDeliveryShareLifecycleWithPassword(t *testing.T) {
	f := newDeliveryFixture(t)
	file := f.availableFile(t, "user-1")
	owner := testUser("user-1", models.RoleUser)

	secret := "s3cret"
	share, err := f.svc.CreateShare(context.Background(), owner, file.ID, models.ShareOptions{
		ExpiresHours: 1,
		Password:     &secret,
		MaxDownloads: 2,
	})
	require.NoError(t, err)
	require.Equal(t, "https://app.example.com/share/"+share.ShareID, share.URL)

	// Without the password the redeem is refused.
	_, err = f.svc.RedeemShare(context.Background(), share.ShareID, nil)
	require.Error(t, err)
	require.Equal(t, "password required", appErrors.FromError(err).Message)

	wrong := "nope"
	_, err = f.svc.RedeemShare(context.Background(), share.ShareID, &wrong)
	require.Error(t, err)
	require.Equal(t, "password mismatch", appErrors.FromError(err).Message)

	result, err := f.svc.RedeemShare(context.Background(), share.ShareID, &secret)
	require.NoError(t, err)
	require.Equal(t, file.ID, result.FileID)
	require.Equal(t, "report.pdf", result.OriginalName)
	require.Contains(t, result.DownloadURL, file.StorageKey)

	_, err = f.svc.RedeemShare(context.Background(), share.ShareID, &secret)
	require.NoError(t, err)

	// Third redeem exceeds max_downloads=2.
	_, err = f.svc.RedeemShare(context.Background(), share.ShareID, &secret)
	require.Error(t, err)
	require.Equal(t, "download limit reached", appErrors.FromError(err).Message)
}

func TestDeliveryRedeemExpiredShare(t *testing.T) {
	f := newDeliveryFixture(t)
	file := f.availableFile(t, "user-1")
	owner := testUser("user-1", models.RoleUser)

	share, err := f.svc.CreateShare(context.Background(), owner, file.ID, models.ShareOptions{ExpiresHours: 1})
	require.NoError(t, err)

	// Backdate the expiry past the window.
	err = f.files.MutateMetadata(context.Background(), file.ID, func(meta models.Metadata) (models.Metadata, error) {
		shares, err := models.SharesFrom(meta)
		if err != nil {
			return nil, err
		}
		shares[0].ExpiresAt = time.Now().UTC().Add(-time.Minute)
		return models.SetShares(meta, shares), nil
	})
	require.NoError(t, err)

	_, err = f.svc.RedeemShare(context.Background(), share.ShareID, nil)
	require.Error(t, err)
	require.Equal(t, "share expired", appErrors.FromError(err).Message)
}

func TestDeliveryRedeemUnknownShare(t *testing.T) {
	f := newDeliveryFixture(t)

	_, err := f.svc.RedeemShare(context.Background(), "missing-share", nil)
	require.Error(t, err)
	require.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestDeliveryRevokeShareStopsRedemption(t *testing.T) {
	f := newDeliveryFixture(t)
	file := f.availableFile(t, "user-1")
	owner := testUser("user-1", models.RoleUser)

	share, err := f.svc.CreateShare(context.Background(), owner, file.ID, models.ShareOptions{})
	require.NoError(t, err)

	// The default share carries no password and no download cap.
	_, err = f.svc.RedeemShare(context.Background(), share.ShareID, nil)
	require.NoError(t, err)

	require.NoError(t, f.svc.RevokeShare(context.Background(), owner, file.ID, share.ShareID))

	_, err = f.svc.RedeemShare(context.Background(), share.ShareID, nil)
	require.Error(t, err)
	require.Equal(t, "share was revoked", appErrors.FromError(err).Message)

	require.Error(t, f.svc.RevokeShare(context.Background(), owner, file.ID, "missing"))
	require.Contains(t, f.audit.events, models.AuditShareRevoked)
}

func TestDeliveryCreateShareRejectsUnfinishedFile(t *testing.T) {
	f := newDeliveryFixture(t)
	file := f.availableFile(t, "user-1")
	f.files.mu.Lock()
	f.files.files[file.ID].CurrentState = models.FileStateQueued
	f.files.mu.Unlock()

	_, err := f.svc.CreateShare(context.Background(), testUser("user-1", models.RoleUser), file.ID, models.ShareOptions{})
	require.Error(t, err)
	require.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}
