package dto

import (
	"time"

	"github.com/noah-isme/docflow-api/internal/models"
)

// UploadResponse is returned after a validated upload is registered.
type UploadResponse struct {
	ID           string     `json:"id"`
	OriginalName string     `json:"originalName"`
	MimeType     string     `json:"mimeType"`
	SizeBytes    int64      `json:"sizeBytes"`
	Checksum     string     `json:"checksum"`
	State        string     `json:"state"`
	PageCount    *int       `json:"pageCount,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	Deduplicated bool       `json:"deduplicated,omitempty"`
}

// FileResponse is the public view of a file asset.
type FileResponse struct {
	ID             string     `json:"id"`
	OriginalName   string     `json:"originalName"`
	MimeType       string     `json:"mimeType"`
	SizeBytes      int64      `json:"sizeBytes"`
	State          string     `json:"state"`
	CurrentVersion int        `json:"currentVersion"`
	PageCount      *int       `json:"pageCount,omitempty"`
	IsEncrypted    bool       `json:"isEncrypted"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// FileFromModel maps the storage model onto the wire shape.
func FileFromModel(file *models.FileAsset) FileResponse {
	return FileResponse{
		ID:             file.ID,
		OriginalName:   file.OriginalName,
		MimeType:       file.MimeType,
		SizeBytes:      file.SizeBytes,
		State:          string(file.CurrentState),
		CurrentVersion: file.CurrentVersion,
		PageCount:      file.PageCount,
		IsEncrypted:    file.IsEncrypted,
		ExpiresAt:      file.ExpiresAt,
		CreatedAt:      file.CreatedAt,
		UpdatedAt:      file.UpdatedAt,
	}
}

// StateLogResponse is one immutable lifecycle entry.
type StateLogResponse struct {
	FromState string          `json:"fromState"`
	ToState   string          `json:"toState"`
	Actor     string          `json:"actor"`
	ActorID   *string         `json:"actorId,omitempty"`
	Metadata  models.Metadata `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// RebindRequest claims a guest upload for the authenticated user.
type RebindRequest struct {
	FileID string `json:"fileId" binding:"required,uuid"`
}

// StorageUsageResponse reports consumption against the tier limit.
type StorageUsageResponse struct {
	UsedBytes  int64 `json:"usedBytes"`
	LimitBytes int64 `json:"limitBytes"`
	Unlimited  bool  `json:"unlimited"`
}
