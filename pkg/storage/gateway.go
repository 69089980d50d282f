package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// SignOp scopes a signed URL to a single verb.
type SignOp string

const (
	SignGet SignOp = "GET"
	SignPut SignOp = "PUT"
)

// MaxUploadBytes caps direct and presigned uploads.
const MaxUploadBytes int64 = 100 * 1024 * 1024

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("storage: object not found")

// PresignedUpload describes a client-side upload slot.
type PresignedUpload struct {
	URL       string            `json:"url"`
	Fields    map[string]string `json:"fields,omitempty"`
	SizeLimit int64             `json:"size_limit"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Gateway is the uniform object-store contract the core depends on.
// Put must be atomic: on failure the key never becomes visible.
type Gateway interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Size(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
	Sign(ctx context.Context, key string, expiry time.Duration, op SignOp) (string, error)
	PresignedUpload(ctx context.Context, key, contentType string, expiry time.Duration) (*PresignedUpload, error)
}
