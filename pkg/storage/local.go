package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalStore persists objects on disk under a base directory. Writes go to a
// temp file first and are renamed into place, so partial failures never leave
// a visible key. Signed URLs use HMAC tokens served by the API itself.
type LocalStore struct {
	baseDir string
	baseURL string
	signer  *URLSigner
}

// NewLocalStore ensures the base directory exists and returns a handle.
// baseURL is the externally reachable prefix for token-backed downloads.
func NewLocalStore(baseDir, baseURL, secret string) (*LocalStore, error) {
	if baseDir == "" {
		baseDir = "./data/objects"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create object directory: %w", err)
	}
	return &LocalStore{
		baseDir: baseDir,
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  NewURLSigner(secret),
	}, nil
}

// Signer exposes the token signer so the download endpoint can validate
// inbound tokens.
func (s *LocalStore) Signer() *URLSigner {
	return s.signer
}

func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader) error {
	path := s.resolve(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("prepare object directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close() //nolint:errcheck
		_ = os.Remove(tmpName)
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close object %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit object %s: %w", key, err)
	}
	return nil
}

func (s *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	file, err := os.Open(s.resolve(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}
	return file, nil
}

func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.resolve(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", key, err)
	}
	return true, nil
}

func (s *LocalStore) Size(ctx context.Context, key string) (int64, error) {
	info, err := os.Stat(s.resolve(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat object %s: %w", key, err)
	}
	return info.Size(), nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.resolve(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (s *LocalStore) Sign(ctx context.Context, key string, expiry time.Duration, op SignOp) (string, error) {
	token, err := s.signer.Generate(key, op, time.Now().Add(expiry))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/storage/object?token=%s", s.baseURL, url.QueryEscape(token)), nil
}

func (s *LocalStore) PresignedUpload(ctx context.Context, key, contentType string, expiry time.Duration) (*PresignedUpload, error) {
	expiresAt := time.Now().Add(expiry)
	token, err := s.signer.Generate(key, SignPut, expiresAt)
	if err != nil {
		return nil, err
	}
	return &PresignedUpload{
		URL:       fmt.Sprintf("%s/storage/object?token=%s", s.baseURL, url.QueryEscape(token)),
		Fields:    map[string]string{"Content-Type": contentType},
		SizeLimit: MaxUploadBytes,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *LocalStore) resolve(key string) string {
	clean := filepath.Clean("/" + key)
	return filepath.Join(s.baseDir, clean)
}
