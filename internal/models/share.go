package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// metadataSharesKey is where share records live inside FileAsset.metadata.
const metadataSharesKey = "shares"

// Share is a redeemable reference to a file, stored inside
// FileAsset.metadata.shares[]. The password hash is a bcrypt digest when
// present. MaxDownloads -1 means unlimited.
type Share struct {
	ShareID       string     `json:"share_id"`
	CreatedBy     *string    `json:"created_by,omitempty"`
	PasswordHash  *string    `json:"password_hash,omitempty"`
	MaxDownloads  int        `json:"max_downloads"`
	DownloadCount int        `json:"download_count"`
	ExpiresAt     time.Time  `json:"expires_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// HasPassword reports whether redemption requires a password.
func (s *Share) HasPassword() bool {
	return s.PasswordHash != nil && *s.PasswordHash != ""
}

// Expired reports whether the share lapsed at now.
func (s *Share) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Exhausted reports whether the download cap has been reached.
func (s *Share) Exhausted() bool {
	return s.MaxDownloads >= 0 && s.DownloadCount >= s.MaxDownloads
}

// ShareOptions are the caller-supplied knobs for creating a share.
type ShareOptions struct {
	ExpiresHours int
	Password     *string
	MaxDownloads int
}

// SharesFrom decodes the share records held in a metadata document. A
// missing or empty entry yields an empty slice.
func SharesFrom(meta Metadata) ([]Share, error) {
	raw, ok := meta[metadataSharesKey]
	if !ok || raw == nil {
		return nil, nil
	}
	// The value round-trips through JSONB, so it arrives as []interface{}.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode shares: %w", err)
	}
	var shares []Share
	if err := json.Unmarshal(encoded, &shares); err != nil {
		return nil, fmt.Errorf("decode shares: %w", err)
	}
	return shares, nil
}

// SetShares writes the share records back into the metadata document.
func SetShares(meta Metadata, shares []Share) Metadata {
	if meta == nil {
		meta = Metadata{}
	}
	meta[metadataSharesKey] = shares
	return meta
}
