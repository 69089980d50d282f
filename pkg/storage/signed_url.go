package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// URLSigner creates and validates HMAC-backed object tokens for backends
// without native presigning.
type URLSigner struct {
	secret []byte
}

// NewURLSigner constructs a signer with the provided secret.
func NewURLSigner(secret string) *URLSigner {
	return &URLSigner{secret: []byte(secret)}
}

// Generate returns a token binding the object key, the operation, and an
// expiry instant. Tampering with any part invalidates the signature.
func (s *URLSigner) Generate(key string, op SignOp, expiresAt time.Time) (string, error) {
	if key == "" {
		return "", fmt.Errorf("object key required")
	}
	if len(s.secret) == 0 {
		return "", fmt.Errorf("signing secret missing")
	}
	encodedKey := base64.RawURLEncoding.EncodeToString([]byte(key))
	payload := fmt.Sprintf("%s|%s|%d", encodedKey, op, expiresAt.Unix())
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(payload))
	signature := hex.EncodeToString(mac.Sum(nil))
	return strings.Join([]string{encodedKey, string(op), fmt.Sprintf("%d", expiresAt.Unix()), signature}, "."), nil
}

// Parse validates a token and returns the embedded key and operation.
func (s *URLSigner) Parse(token string) (key string, op SignOp, expiresAt time.Time, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return "", "", time.Time{}, fmt.Errorf("invalid token format")
	}
	encodedKey, rawOp, ts, signature := parts[0], parts[1], parts[2], parts[3]

	rawKey, err := base64.RawURLEncoding.DecodeString(encodedKey)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("decode key: %w", err)
	}

	var expUnix int64
	if _, err := fmt.Sscanf(ts, "%d", &expUnix); err != nil {
		return "", "", time.Time{}, fmt.Errorf("invalid timestamp")
	}
	expiresAt = time.Unix(expUnix, 0)

	payload := fmt.Sprintf("%s|%s|%s", encodedKey, rawOp, ts)
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(payload))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return "", "", time.Time{}, fmt.Errorf("invalid token signature")
	}
	if time.Now().After(expiresAt) {
		return "", "", time.Time{}, fmt.Errorf("token expired")
	}

	switch SignOp(rawOp) {
	case SignGet, SignPut:
		return string(rawKey), SignOp(rawOp), expiresAt, nil
	default:
		return "", "", time.Time{}, fmt.Errorf("invalid operation %q", rawOp)
	}
}
