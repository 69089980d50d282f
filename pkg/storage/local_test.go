package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir(), "http://localhost:8080/api/v1", "secret")
	require.NoError(t, err)
	return store
}

func TestLocalStorePutGetDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "files/u1/abc/a.pdf", bytes.NewReader([]byte("%PDF-1.4 test"))))

	exists, err := store.Exists(ctx, "files/u1/abc/a.pdf")
	require.NoError(t, err)
	require.True(t, exists)

	size, err := store.Size(ctx, "files/u1/abc/a.pdf")
	require.NoError(t, err)
	require.Equal(t, int64(13), size)

	rc, err := store.Get(ctx, "files/u1/abc/a.pdf")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "%PDF-1.4 test", string(data))

	require.NoError(t, store.Delete(ctx, "files/u1/abc/a.pdf"))
	require.ErrorIs(t, store.Delete(ctx, "files/u1/abc/a.pdf"), ErrNotFound)
}

func TestLocalStoreGetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "files/u1/missing/a.pdf")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreSignEmbedsToken(t *testing.T) {
	store := newTestStore(t)

	url, err := store.Sign(context.Background(), "outputs/abc/v2/out.pdf", time.Hour, SignGet)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "http://localhost:8080/api/v1/storage/object?token="))

	upload, err := store.PresignedUpload(context.Background(), "files/u1/abc/a.pdf", "application/pdf", time.Hour)
	require.NoError(t, err)
	require.Equal(t, MaxUploadBytes, upload.SizeLimit)
}
