package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/jung-kurt/gofpdf"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
)

func buildTestPDF(t *testing.T, pages int) []byte {
	t.Helper()
	doc := gofpdf.New("P", "mm", "A4", "")
	for i := 0; i < pages; i++ {
		doc.AddPage()
		doc.SetFont("Helvetica", "", 12)
		doc.Cell(40, 10, "page")
	}
	var buf bytes.Buffer
	require.NoError(t, doc.Output(&buf))
	return buf.Bytes()
}

func newTestValidator(t *testing.T, maxSize int64, scanner VirusScanner) *ValidatorService {
	t.Helper()
	return NewValidatorService(maxSize, t.TempDir(), scanner, nil)
}

func spoolBytes(t *testing.T, spool *Spool) []byte {
	t.Helper()
	reader, err := spool.Reader()
	require.NoError(t, err)
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	return data
}

func TestValidatorAcceptsPDF(t *testing.T) {
	v := newTestValidator(t, 1<<20, nil)
	content := buildTestPDF(t, 3)

	result, spool, err := v.Validate(context.Background(), "doc.pdf", bytes.NewReader(content))
	require.NoError(t, err)
	defer spool.Cleanup()
	require.Equal(t, "application/pdf", result.MimeType)
	require.Equal(t, int64(len(content)), result.SizeBytes)
	require.NotNil(t, result.PageCount)
	require.Equal(t, 3, *result.PageCount)
	require.False(t, result.IsEncrypted)
	require.Equal(t, "skipped", result.ScanOutcome)
	require.Equal(t, content, spoolBytes(t, spool))

	sum := sha256.Sum256(content)
	require.Equal(t, hex.EncodeToString(sum[:]), result.Checksum)
}

func TestValidatorSpoolCleanupRemovesFile(t *testing.T) {
	dir := t.TempDir()
	v := NewValidatorService(1<<20, dir, nil, nil)

	_, spool, err := v.Validate(context.Background(), "notes.txt", bytes.NewReader([]byte("hello")))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	spool.Cleanup()
	spool.Cleanup() // idempotent

	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestValidatorRejectsOversize(t *testing.T) {
	dir := t.TempDir()
	v := NewValidatorService(64, dir, nil, nil)
	_, _, err := v.Validate(context.Background(), "big.txt", bytes.NewReader(make([]byte, 100)))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrTooLarge.Code, appErrors.FromError(err).Code)

	// Rejections never leave a spool behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestValidatorRejectsEmptyUpload(t *testing.T) {
	v := newTestValidator(t, 1<<20, nil)
	_, _, err := v.Validate(context.Background(), "empty.txt", bytes.NewReader(nil))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestValidatorRejectsTruncatedPDF(t *testing.T) {
	v := newTestValidator(t, 1<<20, nil)
	content := buildTestPDF(t, 1)
	truncated := content[:len(content)/2]

	_, _, err := v.Validate(context.Background(), "doc.pdf", bytes.NewReader(truncated))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
	require.Contains(t, err.Error(), "pdf_validation_failed")
}

func TestValidatorRejectsUnknownBinary(t *testing.T) {
	v := newTestValidator(t, 1<<20, nil)
	_, _, err := v.Validate(context.Background(), "blob.bin", bytes.NewReader([]byte{0x00, 0x01, 0x02, 0xFF, 0xFE}))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestValidatorSniffsImagesAndText(t *testing.T) {
	v := newTestValidator(t, 1<<20, nil)

	png := append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 32)...)
	result, spool, err := v.Validate(context.Background(), "pic.png", bytes.NewReader(png))
	require.NoError(t, err)
	spool.Cleanup()
	require.Equal(t, "image/png", result.MimeType)
	require.Nil(t, result.PageCount)

	result, spool, err = v.Validate(context.Background(), "notes.md", bytes.NewReader([]byte("# heading\n")))
	require.NoError(t, err)
	spool.Cleanup()
	require.Equal(t, "text/markdown", result.MimeType)

	result, spool, err = v.Validate(context.Background(), "page.html", bytes.NewReader([]byte("<html><body>hi</body></html>")))
	require.NoError(t, err)
	spool.Cleanup()
	require.Equal(t, "text/html", result.MimeType)
}

type stubScanner struct {
	clean bool
	err   error
	seen  []byte
}

func (s *stubScanner) Scan(_ context.Context, r io.Reader) (bool, error) {
	s.seen, _ = io.ReadAll(r)
	return s.clean, s.err
}

func TestValidatorScannerFailsOpen(t *testing.T) {
	v := newTestValidator(t, 1<<20, &stubScanner{err: errors.New("scanner down")})
	result, spool, err := v.Validate(context.Background(), "notes.txt", bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	spool.Cleanup()
	require.Equal(t, "skipped", result.ScanOutcome)

	scanner := &stubScanner{clean: true}
	v = newTestValidator(t, 1<<20, scanner)
	result, spool, err = v.Validate(context.Background(), "notes.txt", bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	spool.Cleanup()
	require.Equal(t, "clean", result.ScanOutcome)
	require.Equal(t, []byte("hello"), scanner.seen)

	v = newTestValidator(t, 1<<20, &stubScanner{clean: false})
	result, spool, err = v.Validate(context.Background(), "notes.txt", bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	spool.Cleanup()
	require.Equal(t, "flagged", result.ScanOutcome)
}
