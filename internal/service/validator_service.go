package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
	"github.com/noah-isme/docflow-api/pkg/pdf"
)

const sniffWindow = 2 * 1024

// allowedMimeTypes is the accepted upload surface: PDF, the office formats,
// common images, and text.
var allowedMimeTypes = map[string]struct{}{
	"application/pdf":    {},
	"application/msword": {},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {},
	"application/vnd.ms-excel": {},
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": {},
	"application/vnd.ms-powerpoint":                                     {},
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": {},
	"image/jpeg":    {},
	"image/png":     {},
	"text/html":     {},
	"text/markdown": {},
	"text/plain":    {},
}

// VirusScanner is an advisory hook. Scan errors never block an upload; the
// outcome is recorded in the validation metadata instead.
type VirusScanner interface {
	Scan(ctx context.Context, r io.Reader) (clean bool, err error)
}

// ValidationResult carries everything the registry needs to persist.
type ValidationResult struct {
	MimeType    string
	Checksum    string
	SizeBytes   int64
	PageCount   *int
	IsEncrypted bool
	ScanOutcome string
}

// Spool is the validated upload parked on local disk. It hands out rewound
// readers for storage and must be released with Cleanup when done.
type Spool struct {
	file *os.File
}

// Reader rewinds the spool and returns it for a full read.
func (sp *Spool) Reader() (io.Reader, error) {
	if _, err := sp.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind spool: %w", err)
	}
	return sp.file, nil
}

// Cleanup closes and removes the spool file. Safe to call more than once.
func (sp *Spool) Cleanup() {
	if sp.file == nil {
		return
	}
	name := sp.file.Name()
	sp.file.Close()
	os.Remove(name)
	sp.file = nil
}

// ValidatorService checks uploads before they are registered: magic-byte MIME
// sniff, size cap, streaming checksum, and PDF structure inspection. Uploads
// are spooled to disk while hashing, so the body never sits in memory whole.
type ValidatorService struct {
	maxSizeBytes int64
	spoolDir     string
	scanner      VirusScanner
	logger       *zap.Logger
}

// NewValidatorService constructs the validator. A nil scanner disables the
// virus hook entirely; an empty spoolDir falls back to the OS temp dir.
func NewValidatorService(maxSizeBytes int64, spoolDir string, scanner VirusScanner, logger *zap.Logger) *ValidatorService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ValidatorService{maxSizeBytes: maxSizeBytes, spoolDir: spoolDir, scanner: scanner, logger: logger}
}

// Validate consumes the upload stream and returns its verdict along with the
// spooled content. The stream is copied once, into the spool, with the
// checksum computed on the way through. The caller owns the spool and must
// Cleanup it after storing or on error.
func (s *ValidatorService) Validate(ctx context.Context, name string, r io.Reader) (*ValidationResult, *Spool, error) {
	tmp, err := os.CreateTemp(s.spoolDir, "upload-*")
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to spool upload")
	}
	spool := &Spool{file: tmp}

	hasher := sha256.New()
	size, err := io.Copy(tmp, io.TeeReader(io.LimitReader(r, s.maxSizeBytes+1), hasher))
	if err != nil {
		spool.Cleanup()
		return nil, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "failed to read upload")
	}
	if size > s.maxSizeBytes {
		spool.Cleanup()
		return nil, nil, appErrors.Clone(appErrors.ErrTooLarge,
			fmt.Sprintf("file exceeds the %d byte limit", s.maxSizeBytes))
	}
	if size == 0 {
		spool.Cleanup()
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "empty upload")
	}

	window := make([]byte, sniffWindow)
	n, err := tmp.ReadAt(window, 0)
	if err != nil && err != io.EOF {
		spool.Cleanup()
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read spool")
	}
	window = window[:n]

	mimeType := sniffMime(name, window)
	if _, ok := allowedMimeTypes[mimeType]; !ok {
		spool.Cleanup()
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "unsupported file type "+mimeType)
	}

	result := &ValidationResult{
		MimeType:  mimeType,
		Checksum:  hex.EncodeToString(hasher.Sum(nil)),
		SizeBytes: size,
	}

	if mimeType == "application/pdf" {
		reader, err := spool.Reader()
		if err != nil {
			spool.Cleanup()
			return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read spool")
		}
		info, err := pdf.Inspect(reader)
		if err != nil {
			spool.Cleanup()
			if errors.Is(err, pdf.ErrNotPDF) || errors.Is(err, pdf.ErrMalformed) {
				return nil, nil, appErrors.Clone(appErrors.ErrValidation, "pdf_validation_failed")
			}
			return nil, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "pdf_validation_failed")
		}
		pages := info.PageCount
		result.PageCount = &pages
		result.IsEncrypted = info.Encrypted
	}

	result.ScanOutcome = s.scan(ctx, spool)
	return result, spool, nil
}

// scan runs the advisory virus hook over the spooled content. Failures are
// logged and recorded, never propagated.
func (s *ValidatorService) scan(ctx context.Context, spool *Spool) string {
	if s.scanner == nil {
		return "skipped"
	}
	reader, err := spool.Reader()
	if err != nil {
		s.logger.Warn("virus scan unavailable", zap.Error(err))
		return "skipped"
	}
	clean, err := s.scanner.Scan(ctx, reader)
	if err != nil {
		s.logger.Warn("virus scan unavailable", zap.Error(err))
		return "skipped"
	}
	if !clean {
		return "flagged"
	}
	return "clean"
}

// sniffMime inspects the first 2 KiB of content. The extension only breaks
// ties between formats that share a container or have no magic at all.
func sniffMime(name string, window []byte) string {
	if len(window) > sniffWindow {
		window = window[:sniffWindow]
	}
	ext := strings.ToLower(name)
	if i := strings.LastIndex(ext, "."); i >= 0 {
		ext = ext[i:]
	} else {
		ext = ""
	}

	switch {
	case pdf.IsPDF(window):
		return "application/pdf"
	case bytes.HasPrefix(window, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(window, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case bytes.HasPrefix(window, []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}):
		// OLE compound document: legacy office formats.
		switch ext {
		case ".xls":
			return "application/vnd.ms-excel"
		case ".ppt":
			return "application/vnd.ms-powerpoint"
		default:
			return "application/msword"
		}
	case bytes.HasPrefix(window, []byte{'P', 'K', 0x03, 0x04}):
		// ZIP container: OOXML formats.
		switch ext {
		case ".xlsx":
			return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		case ".pptx":
			return "application/vnd.openxmlformats-officedocument.presentationml.presentation"
		default:
			return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
		}
	case looksLikeHTML(window):
		return "text/html"
	case utf8.Valid(window):
		if ext == ".md" || ext == ".markdown" {
			return "text/markdown"
		}
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func looksLikeHTML(window []byte) bool {
	trimmed := bytes.TrimLeft(window, " \t\r\n")
	lower := bytes.ToLower(trimmed)
	return bytes.HasPrefix(lower, []byte("<!doctype html")) || bytes.HasPrefix(lower, []byte("<html"))
}
