package pdf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
)

// Info summarises the structure of a PDF document.
type Info struct {
	PageCount int
	Encrypted bool
}

// ErrNotPDF is returned when the input does not carry a PDF header.
var ErrNotPDF = errors.New("pdf: missing %PDF header")

// ErrMalformed is returned when the document structure cannot be read.
var ErrMalformed = errors.New("pdf: malformed document")

var (
	headerPattern  = []byte("%PDF-")
	pagePattern    = regexp.MustCompile(`/Type\s*/Page[^s]`)
	countPattern   = regexp.MustCompile(`/Type\s*/Pages[^/]*?/Count\s+(\d+)`)
	encryptPattern = regexp.MustCompile(`/Encrypt\s+\d+\s+\d+\s+R`)
)

const (
	inspectChunk   = 64 * 1024
	inspectOverlap = 512
)

// Inspect reads the document and reports page count and encryption status.
// It prefers the /Count entry of the page tree root and falls back to
// counting page objects. The reader is consumed entirely but never fully
// buffered: the scan runs in fixed-size windows with a carried overlap, so
// large documents cost constant memory.
func Inspect(r io.Reader) (*Info, error) {
	var (
		info      Info
		carry     []byte
		first     = true
		sawEOF    bool
		treeCount = -1
		counted   int
	)
	chunk := make([]byte, inspectChunk)

	for {
		n, readErr := io.ReadFull(r, chunk)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("pdf: read: %w", readErr)
		}
		last := readErr != nil

		carryLen := len(carry)
		window := append(append([]byte{}, carry...), chunk[:n]...)
		if first {
			if !bytes.HasPrefix(window, headerPattern) {
				return nil, ErrNotPDF
			}
			first = false
		}
		search := window
		if last {
			// A trailing page object needs a character after it to satisfy
			// the class in pagePattern.
			search = append(search, '\n')
		}

		// Matches entirely inside the carried overlap were already counted
		// by the previous window; only matches reaching fresh bytes count.
		for _, m := range pagePattern.FindAllIndex(search, -1) {
			if m[1] > carryLen {
				counted++
			}
		}
		if treeCount < 0 {
			if m := countPattern.FindSubmatch(search); m != nil {
				var count int
				if _, err := fmt.Sscanf(string(m[1]), "%d", &count); err == nil {
					treeCount = count
				}
			}
		}
		if !info.Encrypted && encryptPattern.Match(search) {
			info.Encrypted = true
		}
		if !sawEOF && bytes.Contains(search, []byte("%%EOF")) {
			sawEOF = true
		}

		if len(window) > inspectOverlap {
			carry = append(carry[:0], window[len(window)-inspectOverlap:]...)
		} else {
			carry = append(carry[:0], window...)
		}
		if last {
			break
		}
	}

	if !sawEOF {
		return nil, ErrMalformed
	}
	if treeCount > 0 {
		info.PageCount = treeCount
	} else {
		info.PageCount = counted
	}
	if info.PageCount == 0 && !info.Encrypted {
		return nil, ErrMalformed
	}
	return &info, nil
}

// InspectBytes is Inspect over an in-memory document.
func InspectBytes(data []byte) (*Info, error) {
	return Inspect(bytes.NewReader(data))
}

// InspectFile is Inspect over a document on disk.
func InspectFile(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pdf: open: %w", err)
	}
	defer f.Close()
	return Inspect(f)
}

// IsPDF reports whether the prefix bytes carry a PDF header.
func IsPDF(prefix []byte) bool {
	return bytes.HasPrefix(prefix, headerPattern)
}
