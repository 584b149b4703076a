package ingestion

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/fabfab/rag-local-api/apperr"
)

const bytesPerMB = 1024 * 1024

// Policy decides whether an uploaded file may enter the pipeline.
type Policy struct {
	MaxBytes int64
}

// NewPolicy builds a Policy capped at maxMB megabytes.
func NewPolicy(maxMB int) Policy {
	return Policy{MaxBytes: int64(maxMB) * bytesPerMB}
}

// Validate checks the extension of name and the size of r. The read position
// of r is left where it was found.
func (p Policy) Validate(name string, r io.ReadSeeker) error {
	if DetectFormat(name) == FormatUnknown {
		ext := strings.ToLower(filepath.Ext(name))
		if ext == "" {
			ext = "(none)"
		}
		return apperr.InvalidWrap("file", fmt.Sprintf("extension %s is not allowed, use one of: %s", ext, supportedList()), ErrUnsupportedFormat)
	}

	size, err := measure(r)
	if err != nil {
		return fmt.Errorf("measure %s: %w", name, err)
	}
	if p.MaxBytes > 0 && size > p.MaxBytes {
		return apperr.InvalidWrap("file", fmt.Sprintf("file is %.2f MB, the limit is %.2f MB",
			float64(size)/bytesPerMB, float64(p.MaxBytes)/bytesPerMB), ErrFileTooLarge)
	}
	return nil
}

func measure(r io.ReadSeeker) (int64, error) {
	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	end, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := r.Seek(pos, io.SeekStart); err != nil {
		return 0, err
	}
	return end, nil
}
