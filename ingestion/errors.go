package ingestion

import "errors"

var (
	ErrUnsupportedFormat      = errors.New("unsupported file format")
	ErrFileTooLarge           = errors.New("file too large")
	ErrEmptyOrScannedDocument = errors.New("document is empty or scanned")
	ErrCorruptDocument        = errors.New("document is corrupt or unreadable")
	ErrInvalidChunkParameters = errors.New("invalid chunk parameters")
	ErrNoFiles                = errors.New("no files provided")
)
