package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fabfab/rag-local-api/apperr"
	"github.com/fabfab/rag-local-api/index"
	"github.com/fabfab/rag-local-api/logging"
)

const (
	StatusIndexed        = "indexed"
	StatusPartialSuccess = "partial_success"
)

// Indexer stores chunk texts in the vector index.
type Indexer interface {
	Add(ctx context.Context, entries []index.Entry) error
}

// Lineage records which files went into the active collection.
type Lineage interface {
	RecordIngestion(ctx context.Context, file string, chunks int) error
}

// Upload is one file as received from a client.
type Upload struct {
	Filename string
	Reader   io.ReadSeeker
}

type FileError struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

type Result struct {
	Status       string      `json:"status"`
	FilesIndexed []string    `json:"files_indexed"`
	TotalChunks  int         `json:"total_chunks"`
	Errors       []FileError `json:"errors,omitempty"`
}

type Service struct {
	index      Indexer
	registry   *Registry
	policy     Policy
	lineage    Lineage
	stagingDir string
	logger     *zap.SugaredLogger
}

type Option func(*Service)

// WithLineage records every indexed file in l. Lineage failures are logged only.
func WithLineage(l Lineage) Option {
	return func(s *Service) { s.lineage = l }
}

// WithStagingDir stages uploads under dir instead of the system temp directory.
func WithStagingDir(dir string) Option {
	return func(s *Service) { s.stagingDir = dir }
}

func NewService(idx Indexer, registry *Registry, policy Policy, logger *zap.SugaredLogger, opts ...Option) *Service {
	if registry == nil {
		registry = NewRegistry()
	}
	s := &Service{
		index:    idx,
		registry: registry,
		policy:   policy,
		logger:   logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest processes uploads one after another. A file that fails is reported in
// Result.Errors and the rest are still processed. Only request-level problems
// (no files, bad chunk parameters, cancellation) are returned as an error.
func (s *Service) Ingest(ctx context.Context, uploads []Upload, params ChunkParams) (Result, error) {
	if len(uploads) == 0 {
		return Result{}, apperr.InvalidWrap("files", "at least one file must be sent", ErrNoFiles)
	}
	if err := params.Validate(); err != nil {
		return Result{}, err
	}

	result := Result{FilesIndexed: []string{}}
	for _, upload := range uploads {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		chunks, err := s.ingestFile(ctx, upload, params)
		if err != nil {
			s.logger.Warnw("file not indexed", "file", upload.Filename, "error", err)
			result.Errors = append(result.Errors, FileError{File: upload.Filename, Error: friendlyError(upload.Filename, err)})
			continue
		}

		result.FilesIndexed = append(result.FilesIndexed, upload.Filename)
		result.TotalChunks += chunks
		s.logger.Infow("file indexed", "file", upload.Filename, "chunks", chunks)

		if s.lineage != nil {
			if err := s.lineage.RecordIngestion(ctx, upload.Filename, chunks); err != nil {
				s.logger.Warnw("lineage update failed", "file", upload.Filename, "error", err)
			}
		}
	}

	result.Status = StatusIndexed
	if len(result.Errors) > 0 {
		result.Status = StatusPartialSuccess
	}
	return result, nil
}

func (s *Service) ingestFile(ctx context.Context, upload Upload, params ChunkParams) (int, error) {
	if err := s.policy.Validate(upload.Filename, upload.Reader); err != nil {
		return 0, err
	}

	path, cleanup, err := s.stage(upload)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	docs, err := s.registry.Load(ctx, path, upload.Filename)
	if err != nil {
		return 0, err
	}
	for i := range docs {
		if docs[i].Metadata == nil {
			docs[i].Metadata = map[string]any{}
		}
		docs[i].Metadata["source"] = upload.Filename
	}

	chunks := Split(docs, params)
	if len(chunks) == 0 {
		return 0, fmt.Errorf("%s: %w", upload.Filename, ErrEmptyOrScannedDocument)
	}

	entries := make([]index.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = index.Entry{Content: c.Content, Metadata: c.Metadata}
	}
	if err := s.index.Add(ctx, entries); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// stage copies the upload to a temporary file. The returned cleanup removes it.
func (s *Service) stage(upload Upload) (string, func(), error) {
	ext := strings.ToLower(filepath.Ext(upload.Filename))
	tmp, err := os.CreateTemp(s.stagingDir, "upload-*"+ext)
	if err != nil {
		return "", nil, fmt.Errorf("create staging file: %w", err)
	}
	cleanup := func() {
		if err := os.Remove(tmp.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warnw("staging file not removed", "path", tmp.Name(), "error", err)
		}
	}

	if _, err := io.Copy(tmp, upload.Reader); err != nil {
		tmp.Close()
		cleanup()
		return "", nil, fmt.Errorf("stage upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close staging file: %w", err)
	}
	return tmp.Name(), cleanup, nil
}

func friendlyError(file string, err error) string {
	var ve *apperr.ValidationError
	switch {
	case errors.As(err, &ve):
		return ve.Message
	case errors.Is(err, ErrUnsupportedFormat):
		return fmt.Sprintf("unsupported file type %s", filepath.Ext(file))
	case errors.Is(err, ErrEmptyOrScannedDocument):
		return fmt.Sprintf("%s seems to be scanned or has no extractable text", file)
	case errors.Is(err, ErrCorruptDocument):
		return fmt.Sprintf("%s seems to be damaged or uses non-standard content; upload a valid file with extractable text", file)
	case errors.Is(err, apperr.ErrTimeout):
		return fmt.Sprintf("processing %s timed out, try again later", file)
	case errors.Is(err, index.ErrEmbeddingService):
		return fmt.Sprintf("the embedding service could not process %s: %v", file, err)
	case errors.Is(err, index.ErrStorage):
		return fmt.Sprintf("%s could not be saved to the vector index", file)
	default:
		return fmt.Sprintf("error processing %s: %v", file, err)
	}
}
