// Package embeddings turns texts into vectors through an Ollama or
// OpenAI-compatible embedding service.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/fabfab/rag-local-api/apperr"
	"github.com/fabfab/rag-local-api/config"
	"github.com/fabfab/rag-local-api/logging"
	"github.com/fabfab/rag-local-api/resilience"
)

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	Provider  string
	Model     string
	Dimension int

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	Timeout     time.Duration
	MaxAttempts int
	Logger      *zap.SugaredLogger
}

func (o Options) policy() resilience.Policy {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p := resilience.DefaultPolicy("embed", timeout)
	if o.MaxAttempts > 0 {
		p = p.WithAttempts(o.MaxAttempts)
	}
	return p
}

func NewEmbedder(cfg config.Config, logger *zap.SugaredLogger) (Embedder, error) {
	opts := Options{
		Provider:      cfg.Embeddings.Provider,
		Model:         cfg.Embeddings.Model,
		Dimension:     cfg.Embeddings.Dimension,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		Timeout:       cfg.Timeouts.Embedding,
		MaxAttempts:   cfg.RetryMaxAttempts,
		Logger:        logging.OrNop(logger),
	}

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaEmbedder(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIEmbedder(opts), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", opts.Provider)
	}
}

// classifyStatus marks 5xx and 429 responses as transient.
func classifyStatus(service string, status int, body string) error {
	err := fmt.Errorf("%s returned status %d: %s", service, status, body)
	if apperr.TransientStatus(status) {
		return fmt.Errorf("%w: %w", err, apperr.ErrTransient)
	}
	return err
}

func classifyOpenAI(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apperr.TransientStatus(apiErr.HTTPStatusCode) {
		return fmt.Errorf("%w: %w", err, apperr.ErrTransient)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && apperr.TransientStatus(reqErr.HTTPStatusCode) {
		return fmt.Errorf("%w: %w", err, apperr.ErrTransient)
	}
	return err
}
