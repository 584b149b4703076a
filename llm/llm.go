// Package llm talks to conversational models served by Ollama or an
// OpenAI-compatible API.
package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fabfab/rag-local-api/config"
	"github.com/fabfab/rag-local-api/logging"
	"github.com/fabfab/rag-local-api/resilience"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

// Client generates a reply from the named model.
type Client interface {
	Generate(ctx context.Context, model string, messages []Message) (string, error)
}

// ModelLister lists the models the provider can serve.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Provider is a Client that can also list its models.
type Provider interface {
	Client
	ModelLister
}

// GenerationOptions are sampling settings sent with every request.
type GenerationOptions struct {
	Temperature float64
	TopP        float64
	TopK        int
}

func DefaultGenerationOptions() GenerationOptions {
	return GenerationOptions{Temperature: 0.2, TopP: 1.0, TopK: 20}
}

type Options struct {
	Provider string

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	Generation GenerationOptions

	GenerationTimeout     time.Duration
	GenerationMaxAttempts int
	ListTimeout           time.Duration
	ListMaxAttempts       int

	Logger *zap.SugaredLogger
}

func (o Options) generatePolicy() resilience.Policy {
	timeout := o.GenerationTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	attempts := o.GenerationMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return resilience.DefaultPolicy("generate", timeout).WithAttempts(attempts)
}

func (o Options) listPolicy() resilience.Policy {
	timeout := o.ListTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	p := resilience.DefaultPolicy("list models", timeout)
	if o.ListMaxAttempts > 0 {
		p = p.WithAttempts(o.ListMaxAttempts)
	}
	return p
}

func NewClient(cfg config.Config, logger *zap.SugaredLogger) (Provider, error) {
	opts := Options{
		Provider:      cfg.LLM.Provider,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		Generation: GenerationOptions{
			Temperature: cfg.LLM.Temperature,
			TopP:        cfg.LLM.TopP,
			TopK:        cfg.LLM.TopK,
		},
		GenerationTimeout:     cfg.Timeouts.Generation,
		GenerationMaxAttempts: cfg.GenerationMaxAttempts,
		ListTimeout:           cfg.Timeouts.ModelList,
		ListMaxAttempts:       cfg.RetryMaxAttempts,
		Logger:                logging.OrNop(logger),
	}

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaClient(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIClient(opts), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", opts.Provider)
	}
}
