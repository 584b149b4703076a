package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fabfab/rag-local-api/apperr"
	"github.com/fabfab/rag-local-api/logging"
	"github.com/fabfab/rag-local-api/resilience"
)

type ollamaClient struct {
	host     string
	client   *http.Client
	options  GenerationOptions
	generate resilience.Policy
	list     resilience.Policy
	logger   *zap.SugaredLogger
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  ollamaOptions       `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	TopK        int     `json:"top_k"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func NewOllamaClient(opts Options) Provider {
	host := strings.TrimRight(opts.OllamaHost, "/")
	if host == "" {
		host = "http://localhost:11434"
	}

	return &ollamaClient{
		host:     host,
		client:   &http.Client{},
		options:  opts.Generation,
		generate: opts.generatePolicy(),
		list:     opts.listPolicy(),
		logger:   logging.OrNop(opts.Logger),
	}
}

func (c *ollamaClient) Generate(ctx context.Context, model string, messages []Message) (string, error) {
	payload := ollamaChatRequest{
		Model:    model,
		Stream:   false,
		Messages: toOllamaMessages(messages),
		Options: ollamaOptions{
			Temperature: c.options.Temperature,
			TopP:        c.options.TopP,
			TopK:        c.options.TopK,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal ollama request: %w", err)
	}

	return resilience.DoValue(ctx, c.logger, c.generate, func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/chat", bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("create ollama request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("call ollama chat API: %w", err)
		}
		defer resp.Body.Close()

		if err := checkStatus("ollama chat API", resp); err != nil {
			return "", err
		}

		var parsed ollamaChatResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return "", fmt.Errorf("decode ollama response: %w", err)
		}
		if parsed.Error != "" {
			return "", fmt.Errorf("ollama chat error: %s", parsed.Error)
		}
		return parsed.Message.Content, nil
	})
}

func (c *ollamaClient) ListModels(ctx context.Context) ([]string, error) {
	return resilience.DoValue(ctx, c.logger, c.list, func(ctx context.Context) ([]string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/api/tags", nil)
		if err != nil {
			return nil, fmt.Errorf("create ollama request: %w", err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("call ollama tags API: %w", err)
		}
		defer resp.Body.Close()

		if err := checkStatus("ollama tags API", resp); err != nil {
			return nil, err
		}

		var parsed ollamaTagsResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("decode ollama tags: %w", err)
		}
		names := make([]string, len(parsed.Models))
		for i, m := range parsed.Models {
			names[i] = m.Name
		}
		return names, nil
	})
}

func checkStatus(service string, resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("%s returned status %d: %s", service, resp.StatusCode, strings.TrimSpace(string(data)))
	if apperr.TransientStatus(resp.StatusCode) {
		return fmt.Errorf("%w: %w", err, apperr.ErrTransient)
	}
	return err
}

func toOllamaMessages(messages []Message) []ollamaChatMessage {
	if len(messages) == 0 {
		return nil
	}
	converted := make([]ollamaChatMessage, len(messages))
	for i := range messages {
		converted[i] = ollamaChatMessage(messages[i])
	}
	return converted
}
