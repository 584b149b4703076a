package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/fabfab/rag-local-api/apperr"
	"github.com/fabfab/rag-local-api/logging"
	"github.com/fabfab/rag-local-api/resilience"
)

type openAIClient struct {
	client   *openai.Client
	options  GenerationOptions
	generate resilience.Policy
	list     resilience.Policy
	logger   *zap.SugaredLogger
}

func NewOpenAIClient(opts Options) Provider {
	cfg := openai.DefaultConfig(opts.OpenAIAPIKey)
	if opts.OpenAIBaseURL != "" {
		cfg.BaseURL = opts.OpenAIBaseURL
	}

	return &openAIClient{
		client:   openai.NewClientWithConfig(cfg),
		options:  opts.Generation,
		generate: opts.generatePolicy(),
		list:     opts.listPolicy(),
		logger:   logging.OrNop(opts.Logger),
	}
}

// Generate sends temperature and top_p; the chat completions API has no top_k.
func (c *openAIClient) Generate(ctx context.Context, model string, messages []Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: float32(c.options.Temperature),
		TopP:        float32(c.options.TopP),
	}

	req.Messages = make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	resp, err := resilience.DoValue(ctx, c.logger, c.generate, func(ctx context.Context) (openai.ChatCompletionResponse, error) {
		resp, err := c.client.CreateChatCompletion(ctx, req)
		return resp, classifyOpenAI(err)
	})
	if err != nil {
		return "", fmt.Errorf("create openai chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai chat completion returned no choices")
	}

	return resp.Choices[0].Message.Content, nil
}

func (c *openAIClient) ListModels(ctx context.Context) ([]string, error) {
	list, err := resilience.DoValue(ctx, c.logger, c.list, func(ctx context.Context) (openai.ModelsList, error) {
		list, err := c.client.ListModels(ctx)
		return list, classifyOpenAI(err)
	})
	if err != nil {
		return nil, fmt.Errorf("list openai models: %w", err)
	}
	names := make([]string, len(list.Models))
	for i, m := range list.Models {
		names[i] = m.ID
	}
	return names, nil
}

func classifyOpenAI(err error) error {
	if err == nil {
		return nil
	}
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
