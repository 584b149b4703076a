// Package chat answers questions from the indexed documents and the recent
// conversation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fabfab/rag-local-api/apperr"
	"github.com/fabfab/rag-local-api/history"
	"github.com/fabfab/rag-local-api/index"
	"github.com/fabfab/rag-local-api/llm"
	"github.com/fabfab/rag-local-api/logging"
)

var (
	ErrModelUnavailable = errors.New("model is not available")
	ErrEmptyIndex       = errors.New("no documents are indexed, ingest files first")
)

// Retriever is the part of the vector index the query path needs.
type Retriever interface {
	Count(ctx context.Context) (int, error)
	Search(ctx context.Context, query string, opts index.SearchOptions) ([]index.Result, error)
}

// Memory is the conversation log.
type Memory interface {
	FullHistory(ctx context.Context) (history.Snapshot, error)
	LastPairs(ctx context.Context, k int) (history.Snapshot, error)
	AddPair(ctx context.Context, question, answer string) (history.Turn, error)
}

type Config struct {
	Search            index.SearchOptions
	HistoryWindow     int
	MaxContextChars   int
	ReturnFullHistory bool
}

func DefaultConfig() Config {
	return Config{
		Search:            index.DefaultSearchOptions(),
		HistoryWindow:     2,
		MaxContextChars:   12000,
		ReturnFullHistory: true,
	}
}

type Answer struct {
	Question string         `json:"question"`
	Model    string         `json:"model"`
	Answer   string         `json:"answer"`
	History  []history.Turn `json:"history"`
}

type Service struct {
	retriever Retriever
	memory    Memory
	llm       llm.Client
	models    llm.ModelLister
	cfg       Config
	logger    *zap.SugaredLogger
}

func NewService(retriever Retriever, memory Memory, provider llm.Provider, cfg Config, logger *zap.SugaredLogger) *Service {
	return &Service{
		retriever: retriever,
		memory:    memory,
		llm:       provider,
		models:    provider,
		cfg:       cfg,
		logger:    logging.OrNop(logger),
	}
}

// Ask answers question with model. The exchange is recorded even when the
// model returns an empty answer.
func (s *Service) Ask(ctx context.Context, question, model string) (Answer, error) {
	question = strings.TrimSpace(question)
	model = strings.TrimSpace(model)
	if question == "" {
		return Answer{}, apperr.Invalid("question", "question is required")
	}
	if model == "" {
		return Answer{}, apperr.Invalid("model", "model is required")
	}

	if err := s.checkModel(ctx, model); err != nil {
		return Answer{}, err
	}

	count, err := s.retriever.Count(ctx)
	if err != nil {
		return Answer{}, fmt.Errorf("count indexed chunks: %w", err)
	}
	if count == 0 {
		return Answer{}, ErrEmptyIndex
	}

	recent, err := s.memory.LastPairs(ctx, s.cfg.HistoryWindow)
	if err != nil {
		return Answer{}, fmt.Errorf("load recent history: %w", err)
	}

	results, err := s.retriever.Search(ctx, question, s.cfg.Search)
	if err != nil {
		return Answer{}, fmt.Errorf("retrieve context: %w", err)
	}

	contextText := assembleContext(results, s.cfg.MaxContextChars)
	prompt := formatPrompt(question, contextText, formatTranscript(recent.Turns))

	answer, err := s.llm.Generate(ctx, model, []llm.Message{{Role: llm.RoleUser, Content: prompt}})
	if err != nil {
		return Answer{}, fmt.Errorf("generate answer with %s: %w", model, err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		s.logger.Warnw("model returned an empty answer", "model", model)
	}

	stored, err := s.memory.AddPair(ctx, question, answer)
	if err != nil {
		return Answer{}, fmt.Errorf("record exchange: %w", err)
	}

	turns := s.returnedHistory(ctx, recent, stored)

	s.logger.Infow("question answered", "model", model, "chunks", len(results), "context_chars", len(contextText), "history_degraded", recent.Degraded)
	return Answer{Question: question, Model: model, Answer: answer, History: turns}, nil
}

func (s *Service) checkModel(ctx context.Context, model string) error {
	ok, err := llm.IsAvailable(ctx, s.models, model)
	if err != nil {
		if errors.Is(err, apperr.ErrTimeout) {
			return fmt.Errorf("list models: %w", err)
		}
		s.logger.Warnw("model listing failed", "model", model, "error", err)
		return fmt.Errorf("%w: %s (listing failed: %v)", ErrModelUnavailable, model, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrModelUnavailable, model)
	}
	return nil
}

// returnedHistory falls back to the recent window when the full log cannot be
// read. The exchange is recorded either way.
func (s *Service) returnedHistory(ctx context.Context, recent history.Snapshot, stored history.Turn) []history.Turn {
	if s.cfg.ReturnFullHistory {
		full, err := s.memory.FullHistory(ctx)
		if err == nil {
			return full.Turns
		}
		s.logger.Warnw("full history unavailable after recording the exchange, returning the recent window", "error", err)
	}
	turns := append(append([]history.Turn{}, recent.Turns...), stored)
	if w := s.cfg.HistoryWindow; w > 0 && len(turns) > w {
		turns = turns[len(turns)-w:]
	}
	return turns
}
