package api

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fabfab/rag-local-api/apperr"
	"github.com/fabfab/rag-local-api/chat"
	"github.com/fabfab/rag-local-api/config"
	"github.com/fabfab/rag-local-api/history"
	"github.com/fabfab/rag-local-api/index"
	"github.com/fabfab/rag-local-api/ingestion"
	"github.com/fabfab/rag-local-api/llm"
	"github.com/fabfab/rag-local-api/logging"
)

// Ingestor indexes uploaded files.
type Ingestor interface {
	Ingest(ctx context.Context, uploads []ingestion.Upload, params ingestion.ChunkParams) (ingestion.Result, error)
}

// Asker answers questions.
type Asker interface {
	Ask(ctx context.Context, question, model string) (chat.Answer, error)
}

// IndexAdmin manages the active collection.
type IndexAdmin interface {
	Reset(ctx context.Context) (*index.Handle, error)
	Collections(ctx context.Context) ([]index.CollectionInfo, error)
}

// Conversation reads and clears the shared history.
type Conversation interface {
	FullHistory(ctx context.Context) (history.Snapshot, error)
	Clear(ctx context.Context) error
}

// Purger drops lineage data when the index is reset.
type Purger interface {
	Purge(ctx context.Context) error
}

// Deps are the services the HTTP surface dispatches to.
type Deps struct {
	Ingest  Ingestor
	Chat    Asker
	Index   IndexAdmin
	History Conversation
	Models  llm.ModelLister
	Lineage Purger
}

// Server exposes the document Q&A workflows over HTTP.
type Server struct {
	cfg     config.Config
	deps    Deps
	logger  *zap.SugaredLogger
	handler http.Handler
}

type messageResponse struct {
	Message string `json:"message"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

type askRequest struct {
	Question string `json:"question"`
	Model    string `json:"model"`
}

type modelsResponse struct {
	Models []string `json:"models"`
}

// New builds a server with all routes registered.
func New(cfg config.Config, deps Deps, logger *zap.SugaredLogger) *Server {
	s := &Server{cfg: cfg, deps: deps, logger: logging.OrNop(logger)}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger(), corsMiddleware(cfg.CORSOrigins))

	engine.GET("/healthz", s.handleHealth)
	engine.POST("/ingest", s.handleIngest)
	engine.DELETE("/reset_embeddings", s.handleReset)
	engine.GET("/debug_collections", s.handleCollections)
	engine.POST("/ask_model", s.handleAsk)
	engine.GET("/history", s.handleHistory)
	engine.DELETE("/history", s.handleClearHistory)
	engine.GET("/models", s.handleModels)

	s.handler = engine
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleIngest(c *gin.Context) {
	params, err := s.chunkParams(c)
	if err != nil {
		s.writeError(c, err)
		return
	}

	var headers []*multipart.FileHeader
	if form, err := c.MultipartForm(); err == nil {
		headers = form.File["files"]
	} else if !errors.Is(err, http.ErrNotMultipart) {
		s.writeError(c, apperr.InvalidWrap("files", "could not read the multipart body", err))
		return
	}

	uploads := make([]ingestion.Upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			s.writeError(c, fmt.Errorf("open upload %s: %w", fh.Filename, err))
			return
		}
		defer f.Close()
		uploads = append(uploads, ingestion.Upload{Filename: fh.Filename, Reader: f})
	}

	result, err := s.deps.Ingest.Ingest(c.Request.Context(), uploads, params)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) chunkParams(c *gin.Context) (ingestion.ChunkParams, error) {
	params := ingestion.ChunkParams{
		Size:    s.cfg.Ingestion.DefaultChunkSize,
		Overlap: s.cfg.Ingestion.DefaultChunkOverlap,
	}
	if raw := strings.TrimSpace(c.PostForm("chunk_size")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return params, apperr.InvalidWrap("chunk_size", "must be an integer", err)
		}
		params.Size = n
	}
	if raw := strings.TrimSpace(c.PostForm("chunk_overlap")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return params, apperr.InvalidWrap("chunk_overlap", "must be an integer", err)
		}
		params.Overlap = n
	}
	return params, nil
}

func (s *Server) handleReset(c *gin.Context) {
	handle, err := s.deps.Index.Reset(c.Request.Context())
	if err != nil {
		s.logger.Errorw("reset failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Detail: "error resetting the vector store: " + err.Error()})
		return
	}

	if s.deps.Lineage != nil {
		if err := s.deps.Lineage.Purge(c.Request.Context()); err != nil {
			s.logger.Warnw("lineage purge failed", "error", err)
		}
	}

	info := handle.Info()
	s.logger.Infow("vector store reset", "collection", info.Name, "id", info.ID)
	c.JSON(http.StatusOK, statusResponse{
		Status:  "ok",
		Message: fmt.Sprintf("collection %s was emptied and recreated", info.Name),
	})
}

func (s *Server) handleCollections(c *gin.Context) {
	infos, err := s.deps.Index.Collections(c.Request.Context())
	if err != nil {
		s.logger.Errorw("list collections failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Detail: err.Error()})
		return
	}
	c.JSON(http.StatusOK, infos)
}

func (s *Server) handleAsk(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperr.InvalidWrap("body", "expected a JSON object with question and model", err))
		return
	}

	answer, err := s.deps.Chat.Ask(c.Request.Context(), req.Question, req.Model)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, answer)
}

func (s *Server) handleHistory(c *gin.Context) {
	snap, err := s.deps.History.FullHistory(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if snap.Degraded {
		c.Header("X-History-Degraded", "true")
	}
	turns := snap.Turns
	if turns == nil {
		turns = []history.Turn{}
	}
	c.JSON(http.StatusOK, turns)
}

func (s *Server) handleClearHistory(c *gin.Context) {
	if err := s.deps.History.Clear(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleModels(c *gin.Context) {
	names, err := llm.ListChatModels(c.Request.Context(), s.deps.Models)
	if err != nil {
		s.logger.Warnw("model listing failed", "error", err)
		names = []string{}
	}
	c.JSON(http.StatusOK, modelsResponse{Models: names})
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorw("request failed", "path", c.FullPath(), "status", status, "error", err)
	} else {
		s.logger.Debugw("request rejected", "path", c.FullPath(), "status", status, "error", err)
	}
	c.JSON(status, errorResponse{Detail: detailFor(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation),
		errors.Is(err, chat.ErrModelUnavailable),
		errors.Is(err, chat.ErrEmptyIndex):
		return http.StatusBadRequest
	// history timeouts are reported as the history being unavailable
	case errors.Is(err, history.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperr.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func detailFor(err error) string {
	var verr *apperr.ValidationError
	if errors.As(err, &verr) {
		return verr.Error()
	}
	return err.Error()
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Infow("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	allowAll := len(origins) == 0 || slices.Contains(origins, "*")
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowAll || slices.Contains(origins, origin)) {
			if allowAll {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
