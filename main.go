package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabfab/rag-local-api/api"
	"github.com/fabfab/rag-local-api/config"
	"github.com/fabfab/rag-local-api/ingestion"
	"github.com/fabfab/rag-local-api/llm"
	"github.com/fabfab/rag-local-api/logging"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "rag-local-api",
		Short:        "Ask questions about your own documents with local models",
		SilenceUsage: true,
	}
	root.AddCommand(
		newServeCmd(),
		newIngestCmd(),
		newAskCmd(),
		newResetCmd(),
		newHistoryCmd(),
		newModelsCmd(),
		newFilesCmd(),
	)
	return root
}

// withApp loads configuration, builds the services and runs fn with a
// context that is cancelled on SIGINT or SIGTERM.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Errorw("startup failed", "error", err)
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	deps := api.Deps{
		Ingest:  a.ingest,
		Chat:    a.chat,
		Index:   a.index,
		History: a.history,
		Models:  a.provider,
	}
	if a.graph != nil {
		deps.Lineage = a.graph
	}

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           api.New(a.cfg, deps, a.logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Infow("http server listening",
			"addr", a.cfg.ListenAddr,
			"index_backend", a.cfg.Index.Backend,
			"history_backend", a.cfg.History.Backend,
			"embeddings", a.cfg.Embeddings.Provider+"/"+a.cfg.Embeddings.Model,
			"lineage", a.graph != nil,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func newIngestCmd() *cobra.Command {
	var size, overlap int
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Index local PDF, TXT or DOCX files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				params := ingestion.ChunkParams{Size: size, Overlap: overlap}
				if !cmd.Flags().Changed("chunk-size") {
					params.Size = a.cfg.Ingestion.DefaultChunkSize
				}
				if !cmd.Flags().Changed("chunk-overlap") {
					params.Overlap = a.cfg.Ingestion.DefaultChunkOverlap
				}

				uploads := make([]ingestion.Upload, 0, len(args))
				for _, path := range args {
					f, err := os.Open(path)
					if err != nil {
						return fmt.Errorf("open %s: %w", path, err)
					}
					defer f.Close()
					uploads = append(uploads, ingestion.Upload{Filename: filepath.Base(path), Reader: f})
				}

				result, err := a.ingest.Ingest(ctx, uploads, params)
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}
	cmd.Flags().IntVar(&size, "chunk-size", 1000, "maximum characters per chunk")
	cmd.Flags().IntVar(&overlap, "chunk-overlap", 50, "characters shared by consecutive chunks")
	return cmd
}

func newAskCmd() *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question about the indexed documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				answer, err := a.chat.Ask(ctx, args[0], model)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), answer.Answer)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "chat model to answer with")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete every indexed chunk and start an empty collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				info, err := a.reset(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "collection %s recreated (%s)\n", info.Name, info.ID)
				return nil
			})
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var wipe bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print or clear the conversation history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if wipe {
					return a.history.Clear(ctx)
				}
				snap, err := a.history.FullHistory(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, snap.Turns)
			})
		},
	}
	cmd.Flags().BoolVar(&wipe, "clear", false, "delete every stored turn")
	return cmd
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the chat models the provider serves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				names, err := llm.ListChatModels(ctx, a.provider)
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
}

func newFilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "files",
		Short: "List the source files recorded in the lineage graph for the active collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if a.graph == nil {
					return errors.New("lineage graph is disabled, set NEO4J_URI to enable it")
				}
				files, err := a.graph.Files(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, files)
			})
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
