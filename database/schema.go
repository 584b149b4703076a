package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureRAGSchema creates the collection and chunk tables. A positive
// dimension pins the vector column size and adds an HNSW cosine index.
func EnsureRAGSchema(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	if dimension < 0 {
		return fmt.Errorf("embedding dimension must not be negative")
	}

	vectorType := "VECTOR"
	if dimension > 0 {
		vectorType = fmt.Sprintf("VECTOR(%d)", dimension)
	}

	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS rag_collections (
			id UUID PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rag_chunks (
			id UUID PRIMARY KEY,
			collection_id UUID NOT NULL REFERENCES rag_collections(id) ON DELETE CASCADE,
			seq BIGSERIAL,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding %s NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, vectorType),
		"CREATE INDEX IF NOT EXISTS idx_rag_chunks_collection ON rag_chunks(collection_id, seq)",
	}
	if dimension > 0 {
		stmts = append(stmts, "CREATE INDEX IF NOT EXISTS idx_rag_chunks_embedding ON rag_chunks USING hnsw (embedding vector_cosine_ops)")
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	return nil
}
