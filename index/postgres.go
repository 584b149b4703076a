package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/rag-local-api/database"
)

// PostgresBackend stores collections in rag_collections and their records in
// rag_chunks, ranking by pgvector cosine distance.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

func NewPostgresBackend(ctx context.Context, pool *pgxpool.Pool, dimension int) (*PostgresBackend, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if err := database.EnsureRAGSchema(ctx, pool, dimension); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (b *PostgresBackend) OpenCollection(ctx context.Context, name string) (CollectionInfo, error) {
	meta, err := json.Marshal(map[string]any{
		"distance":   "cosine",
		"created_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return CollectionInfo{}, fmt.Errorf("encode collection metadata: %w", err)
	}

	if _, err := b.pool.Exec(ctx, `
		INSERT INTO rag_collections (id, name, metadata)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (name) DO NOTHING
	`, uuid.New(), name, string(meta)); err != nil {
		return CollectionInfo{}, fmt.Errorf("register collection %s: %w", name, err)
	}

	var (
		id      uuid.UUID
		rawMeta []byte
		info    CollectionInfo
	)
	if err := b.pool.QueryRow(ctx, `
		SELECT c.id, c.name, c.metadata, (SELECT COUNT(*) FROM rag_chunks r WHERE r.collection_id = c.id)
		FROM rag_collections c WHERE c.name = $1
	`, name).Scan(&id, &info.Name, &rawMeta, &info.Count); err != nil {
		return CollectionInfo{}, fmt.Errorf("load collection %s: %w", name, err)
	}
	info.ID = id.String()
	info.Metadata = decodeMetadata(string(rawMeta))
	return info, nil
}

func (b *PostgresBackend) DropCollection(ctx context.Context, name string) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM rag_collections WHERE name = $1`, name); err != nil {
		return fmt.Errorf("drop collection %s: %w", name, err)
	}
	return nil
}

func (b *PostgresBackend) Insert(ctx context.Context, collectionID string, records []Record) (err error) {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	batch := &pgx.Batch{}
	for i, rec := range records {
		meta, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata for record %d: %w", i, err)
		}
		batch.Queue(`
			INSERT INTO rag_chunks (id, collection_id, content, metadata, embedding)
			VALUES ($1, $2, $3, $4::jsonb, $5)
		`, rec.ID, collectionID, rec.Content, string(meta), pgvector.NewVector(rec.Vector))
	}

	results := tx.SendBatch(ctx, batch)
	for i := range records {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("insert record %d: %w", i, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Count(ctx context.Context, collectionID string) (int, error) {
	var n int
	if err := b.pool.QueryRow(ctx, `SELECT COUNT(*) FROM rag_chunks WHERE collection_id = $1`, collectionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (b *PostgresBackend) Nearest(ctx context.Context, collectionID string, query []float32, k int) ([]Candidate, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("query embedding is empty")
	}

	rows, err := b.pool.Query(ctx, `
		SELECT id, content, metadata, embedding::text, 1 - (embedding <=> $2::vector) AS similarity
		FROM rag_chunks
		WHERE collection_id = $1
		ORDER BY embedding <=> $2::vector
		LIMIT $3
	`, collectionID, pgvector.NewVector(query), k)
	if err != nil {
		return nil, fmt.Errorf("query nearest records: %w", err)
	}
	defer rows.Close()

	candidates := make([]Candidate, 0, k)
	for rows.Next() {
		var (
			c       Candidate
			id      uuid.UUID
			rawMeta []byte
			rawVec  string
			vec     pgvector.Vector
		)
		if err := rows.Scan(&id, &c.Content, &rawMeta, &rawVec, &c.Score); err != nil {
			return nil, fmt.Errorf("scan nearest record: %w", err)
		}
		if err := vec.Scan(rawVec); err != nil {
			return nil, fmt.Errorf("parse stored vector: %w", err)
		}
		c.ID = id.String()
		c.Metadata = decodeMetadata(string(rawMeta))
		c.Vector = vec.Slice()
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nearest records: %w", err)
	}
	return candidates, nil
}

func (b *PostgresBackend) Collections(ctx context.Context) ([]CollectionInfo, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT c.id, c.name, c.metadata, COUNT(r.id)
		FROM rag_collections c
		LEFT JOIN rag_chunks r ON r.collection_id = c.id
		GROUP BY c.id, c.name, c.metadata, c.created_at
		ORDER BY c.created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	infos := make([]CollectionInfo, 0)
	for rows.Next() {
		var (
			info    CollectionInfo
			id      uuid.UUID
			rawMeta []byte
		)
		if err := rows.Scan(&id, &info.Name, &rawMeta, &info.Count); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		info.ID = id.String()
		info.Metadata = decodeMetadata(string(rawMeta))
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("iterate collections: %w", err)
	}
	return infos, nil
}

// Close leaves the pool open; its owner closes it.
func (b *PostgresBackend) Close() error { return nil }
