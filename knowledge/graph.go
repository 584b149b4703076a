// Package knowledge mirrors ingestion lineage into Neo4j: which source files
// were indexed into which collection, and how many chunks each produced.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/fabfab/rag-local-api/index"
	"github.com/fabfab/rag-local-api/logging"
)

var errNoDriver = errors.New("neo4j driver is nil")

// CollectionSource reports the collection that ingestion currently writes to.
type CollectionSource interface {
	Active(ctx context.Context) (index.CollectionInfo, error)
}

type Graph struct {
	driver      neo4j.DriverWithContext
	collections CollectionSource
	logger      *zap.SugaredLogger
}

func NewGraph(driver neo4j.DriverWithContext, collections CollectionSource, logger *zap.SugaredLogger) *Graph {
	return &Graph{driver: driver, collections: collections, logger: logging.OrNop(logger)}
}

// EnsureSchema creates the uniqueness constraints the MERGE statements rely on.
func (g *Graph) EnsureSchema(ctx context.Context) error {
	if g.driver == nil {
		return errNoDriver
	}
	stmts := []string{
		"CREATE CONSTRAINT collection_id IF NOT EXISTS FOR (c:Collection) REQUIRE c.id IS UNIQUE",
		"CREATE INDEX source_file_name IF NOT EXISTS FOR (f:SourceFile) ON (f.collection_id, f.name)",
	}
	for _, stmt := range stmts {
		if _, err := neo4j.ExecuteQuery(ctx, g.driver, stmt, nil, neo4j.EagerResultTransformer); err != nil {
			return fmt.Errorf("apply graph schema: %w", err)
		}
	}
	return nil
}

// RecordIngestion links file to the active collection. Re-ingesting a file
// adds its chunk count to the existing node.
func (g *Graph) RecordIngestion(ctx context.Context, file string, chunks int) error {
	if g.driver == nil {
		return errNoDriver
	}
	info, err := g.collections.Active(ctx)
	if err != nil {
		return fmt.Errorf("resolve active collection: %w", err)
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	params := map[string]any{
		"collection_id":   info.ID,
		"collection_name": info.Name,
		"file":            file,
		"chunks":          chunks,
		"ingested_at":     time.Now().UTC().Format(time.RFC3339),
	}

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (c:Collection {id: $collection_id})
			SET c.name = $collection_name
			MERGE (f:SourceFile {collection_id: $collection_id, name: $file})
			ON CREATE SET f.chunks = 0
			SET f.chunks = f.chunks + $chunks,
			    f.ingested_at = $ingested_at
			MERGE (c)-[:CONTAINS]->(f)
		`, params); err != nil {
			return nil, fmt.Errorf("upsert source file node: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	g.logger.Debugw("lineage recorded", "file", file, "collection", info.ID, "chunks", chunks)
	return nil
}

// Purge removes every collection and source file node.
func (g *Graph) Purge(ctx context.Context) error {
	if g.driver == nil {
		return errNoDriver
	}
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MATCH (n)
			WHERE n:Collection OR n:SourceFile
			DETACH DELETE n
		`, nil); err != nil {
			return nil, fmt.Errorf("purge lineage nodes: %w", err)
		}
		return nil, nil
	})
	return err
}

// Files lists the source files recorded for the active collection.
func (g *Graph) Files(ctx context.Context) ([]SourceFile, error) {
	if g.driver == nil {
		return nil, errNoDriver
	}
	info, err := g.collections.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve active collection: %w", err)
	}

	result, err := neo4j.ExecuteQuery(ctx, g.driver, `
		MATCH (:Collection {id: $collection_id})-[:CONTAINS]->(f:SourceFile)
		RETURN f.name AS name, f.chunks AS chunks, f.ingested_at AS ingested_at
		ORDER BY f.ingested_at
	`, map[string]any{"collection_id": info.ID}, neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithReadersRouting())
	if err != nil {
		return nil, fmt.Errorf("query source files: %w", err)
	}

	files := make([]SourceFile, 0, len(result.Records))
	for _, record := range result.Records {
		name, _, _ := neo4j.GetRecordValue[string](record, "name")
		chunks, _, _ := neo4j.GetRecordValue[int64](record, "chunks")
		ingestedAt, _, _ := neo4j.GetRecordValue[string](record, "ingested_at")
		files = append(files, SourceFile{Name: name, Chunks: int(chunks), IngestedAt: ingestedAt})
	}
	return files, nil
}

type SourceFile struct {
	Name       string `json:"name"`
	Chunks     int    `json:"chunks"`
	IngestedAt string `json:"ingested_at"`
}
