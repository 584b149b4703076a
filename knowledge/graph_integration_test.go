package knowledge

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/rag-local-api/database"
	"github.com/fabfab/rag-local-api/index"
	"github.com/fabfab/rag-local-api/logging"
)

type fixedCollection struct{ id string }

func (c fixedCollection) Active(context.Context) (index.CollectionInfo, error) {
	return index.CollectionInfo{ID: c.id, Name: "rag_collection"}, nil
}

// Purge drops every lineage node, so point NEO4J_URI at a scratch database.
func TestGraphLineageAgainstNeo4j(t *testing.T) {
	uri := os.Getenv("NEO4J_URI")
	if uri == "" {
		t.Skip("set NEO4J_URI to run the neo4j lineage test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	driver, err := database.NewNeo4jDriver(ctx, uri, envOr("NEO4J_USERNAME", "neo4j"), envOr("NEO4J_PASSWORD", "password"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = driver.Close(context.Background()) })

	g := NewGraph(driver, fixedCollection{id: "test-" + uuid.NewString()}, logging.Nop())
	t.Cleanup(func() { _ = g.Purge(context.Background()) })
	require.NoError(t, g.EnsureSchema(ctx))

	require.NoError(t, g.RecordIngestion(ctx, "report.pdf", 3))
	require.NoError(t, g.RecordIngestion(ctx, "report.pdf", 2))
	require.NoError(t, g.RecordIngestion(ctx, "notes.txt", 1))

	files, err := g.Files(ctx)
	require.NoError(t, err)
	require.Len(t, files, 2)
	chunks := map[string]int{}
	for _, f := range files {
		chunks[f.Name] = f.Chunks
		assert.NotEmpty(t, f.IngestedAt)
	}
	assert.Equal(t, map[string]int{"report.pdf": 5, "notes.txt": 1}, chunks)

	require.NoError(t, g.Purge(ctx))
	files, err = g.Files(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
