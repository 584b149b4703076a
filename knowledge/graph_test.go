package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fabfab/rag-local-api/index"
)

type staticCollection struct{}

func (staticCollection) Active(context.Context) (index.CollectionInfo, error) {
	return index.CollectionInfo{ID: "c1", Name: "rag_collection"}, nil
}

func TestGraphWithoutDriver(t *testing.T) {
	g := NewGraph(nil, staticCollection{}, nil)
	ctx := context.Background()

	assert.ErrorIs(t, g.EnsureSchema(ctx), errNoDriver)
	assert.ErrorIs(t, g.RecordIngestion(ctx, "a.txt", 3), errNoDriver)
	assert.ErrorIs(t, g.Purge(ctx), errNoDriver)
	_, err := g.Files(ctx)
	assert.ErrorIs(t, err, errNoDriver)
}
