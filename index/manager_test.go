package index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/rag-local-api/logging"
)

// letterEmbedder maps a text to counts of a, b and c plus a constant term.
type letterEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *letterEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{
			float32(strings.Count(text, "a")),
			float32(strings.Count(text, "b")),
			float32(strings.Count(text, "c")),
			0.1,
		}
	}
	return out, nil
}

func newTestManager(t *testing.T, embedder *letterEmbedder) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	backend, err := NewLocalBackend(context.Background(), root)
	require.NoError(t, err)
	m := NewManager(backend, embedder, "rag_collection", root, logging.Nop())
	t.Cleanup(func() { _ = m.Close() })
	return m, root
}

func entries(texts ...string) []Entry {
	out := make([]Entry, len(texts))
	for i, text := range texts {
		out[i] = Entry{Content: text, Metadata: map[string]any{"source": "notes.txt"}}
	}
	return out
}

func TestManagerAddCountSearch(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, &letterEmbedder{})

	h, err := m.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Add(ctx, entries("aaaa", "bbbb", "cccc", "aaab")))

	n, err := h.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	results, err := h.Search(ctx, "aaa", SearchOptions{K: 2, FetchK: 4, Lambda: 1})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "aaaa", results[0].Content)
	assert.Equal(t, "aaab", results[1].Content)
	assert.Equal(t, "notes.txt", results[0].Metadata["source"])
}

func TestManagerStoresDuplicates(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, &letterEmbedder{})

	require.NoError(t, m.Add(ctx, entries("same text")))
	require.NoError(t, m.Add(ctx, entries("same text")))

	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestManagerAddEmbeddingFailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	embedder := &letterEmbedder{err: errors.New("connection refused")}
	m, _ := newTestManager(t, embedder)

	err := m.Add(ctx, entries("abc", "cab"))
	assert.ErrorIs(t, err, ErrEmbeddingService)

	embedder.err = nil
	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManagerReset(t *testing.T) {
	ctx := context.Background()
	m, root := newTestManager(t, &letterEmbedder{})

	old, err := m.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, old.Add(ctx, entries("abc", "bca")))

	stray := filepath.Join(root, "leftover")
	require.NoError(t, os.MkdirAll(filepath.Join(stray, "nested"), 0o755))
	keep := filepath.Join(root, "notes.txt")
	require.NoError(t, os.WriteFile(keep, []byte("keep me"), 0o644))

	fresh, err := m.Reset(ctx)
	require.NoError(t, err)

	n, err := fresh.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, "rag_collection", fresh.Info().Name)
	assert.NotEqual(t, old.Info().ID, fresh.Info().ID)

	_, err = old.Count(ctx)
	assert.ErrorIs(t, err, ErrStaleHandle)
	assert.ErrorIs(t, old.Add(ctx, entries("abc")), ErrStaleHandle)

	assert.NoDirExists(t, stray)
	assert.NoDirExists(t, filepath.Join(root, old.Info().ID))
	assert.FileExists(t, keep)
	assert.FileExists(t, filepath.Join(root, catalogFile))

	n, err = m.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManagerReopensPersistedCollection(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	embedder := &letterEmbedder{}

	backend, err := NewLocalBackend(ctx, root)
	require.NoError(t, err)
	first := NewManager(backend, embedder, "rag_collection", root, nil)
	require.NoError(t, first.Add(ctx, entries("abc")))
	require.NoError(t, first.Close())

	backend, err = NewLocalBackend(ctx, root)
	require.NoError(t, err)
	second := NewManager(backend, embedder, "rag_collection", root, nil)
	defer second.Close()

	n, err := second.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestManagerCollections(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, &letterEmbedder{})
	require.NoError(t, m.Add(ctx, entries("abc", "cba", "bac")))

	infos, err := m.Collections(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "rag_collection", infos[0].Name)
	assert.Equal(t, 3, infos[0].Count)
	assert.Equal(t, "cosine", infos[0].Metadata["distance"])
}

func TestManagerConcurrentAddsAndReset(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, &letterEmbedder{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Add(ctx, entries("abc", "abd")))
		}()
	}
	wg.Wait()

	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 16, n)

	_, err = m.Reset(ctx)
	require.NoError(t, err)
	n, err = m.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManagerResetInterleavedWithAddAndSearch(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, &letterEmbedder{})
	require.NoError(t, m.Add(ctx, entries("abc")))
	old, err := m.Get(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				assert.NoError(t, m.Add(ctx, entries("abc", "cab")))
				_, err := m.Search(ctx, "abc", SearchOptions{K: 2, FetchK: 4})
				assert.NoError(t, err)
				_, err = m.Count(ctx)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 10; j++ {
			_, err := m.Reset(ctx)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	_, err = old.Count(ctx)
	assert.ErrorIs(t, err, ErrStaleHandle)

	_, err = m.Reset(ctx)
	require.NoError(t, err)
	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// memoryBackend keeps collections in a map and never touches the disk.
type memoryBackend struct {
	mu      sync.Mutex
	records map[string][]Record
}

func (b *memoryBackend) OpenCollection(_ context.Context, name string) (CollectionInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.records == nil {
		b.records = make(map[string][]Record)
	}
	return CollectionInfo{ID: name, Name: name, Count: len(b.records[name])}, nil
}

func (b *memoryBackend) DropCollection(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, name)
	return nil
}

func (b *memoryBackend) Insert(_ context.Context, id string, records []Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[id] = append(b.records[id], records...)
	return nil
}

func (b *memoryBackend) Count(_ context.Context, id string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records[id]), nil
}

func (b *memoryBackend) Nearest(context.Context, string, []float32, int) ([]Candidate, error) {
	return nil, nil
}

func (b *memoryBackend) Collections(context.Context) ([]CollectionInfo, error) { return nil, nil }

func (b *memoryBackend) Close() error { return nil }

func TestManagerResetClearsRootWithRemoteBackend(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	stray := filepath.Join(root, "old-segment")
	require.NoError(t, os.MkdirAll(stray, 0o755))
	keep := filepath.Join(root, "notes.txt")
	require.NoError(t, os.WriteFile(keep, []byte("kept"), 0o644))

	m := NewManager(&memoryBackend{}, &letterEmbedder{}, "rag_collection", root, logging.Nop())
	require.NoError(t, m.Add(ctx, entries("abc")))

	_, err := m.Reset(ctx)
	require.NoError(t, err)
	assert.NoDirExists(t, stray)
	assert.FileExists(t, keep)

	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
