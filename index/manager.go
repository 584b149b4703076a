package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabfab/rag-local-api/embeddings"
	"github.com/fabfab/rag-local-api/logging"
)

var (
	ErrEmbeddingService = errors.New("embedding service failed")
	ErrStorage          = errors.New("vector storage failed")
	ErrStaleHandle      = errors.New("index handle was invalidated by a reset")
)

// Manager owns the process-wide collection. Reset excludes every other
// operation; adds, counts and searches run concurrently.
type Manager struct {
	backend  Backend
	embedder embeddings.Embedder
	name     string
	root     string
	logger   *zap.SugaredLogger

	mu         sync.RWMutex
	current    *Handle
	generation uint64
}

// Handle is a view of the collection as of one generation. It stops working
// once the collection is reset.
type Handle struct {
	m          *Manager
	collection CollectionInfo
	generation uint64
}

// NewManager wires a backend to an embedder. root is the storage root whose
// subdirectories Reset clears.
func NewManager(backend Backend, embedder embeddings.Embedder, name, root string, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		backend:  backend,
		embedder: embedder,
		name:     name,
		root:     root,
		logger:   logging.OrNop(logger),
	}
}

// Get returns the current handle, opening the collection on first use.
func (m *Manager) Get(ctx context.Context) (*Handle, error) {
	m.mu.RLock()
	h := m.current
	m.mu.RUnlock()
	if h != nil {
		return h, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return m.current, nil
	}
	return m.openLocked(ctx)
}

func (m *Manager) openLocked(ctx context.Context) (*Handle, error) {
	info, err := m.backend.OpenCollection(ctx, m.name)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w: %w", m.name, ErrStorage, err)
	}
	m.generation++
	m.current = &Handle{m: m, collection: info, generation: m.generation}
	m.logger.Infow("vector collection ready", "collection", info.Name, "id", info.ID, "count", info.Count)
	return m.current, nil
}

// Reset waits for in-flight operations, destroys the collection, clears every
// subdirectory of the storage root and opens an empty collection under the
// same name. Earlier handles fail with ErrStaleHandle afterwards.
func (m *Manager) Reset(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Old handles are stale from here on, even if the drop fails.
	m.current = nil
	m.generation++

	if err := m.backend.DropCollection(ctx, m.name); err != nil {
		return nil, fmt.Errorf("drop collection %s: %w: %w", m.name, ErrStorage, err)
	}
	if err := clearSubdirectories(m.root); err != nil {
		return nil, fmt.Errorf("clear storage root: %w: %w", ErrStorage, err)
	}
	m.logger.Infow("vector collection reset", "collection", m.name, "root", m.root)
	return m.openLocked(ctx)
}

// clearSubdirectories removes every directory directly under root. Files at
// the root level are kept.
func clearSubdirectories(root string) error {
	if root == "" {
		return nil
	}
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			errs = append(errs, os.RemoveAll(filepath.Join(root, entry.Name())))
		}
	}
	return errors.Join(errs...)
}

// Collections lists every stored collection for diagnostics.
func (m *Manager) Collections(ctx context.Context) ([]CollectionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos, err := m.backend.Collections(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return infos, nil
}

// Active describes the current collection, opening it if needed.
func (m *Manager) Active(ctx context.Context) (CollectionInfo, error) {
	h, err := m.Get(ctx)
	if err != nil {
		return CollectionInfo{}, err
	}
	return h.Info(), nil
}

// Add runs against whichever handle is current. Add, Count and Search hold
// the shared lock from picking the handle until the call returns.
func (m *Manager) Add(ctx context.Context, entries []Entry) error {
	h, release, err := m.acquireCurrent(ctx)
	if err != nil {
		return err
	}
	defer release()
	return h.add(ctx, entries)
}

func (m *Manager) Count(ctx context.Context) (int, error) {
	h, release, err := m.acquireCurrent(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	return h.count(ctx)
}

func (m *Manager) Search(ctx context.Context, query string, opts SearchOptions) ([]Result, error) {
	h, release, err := m.acquireCurrent(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return h.search(ctx, query, opts)
}

// acquireCurrent returns the current handle with the shared lock held,
// opening the collection first when a reset or a cold start left none.
func (m *Manager) acquireCurrent(ctx context.Context) (*Handle, func(), error) {
	for {
		m.mu.RLock()
		if h := m.current; h != nil {
			return h, m.mu.RUnlock, nil
		}
		m.mu.RUnlock()

		if _, err := m.Get(ctx); err != nil {
			return nil, nil, err
		}
	}
}

// Close releases the backend.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
	m.generation++
	return m.backend.Close()
}

func (h *Handle) Info() CollectionInfo { return h.collection }

// acquire takes the shared lock and checks the handle is still current.
func (h *Handle) acquire() (func(), error) {
	h.m.mu.RLock()
	if h.generation != h.m.generation || h.m.current == nil {
		h.m.mu.RUnlock()
		return nil, ErrStaleHandle
	}
	return h.m.mu.RUnlock, nil
}

// Add embeds every entry and then stores them in one transaction. Nothing is
// stored when embedding fails. Duplicates are stored again.
func (h *Handle) Add(ctx context.Context, entries []Entry) error {
	release, err := h.acquire()
	if err != nil {
		return err
	}
	defer release()
	return h.add(ctx, entries)
}

func (h *Handle) add(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.Content
	}
	vectors, err := h.m.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEmbeddingService, err)
	}
	if len(vectors) != len(entries) {
		return fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingService, len(vectors), len(entries))
	}

	records := make([]Record, len(entries))
	for i, e := range entries {
		records[i] = Record{
			ID:       uuid.NewString(),
			Content:  e.Content,
			Metadata: e.Metadata,
			Vector:   vectors[i],
		}
	}
	if err := h.m.backend.Insert(ctx, h.collection.ID, records); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

func (h *Handle) Count(ctx context.Context) (int, error) {
	release, err := h.acquire()
	if err != nil {
		return 0, err
	}
	defer release()
	return h.count(ctx)
}

func (h *Handle) count(ctx context.Context) (int, error) {
	n, err := h.m.backend.Count(ctx, h.collection.ID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return n, nil
}

// Search returns up to opts.K chunks chosen by maximal marginal relevance
// among the opts.FetchK nearest to query.
func (h *Handle) Search(ctx context.Context, query string, opts SearchOptions) ([]Result, error) {
	release, err := h.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return h.search(ctx, query, opts)
}

func (h *Handle) search(ctx context.Context, query string, opts SearchOptions) ([]Result, error) {
	opts = opts.normalized()
	vectors, err := h.m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingService, err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: got %d vectors for the query", ErrEmbeddingService, len(vectors))
	}

	candidates, err := h.m.backend.Nearest(ctx, h.collection.ID, vectors[0], opts.FetchK)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	selected := selectMMR(candidates, opts.K, opts.Lambda)
	results := make([]Result, len(selected))
	for i, c := range selected {
		results[i] = Result{Content: c.Content, Metadata: c.Metadata, Score: c.Score}
	}
	return results, nil
}
