package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const (
	catalogFile   = "catalog.sqlite3"
	segmentFile   = "segment.sqlite3"
	sqlitePragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
)

// LocalBackend keeps a catalog database at the storage root and one segment
// database per collection in <root>/<collection id>/.
type LocalBackend struct {
	root    string
	catalog *sql.DB

	mu       sync.Mutex
	segments map[string]*sql.DB
}

// NewLocalBackend opens (or creates) the catalog under root.
func NewLocalBackend(ctx context.Context, root string) (*LocalBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	catalog, err := openSQLite(filepath.Join(root, catalogFile))
	if err != nil {
		return nil, err
	}
	if _, err := catalog.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS collections (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)
	`); err != nil {
		catalog.Close()
		return nil, fmt.Errorf("create catalog table: %w", err)
	}

	return &LocalBackend{
		root:     root,
		catalog:  catalog,
		segments: make(map[string]*sql.DB),
	}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+sqlitePragmas)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	// writers on one file are serialized through a single connection
	db.SetMaxOpenConns(1)
	return db, nil
}

func (b *LocalBackend) OpenCollection(ctx context.Context, name string) (CollectionInfo, error) {
	info, found, err := b.lookup(ctx, name)
	if err != nil {
		return CollectionInfo{}, err
	}
	if !found {
		info = CollectionInfo{
			ID:   uuid.NewString(),
			Name: name,
			Metadata: map[string]any{
				"distance":   "cosine",
				"created_at": time.Now().UTC().Format(time.RFC3339),
			},
		}
		meta, err := json.Marshal(info.Metadata)
		if err != nil {
			return CollectionInfo{}, fmt.Errorf("encode collection metadata: %w", err)
		}
		if _, err := b.catalog.ExecContext(ctx,
			`INSERT INTO collections (id, name, metadata, created_at) VALUES (?, ?, ?, ?)`,
			info.ID, name, string(meta), info.Metadata["created_at"]); err != nil {
			return CollectionInfo{}, fmt.Errorf("register collection %s: %w", name, err)
		}
	}

	count, err := b.Count(ctx, info.ID)
	if err != nil {
		return CollectionInfo{}, err
	}
	info.Count = count
	return info, nil
}

func (b *LocalBackend) lookup(ctx context.Context, name string) (CollectionInfo, bool, error) {
	var (
		info CollectionInfo
		meta string
	)
	err := b.catalog.QueryRowContext(ctx, `SELECT id, name, metadata FROM collections WHERE name = ?`, name).
		Scan(&info.ID, &info.Name, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return CollectionInfo{}, false, nil
	}
	if err != nil {
		return CollectionInfo{}, false, fmt.Errorf("look up collection %s: %w", name, err)
	}
	info.Metadata = decodeMetadata(meta)
	return info, true, nil
}

func (b *LocalBackend) DropCollection(ctx context.Context, name string) error {
	info, found, err := b.lookup(ctx, name)
	if err != nil || !found {
		return err
	}

	b.mu.Lock()
	if db, ok := b.segments[info.ID]; ok {
		db.Close()
		delete(b.segments, info.ID)
	}
	b.mu.Unlock()

	if _, err := b.catalog.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, info.ID); err != nil {
		return fmt.Errorf("unregister collection %s: %w", name, err)
	}
	if err := os.RemoveAll(filepath.Join(b.root, info.ID)); err != nil {
		return fmt.Errorf("remove segment for %s: %w", name, err)
	}
	return nil
}

func (b *LocalBackend) segment(ctx context.Context, collectionID string) (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if db, ok := b.segments[collectionID]; ok {
		return db, nil
	}

	dir := filepath.Join(b.root, collectionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create segment directory: %w", err)
	}
	db, err := openSQLite(filepath.Join(dir, segmentFile))
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS embeddings (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL,
			vector BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create segment table: %w", err)
	}
	b.segments[collectionID] = db
	return db, nil
}

func (b *LocalBackend) Insert(ctx context.Context, collectionID string, records []Record) (err error) {
	db, err := b.segment(ctx, collectionID)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO embeddings (id, content, metadata, vector) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, rec := range records {
		meta, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata for record %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, rec.ID, rec.Content, string(meta), float32SliceToBytes(rec.Vector)); err != nil {
			return fmt.Errorf("insert record %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (b *LocalBackend) Count(ctx context.Context, collectionID string) (int, error) {
	db, err := b.segment(ctx, collectionID)
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Nearest scans the whole segment; collections here are sized for a single
// user's uploads.
func (b *LocalBackend) Nearest(ctx context.Context, collectionID string, query []float32, k int) ([]Candidate, error) {
	db, err := b.segment(ctx, collectionID)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT id, content, metadata, vector FROM embeddings ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	defer rows.Close()

	candidates := make([]Candidate, 0)
	for rows.Next() {
		var (
			c    Candidate
			meta string
			blob []byte
		)
		if err := rows.Scan(&c.ID, &c.Content, &meta, &blob); err != nil {
			return nil, fmt.Errorf("read record: %w", err)
		}
		c.Metadata = decodeMetadata(meta)
		c.Vector = bytesToFloat32Slice(blob)
		c.Score = cosine(query, c.Vector)
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

func (b *LocalBackend) Collections(ctx context.Context) ([]CollectionInfo, error) {
	rows, err := b.catalog.QueryContext(ctx, `SELECT id, name, metadata FROM collections ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	infos := make([]CollectionInfo, 0)
	for rows.Next() {
		var (
			info CollectionInfo
			meta string
		)
		if err := rows.Scan(&info.ID, &info.Name, &meta); err != nil {
			rows.Close()
			return nil, fmt.Errorf("read collection: %w", err)
		}
		info.Metadata = decodeMetadata(meta)
		infos = append(infos, info)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collections: %w", err)
	}

	for i := range infos {
		n, err := b.Count(ctx, infos[i].ID)
		if err != nil {
			return nil, err
		}
		infos[i].Count = n
	}
	return infos, nil
}

func (b *LocalBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for id, db := range b.segments {
		errs = append(errs, db.Close())
		delete(b.segments, id)
	}
	errs = append(errs, b.catalog.Close())
	return errors.Join(errs...)
}

func decodeMetadata(raw string) map[string]any {
	meta := map[string]any{}
	if raw == "" {
		return meta
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return map[string]any{}
	}
	return meta
}

func float32SliceToBytes(floats []float32) []byte {
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToFloat32Slice(data []byte) []float32 {
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}
