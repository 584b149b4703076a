// Package index keeps the single active vector collection: it embeds chunk
// texts, stores them in a backend and answers diverse nearest-neighbour
// queries. Reset swaps the collection for an empty one.
package index

import (
	"context"
	"math"
)

// Entry is a text to be embedded and stored.
type Entry struct {
	Content  string
	Metadata map[string]any
}

// Record is an embedded entry as persisted by a backend.
type Record struct {
	ID       string
	Content  string
	Metadata map[string]any
	Vector   []float32
}

// Candidate is a stored record with its cosine similarity to a query.
type Candidate struct {
	Record
	Score float64
}

// Result is one retrieved chunk.
type Result struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
	Score    float64        `json:"score"`
}

// CollectionInfo describes a stored collection.
type CollectionInfo struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Count    int            `json:"count"`
	Metadata map[string]any `json:"metadata"`
}

// Backend persists collections of embedded records.
type Backend interface {
	// OpenCollection returns the collection called name, creating it when absent.
	OpenCollection(ctx context.Context, name string) (CollectionInfo, error)
	// DropCollection removes the collection called name. Missing collections are not an error.
	DropCollection(ctx context.Context, name string) error
	// Insert stores all records or none of them.
	Insert(ctx context.Context, collectionID string, records []Record) error
	Count(ctx context.Context, collectionID string) (int, error)
	// Nearest returns up to k records ordered by descending cosine similarity, vectors included.
	Nearest(ctx context.Context, collectionID string, query []float32, k int) ([]Candidate, error)
	Collections(ctx context.Context) ([]CollectionInfo, error)
	Close() error
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
