package ingestion

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/fabfab/rag-local-api/apperr"
)

// Chunk is a piece of a document's text sized for embedding.
type Chunk struct {
	Content  string
	Metadata map[string]any
	Index    int
}

// ChunkParams sets the maximum chunk length and the overlap between
// neighbouring chunks, both counted in characters.
type ChunkParams struct {
	Size    int
	Overlap int
}

func (p ChunkParams) Validate() error {
	switch {
	case p.Size <= 0:
		return apperr.InvalidWrap("chunk_size", fmt.Sprintf("must be positive, got %d", p.Size), ErrInvalidChunkParameters)
	case p.Overlap < 0:
		return apperr.InvalidWrap("chunk_overlap", fmt.Sprintf("must not be negative, got %d", p.Overlap), ErrInvalidChunkParameters)
	case p.Overlap >= p.Size:
		return apperr.InvalidWrap("chunk_overlap", fmt.Sprintf("must be smaller than chunk_size (%d >= %d)", p.Overlap, p.Size), ErrInvalidChunkParameters)
	}
	return nil
}

// Split cuts every document into chunks of at most p.Size characters. Each
// chunk after the first starts p.Overlap characters before the end of the
// previous one. Cuts land on a paragraph break, a sentence end or whitespace
// when one exists in the back half of the window. p must be valid.
func Split(docs []Document, p ChunkParams) []Chunk {
	chunks := make([]Chunk, 0, len(docs))
	for _, doc := range docs {
		text := []rune(strings.TrimSpace(doc.Content))
		index := 0
		for start := 0; start < len(text); {
			if len(text)-start <= p.Size {
				chunks = append(chunks, newChunk(text[start:], doc.Metadata, index))
				break
			}
			lo := start + max(p.Overlap+1, p.Size/2)
			cut := findCut(text, lo, start+p.Size)
			chunks = append(chunks, newChunk(text[start:cut], doc.Metadata, index))
			index++
			start = cut - p.Overlap
		}
	}
	return chunks
}

func newChunk(text []rune, metadata map[string]any, index int) Chunk {
	meta := make(map[string]any, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	return Chunk{Content: string(text), Metadata: meta, Index: index}
}

// findCut returns the exclusive end of the next chunk within [lo, hi].
func findCut(text []rune, lo, hi int) int {
	tiers := []func(c int) bool{
		func(c int) bool { return c >= 2 && text[c-2] == '\n' && text[c-1] == '\n' },
		func(c int) bool {
			if text[c-1] == '\n' {
				return true
			}
			return c >= 2 && text[c-1] == ' ' && strings.ContainsRune(".!?", text[c-2])
		},
		func(c int) bool { return unicode.IsSpace(text[c-1]) },
	}
	for _, boundary := range tiers {
		for c := hi; c >= lo; c-- {
			if boundary(c) {
				return c
			}
		}
	}
	return hi
}
