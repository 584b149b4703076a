package llm

import (
	"context"
	"slices"
	"strings"
)

var embeddingKeywords = []string{"embed", "embedding", "bge", "e5", "mxbai"}

// IsEmbeddingModel guesses from the name whether a model only produces embeddings.
func IsEmbeddingModel(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range embeddingKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ListChatModels returns the provider's models minus embedding models.
func ListChatModels(ctx context.Context, lister ModelLister) ([]string, error) {
	names, err := lister.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	chat := make([]string, 0, len(names))
	for _, name := range names {
		if !IsEmbeddingModel(name) {
			chat = append(chat, name)
		}
	}
	return chat, nil
}

// IsAvailable reports whether name is among the provider's models.
func IsAvailable(ctx context.Context, lister ModelLister, name string) (bool, error) {
	names, err := lister.ListModels(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(names, name), nil
}
