// Package history keeps the shared, append-only log of question/answer turns.
package history

import (
	"context"
	"errors"
	"time"
)

var ErrUnavailable = errors.New("conversation history is unavailable")

// Turn is one answered question.
type Turn struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Timestamp time.Time `json:"timestamp"`
}

// Store persists turns in insertion order.
type Store interface {
	Load(ctx context.Context) ([]Turn, error)
	// Append adds t atomically and returns it as stored. The stored timestamp
	// is never earlier than the previous turn's.
	Append(ctx context.Context, t Turn) (Turn, error)
	Clear(ctx context.Context) error
}

func clampAfter(prev []Turn, t Turn) Turn {
	if n := len(prev); n > 0 && t.Timestamp.Before(prev[n-1].Timestamp) {
		t.Timestamp = prev[n-1].Timestamp
	}
	return t
}
