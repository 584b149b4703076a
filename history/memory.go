package history

import (
	"context"
	"sync"
)

// MemoryStore keeps turns in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	turns []Turn
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(context.Context) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.turns...), nil
}

func (s *MemoryStore) Append(_ context.Context, t Turn) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t = clampAfter(s.turns, t)
	s.turns = append(s.turns, t)
	return t, nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
	return nil
}
