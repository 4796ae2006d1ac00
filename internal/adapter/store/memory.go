package store

import (
	"context"
	"sync"
)

// MemoryStore keeps session ids for the life of the process.
type MemoryStore struct {
	mu  sync.RWMutex
	ids map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, appName string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.ids[appName]
	return id, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, appName, sessionID string) error {
	if err := validate(appName, sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	s.ids[appName] = sessionID
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, appName string) error {
	s.mu.Lock()
	delete(s.ids, appName)
	s.mu.Unlock()
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
