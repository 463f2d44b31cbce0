package inmemstore

import (
	"context"
	"sync"

	"github.com/tathmini/tathmini/core"
)

// Store is an in-memory core.KVStore for tests and dev runs. Records do not
// outlive the process; production uses the sqlite store.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
}

var _ core.KVStore = (*Store)(nil)

func Open() (*Store, error) {
	return &Store{collections: make(map[string]map[string][]byte)}, nil
}

func (s *Store) Get(_ context.Context, collection, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if records, ok := s.collections[collection]; ok {
		if value, ok := records[key]; ok {
			out := make([]byte, len(value))
			copy(out, value)
			return out, nil
		}
	}
	return nil, core.ErrKeyNotFound
}

func (s *Store) Put(_ context.Context, collection, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, ok := s.collections[collection]
	if !ok {
		records = make(map[string][]byte)
		s.collections[collection] = records
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	records[key] = stored
	return nil
}

func (s *Store) Delete(_ context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if records, ok := s.collections[collection]; ok {
		delete(records, key)
	}
	return nil
}

func (s *Store) Keys(_ context.Context, collection string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.collections[collection]
	keys := make([]string, 0, len(records))
	for key := range records {
		keys = append(keys, key)
	}
	return keys, nil
}
