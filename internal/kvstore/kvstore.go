// Package kvstore implements the key-value persistence capability of
// spec.md §6: string key to opaque JSON value, backed by in-memory or
// gorm (sqlite or postgres) storage. There is no cluster-config
// (Secret/ConfigMap) backend in this package. Grounded on the
// ensureSchema/gorm wiring shape of
// automation-service/internal/store/repo.go, generalized from that
// file's fixed workflow-table schema to a single generic key-value
// table.
package kvstore

import "sync"

// Store is the capability spec.md §6 "Key-value store" describes and
// that internal/rules/engine.ValueStore mirrors for scripts.
type Store interface {
	Set(key string, value []byte) error
	Get(key string) ([]byte, bool, error)
	Delete(key string) error
}

// MemoryStore is the in-memory backend (env grammar "inmemory").
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string][]byte{}}
}

func (s *MemoryStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[key] = cp
	return nil
}

func (s *MemoryStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
