package stores

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Scoper. It honors the same atomicity contract
// as the SQLite store (one mutex per scope serializes Update calls) and is
// the storage used by tests and demo mode.
type MemoryStore struct {
	mu     sync.Mutex
	scopes map[string]*memoryScope
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scopes: make(map[string]*memoryScope)}
}

// Scope implements Scoper.
func (m *MemoryStore) Scope(name string) Storage {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scopes[name]
	if !ok {
		s = &memoryScope{data: make(map[string][]byte)}
		m.scopes[name] = s
	}
	return s
}

type memoryScope struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (s *memoryScope) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *memoryScope) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	s.data[key] = v
	return nil
}

func (s *memoryScope) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memoryScope) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memoryScope) Update(_ context.Context, fn func(r Region) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	region := make(Region, len(s.data))
	for k, v := range s.data {
		c := make([]byte, len(v))
		copy(c, v)
		region[k] = c
	}

	if err := fn(region); err != nil {
		return err
	}

	s.data = make(map[string][]byte, len(region))
	for k, v := range region {
		c := make([]byte, len(v))
		copy(c, v)
		s.data[k] = c
	}
	return nil
}
