package tokencache

import (
	"context"
	"sync"
)

type memoryKey struct {
	subject  string
	provider string
}

// MemoryStore is an in-process Store for single-instance deployments and
// tests.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[memoryKey]Item
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[memoryKey]Item)}
}

// Save writes the record, overwriting any existing one for the same key.
func (s *MemoryStore) Save(_ context.Context, item *Item) error {
	if err := item.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.items[memoryKey{item.ReferringSubject, item.AuthProvider}] = *item
	s.mu.Unlock()
	return nil
}

// Get returns the record for the key, or nil when none exists.
func (s *MemoryStore) Get(_ context.Context, subject, provider string) (*Item, error) {
	s.mu.RLock()
	item, ok := s.items[memoryKey{subject, provider}]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	// Return a copy so callers cannot mutate the stored record.
	return &item, nil
}

// Delete removes the record for the key. Deleting a missing record is a no-op.
func (s *MemoryStore) Delete(_ context.Context, subject, provider string) error {
	s.mu.Lock()
	delete(s.items, memoryKey{subject, provider})
	s.mu.Unlock()
	return nil
}

// Ping always succeeds for the in-process store.
func (*MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op for the in-process store.
func (*MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
