// Package store is the persistence boundary: a durable key -> record-blob
// gateway the broker writes its tables through. Backends only move opaque
// bytes; record layouts and their magic headers belong to the broker.
package store

import (
	"errors"
	"sync"
)

var ErrStoreClosed = errors.New("store: closed")

// Gateway is the durable key-value contract. Put is synchronous: when it
// returns nil the record survives a restart. Callers treat put failures as
// non-fatal (logged, state kept in memory); only failure to open a backend
// is fatal to the embedding application.
type Gateway interface {
	Get(key string) ([]byte, bool)
	Put(key string, val []byte) error
	Clear(key string)
}

// MemStore is the in-memory Gateway used by tests and by brokers that opt
// out of durability.
type MemStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (s *MemStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.data[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, true
}

func (s *MemStore) Put(key string, val []byte) error {
	cp := make([]byte, len(val))
	copy(cp, val)
	s.mu.Lock()
	s.data[key] = cp
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Clear(key string) {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
}
