// Package memstore is the in-memory reference implementation of the session
// identity store (C3): a mutex-guarded map keyed by id, generalizing
// spec.md §9's "concurrent map for identity id -> record lock" guidance. It
// is the store used by the reconciliation and end-to-end test suites and the
// demo commands; Builder has no default store and requires one to be passed.
package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/coriolis-chat/pqsession/internal/identity"
	"github.com/coriolis-chat/pqsession/internal/store"
)

// Store is a concurrent-safe, in-memory IdentityStore.
type Store struct {
	mu   sync.RWMutex
	data map[uuid.UUID]identity.SessionIdentity
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{data: make(map[uuid.UUID]identity.SessionIdentity)}
}

func (s *Store) Create(_ context.Context, id identity.SessionIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[id.ID]; exists {
		return store.ErrDuplicateID
	}
	s.data[id.ID] = id
	return nil
}

func (s *Store) FetchAll(_ context.Context) ([]identity.SessionIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]identity.SessionIdentity, 0, len(s.data))
	for _, v := range s.data {
		out = append(out, v)
	}
	return out, nil
}

func (s *Store) Update(_ context.Context, id identity.SessionIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[id.ID]; !exists {
		return store.ErrNotFound
	}
	s.data[id.ID] = id
	return nil
}

func (s *Store) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.data, id)
	return nil
}
