package manifest

import (
	"context"
	"fmt"
	"sync"
)

type memoryEntry struct {
	manifest *Manifest
	revision int64
}

// MemoryStore is an in-process Store. Documents are cloned on the way in and
// out so callers cannot mutate stored state.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[m.Version]; ok {
		return fmt.Errorf("%w: %s", ErrVersionExists, m.Version)
	}
	s.entries[m.Version] = memoryEntry{manifest: m.Clone(), revision: 1}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, version string) (*Manifest, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[version]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, version)
	}
	return e.manifest.Clone(), e.revision, nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, m *Manifest, expectedRevision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[m.Version]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, m.Version)
	}
	if e.revision != expectedRevision {
		return fmt.Errorf("%w: %s at revision %d, expected %d", ErrConflict, m.Version, e.revision, expectedRevision)
	}
	s.entries[m.Version] = memoryEntry{manifest: m.Clone(), revision: expectedRevision + 1}
	return nil
}

// List implements Store.
func (s *MemoryStore) List(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := make([]string, 0, len(s.entries))
	for v := range s.entries {
		versions = append(versions, v)
	}
	return versions, nil
}
