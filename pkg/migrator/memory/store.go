// Package memory provides an in-memory TrackingStore for tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tachyonhq/tachyon/pkg/catalog"
	"github.com/tachyonhq/tachyon/pkg/migrator"
)

// ApplyFunc is called with each unit before it is recorded. Returning an
// error simulates a failed transaction: nothing is recorded.
type ApplyFunc func(unit catalog.Unit) error

// Store is a thread-safe in-memory tracking store.
type Store struct {
	mu           sync.RWMutex
	tableCreated bool
	records      map[string]migrator.Record
	executed     []string
	onApply      ApplyFunc
}

// New creates an empty store. The tracking table does not exist until
// EnsureTrackingTable is called or a record is seeded.
func New() *Store {
	return &Store{records: make(map[string]migrator.Record)}
}

// OnApply installs a hook run inside Apply.
func (s *Store) OnApply(fn ApplyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onApply = fn
}

// Seed inserts a record directly, as if it had been applied earlier.
func (s *Store) Seed(rec migrator.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tableCreated = true
	s.records[rec.Version] = rec
}

// TableCreated reports whether the tracking table exists.
func (s *Store) TableCreated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tableCreated
}

// Executed returns the versions whose content was executed successfully, in
// order.
func (s *Store) Executed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.executed))
	copy(out, s.executed)
	return out
}

// EnsureTrackingTable marks the tracking table as created.
func (s *Store) EnsureTrackingTable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tableCreated = true
	return nil
}

// ListApplied returns all records ordered by version.
func (s *Store) ListApplied(ctx context.Context) ([]migrator.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]migrator.Record, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return catalog.VersionLess(records[i].Version, records[j].Version)
	})
	return records, nil
}

// GetApplied returns the record for version.
func (s *Store) GetApplied(ctx context.Context, version string) (migrator.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[version]
	if !ok {
		return migrator.Record{}, migrator.ErrRecordNotFound
	}
	return rec, nil
}

// Apply runs the hook and records the unit. A hook error leaves the store
// unchanged.
func (s *Store) Apply(ctx context.Context, unit catalog.Unit, rec migrator.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.onApply != nil {
		if err := s.onApply(unit); err != nil {
			return err
		}
	}
	if _, exists := s.records[rec.Version]; exists {
		return migrator.ErrConcurrentApply
	}
	s.records[rec.Version] = rec
	s.executed = append(s.executed, unit.Version)
	return nil
}
