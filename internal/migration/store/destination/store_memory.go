// Package destination provides canonical-store implementations the engine
// writes migrated records into: an in-memory default and a PostgreSQL
// JSONB store.
package destination

import (
	"context"
	"sync"

	"constitutional/internal/migration/models"
	"constitutional/internal/migration/ports"
)

// InMemoryStore is a map-backed destination keyed by match key. Upserts
// are idempotent by construction: writing the same record twice leaves the
// same state.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.Record
}

// NewInMemoryStore returns an empty in-memory destination.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]models.Record)}
}

// Get returns the record stored under key, or ErrNotFound.
func (s *InMemoryStore) Get(ctx context.Context, key string) (models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[key]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return cloneRecord(record), nil
}

// Upsert writes the record under key, replacing any existing record.
func (s *InMemoryStore) Upsert(ctx context.Context, key string, record models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = cloneRecord(record)
	return nil
}

// Delete removes the record under key. Deleting an absent key is a no-op.
func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Len reports the number of stored records.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func cloneRecord(record models.Record) models.Record {
	out := make(models.Record, len(record))
	for k, v := range record {
		out[k] = v
	}
	return out
}
