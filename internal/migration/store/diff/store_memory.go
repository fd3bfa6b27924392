// Package diff stores the per-record write audit trail rollback replays.
package diff

import (
	"context"
	"sync"

	"constitutional/internal/migration/models"
)

// InMemoryStore keeps record diffs per job, in application order.
type InMemoryStore struct {
	mu    sync.RWMutex
	diffs map[string][]models.RecordDiff
}

// NewInMemoryStore returns an empty in-memory diff store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{diffs: make(map[string][]models.RecordDiff)}
}

// Append records one applied write.
func (s *InMemoryStore) Append(ctx context.Context, diff models.RecordDiff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diffs[diff.JobID] = append(s.diffs[diff.JobID], diff)
	return nil
}

// List returns a job's diffs in application order.
func (s *InMemoryStore) List(ctx context.Context, jobID string) ([]models.RecordDiff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.diffs[jobID]
	out := make([]models.RecordDiff, len(list))
	copy(out, list)
	return out, nil
}

// Clear drops a job's diffs, typically after a completed rollback.
func (s *InMemoryStore) Clear(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.diffs, jobID)
	return nil
}
