// Package checkpoint provides checkpoint store implementations: an
// in-memory default and a Redis-backed store for durability across
// restarts.
package checkpoint

import (
	"context"
	"sync"

	"constitutional/internal/migration/models"
	"constitutional/internal/migration/ports"
)

// InMemoryStore keeps checkpoints in process memory. Suitable for tests
// and single-process deployments where resume-across-restart is not
// required.
type InMemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]models.Checkpoint
}

// NewInMemoryStore returns an empty in-memory checkpoint store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{checkpoints: make(map[string][]models.Checkpoint)}
}

// Append adds a checkpoint to the job's list.
func (s *InMemoryStore) Append(ctx context.Context, cp models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.JobID] = append(s.checkpoints[cp.JobID], cp)
	return nil
}

// Latest returns the most recent checkpoint for the job.
func (s *InMemoryStore) Latest(ctx context.Context, jobID string) (*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.checkpoints[jobID]
	if len(list) == 0 {
		return nil, ports.ErrNotFound
	}
	cp := list[len(list)-1]
	return &cp, nil
}

// List returns the job's checkpoints oldest first.
func (s *InMemoryStore) List(ctx context.Context, jobID string) ([]models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.checkpoints[jobID]
	out := make([]models.Checkpoint, len(list))
	copy(out, list)
	return out, nil
}

// Prune keeps only the newest keep checkpoints.
func (s *InMemoryStore) Prune(ctx context.Context, jobID string, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.checkpoints[jobID]
	if keep <= 0 || len(list) <= keep {
		return nil
	}
	trimmed := make([]models.Checkpoint, keep)
	copy(trimmed, list[len(list)-keep:])
	s.checkpoints[jobID] = trimmed
	return nil
}

// Clear removes all checkpoints for the job.
func (s *InMemoryStore) Clear(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, jobID)
	return nil
}
