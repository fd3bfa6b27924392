// Package job provides migration job repositories: an in-memory default
// and a PostgreSQL implementation for durable job state.
package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"constitutional/internal/migration/models"
	"constitutional/internal/migration/ports"
)

// InMemoryStore keeps jobs in process memory. Jobs are deep-copied on the
// way in and out so callers cannot mutate stored state outside Update.
type InMemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.MigrationJob
}

// NewInMemoryStore returns an empty in-memory job store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{jobs: make(map[string]*models.MigrationJob)}
}

// Create stores a new job. The ID must be unused.
func (s *InMemoryStore) Create(ctx context.Context, job *models.MigrationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	copied, err := copyJob(job)
	if err != nil {
		return err
	}
	s.jobs[job.ID] = copied
	return nil
}

// Get returns a copy of the job, or ErrNotFound.
func (s *InMemoryStore) Get(ctx context.Context, id string) (*models.MigrationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return copyJob(job)
}

// List returns all jobs, newest first.
func (s *InMemoryStore) List(ctx context.Context) ([]*models.MigrationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.MigrationJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		copied, err := copyJob(job)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Update replaces the stored job.
func (s *InMemoryStore) Update(ctx context.Context, job *models.MigrationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ports.ErrNotFound
	}
	copied, err := copyJob(job)
	if err != nil {
		return err
	}
	s.jobs[job.ID] = copied
	return nil
}

// copyJob deep-copies via JSON; job aggregates are plain data so the
// round-trip is lossless enough for isolation purposes.
func copyJob(job *models.MigrationJob) (*models.MigrationJob, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("copy job: %w", err)
	}
	var out models.MigrationJob
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("copy job: %w", err)
	}
	return &out, nil
}
