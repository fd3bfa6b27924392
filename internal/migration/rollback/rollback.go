// Package rollback undoes a job's applied destination writes using the
// diffs recorded during reconciliation.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"constitutional/internal/migration/checkpoint"
	"constitutional/internal/migration/models"
	"constitutional/internal/migration/ports"
)

// ErrAlreadyRolledBack guards the one-rollback-per-job invariant.
var ErrAlreadyRolledBack = errors.New("job already rolled back")

// Manager reverses a job's writes in reverse chronological order,
// restoring the prior destination values captured at reconciliation time.
type Manager struct {
	diffs       ports.DiffStore
	destination ports.DestinationStore
	checkpoints *checkpoint.Manager
	logger      *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager builds a rollback manager.
func NewManager(diffs ports.DiffStore, destination ports.DestinationStore, checkpoints *checkpoint.Manager, opts ...Option) *Manager {
	m := &Manager{diffs: diffs, destination: destination, checkpoints: checkpoints}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Rollback undoes every write the job applied. Inserts are deleted and
// updates restored to their prior records. On success the job's diffs and
// checkpoints are cleared; the caller transitions the job itself.
// Returns the number of writes reversed.
func (m *Manager) Rollback(ctx context.Context, job *models.MigrationJob) (int, error) {
	if job.RolledBack {
		return 0, ErrAlreadyRolledBack
	}

	diffs, err := m.diffs.List(ctx, job.ID)
	if err != nil {
		return 0, fmt.Errorf("list diffs for job %s: %w", job.ID, err)
	}

	reversed := 0
	for i := len(diffs) - 1; i >= 0; i-- {
		d := diffs[i]
		if d.Inserted {
			if err := m.destination.Delete(ctx, d.MatchKey); err != nil {
				return reversed, fmt.Errorf("delete inserted record %s: %w", d.MatchKey, err)
			}
		} else {
			if err := m.destination.Upsert(ctx, d.MatchKey, d.Previous); err != nil {
				return reversed, fmt.Errorf("restore record %s: %w", d.MatchKey, err)
			}
		}
		reversed++
		if m.logger != nil {
			m.logger.DebugContext(ctx, "reversed write",
				"job_id", job.ID, "match_key", d.MatchKey, "inserted", d.Inserted)
		}
	}

	if err := m.diffs.Clear(ctx, job.ID); err != nil {
		return reversed, fmt.Errorf("clear diffs for job %s: %w", job.ID, err)
	}
	if err := m.checkpoints.Clear(ctx, job.ID); err != nil {
		return reversed, fmt.Errorf("clear checkpoints for job %s: %w", job.ID, err)
	}

	if m.logger != nil {
		m.logger.InfoContext(ctx, "rollback complete",
			"job_id", job.ID, "writes_reversed", reversed)
	}
	return reversed, nil
}
