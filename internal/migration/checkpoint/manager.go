// Package checkpoint persists resumable progress markers for migration
// jobs on top of a pluggable store.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"constitutional/internal/migration/models"
	"constitutional/internal/migration/ports"
)

// Store is the persistence interface the manager wraps.
type Store = ports.CheckpointStore

const (
	// DefaultInterval is how many processed records elapse between
	// checkpoints.
	DefaultInterval = 1000
	// DefaultRetain bounds stored checkpoints per job.
	DefaultRetain = 5
)

// Manager coordinates checkpoint writes for jobs. Offsets per job are
// monotonically non-decreasing; the orchestrator serializes Save calls per
// job (single writer), and the manager rejects regressions outright.
type Manager struct {
	store    Store
	interval int
	retain   int
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithInterval overrides the checkpoint interval in records.
func WithInterval(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.interval = n
		}
	}
}

// WithRetention overrides how many checkpoints are kept per job.
func WithRetention(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.retain = n
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager builds a Manager over the given store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		interval: DefaultInterval,
		retain:   DefaultRetain,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ShouldCheckpoint reports whether advancing from prev to offset crossed
// an interval boundary. Batch sizes need not align with the interval, so
// the check compares boundary counts rather than exact multiples. An
// interval <= 0 falls back to the manager default. The orchestrator
// additionally checkpoints at pause and at job completion regardless.
func (m *Manager) ShouldCheckpoint(prev, offset, interval int) bool {
	if interval <= 0 {
		interval = m.interval
	}
	return offset/interval > prev/interval
}

// Save appends a checkpoint for the job and prunes old ones per retention.
// Offsets below the latest stored offset are rejected.
func (m *Manager) Save(ctx context.Context, jobID string, offset int, cursor string, state map[string]string) (*models.Checkpoint, error) {
	latest, err := m.store.Latest(ctx, jobID)
	if err != nil && !errors.Is(err, ports.ErrNotFound) {
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}
	if latest != nil && offset < latest.Offset {
		return nil, fmt.Errorf("checkpoint offset %d regresses below %d", offset, latest.Offset)
	}

	cp := models.Checkpoint{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Offset:    offset,
		Cursor:    cursor,
		State:     state,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Append(ctx, cp); err != nil {
		return nil, fmt.Errorf("append checkpoint: %w", err)
	}
	if err := m.store.Prune(ctx, jobID, m.retain); err != nil {
		// Retention is best-effort; the checkpoint itself landed.
		if m.logger != nil {
			m.logger.WarnContext(ctx, "checkpoint prune failed",
				"job_id", jobID, "error", err)
		}
	}
	if m.logger != nil {
		m.logger.DebugContext(ctx, "checkpoint saved",
			"job_id", jobID, "offset", offset)
	}
	return &cp, nil
}

// ResumePoint returns the latest checkpoint for a job, or nil when the job
// has none (fresh start).
func (m *Manager) ResumePoint(ctx context.Context, jobID string) (*models.Checkpoint, error) {
	cp, err := m.store.Latest(ctx, jobID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load resume point: %w", err)
	}
	return cp, nil
}

// CleanupOld prunes a job's checkpoints down to the retention limit.
func (m *Manager) CleanupOld(ctx context.Context, jobID string) error {
	return m.store.Prune(ctx, jobID, m.retain)
}

// Clear removes all checkpoints for a job. Invoked on successful rollback
// or explicit reset.
func (m *Manager) Clear(ctx context.Context, jobID string) error {
	return m.store.Clear(ctx, jobID)
}
