// Package ports declares the storage and connector interfaces the migration
// engine depends on. Implementations live under store/ and connector/;
// services alias these types so callers never import ports directly.
package ports

import (
	"context"
	"errors"

	"constitutional/internal/migration/models"
)

// ErrNotFound is returned by stores when the requested entity is absent.
var ErrNotFound = errors.New("not found")

// SourceBatch is one page pulled from a source connector.
type SourceBatch struct {
	Records []models.Record
	// Cursor is an opaque resume token positioned after the last record
	// in the batch. Empty when the connector is purely offset-based.
	Cursor string
	// Exhausted is set when no further records exist past this batch.
	Exhausted bool
}

// SourceConnector pulls bounded batches from an external data provider.
// The wire format behind Fetch is the connector's concern; the engine only
// sees records and cursors. Implementations own per-call timeouts.
type SourceConnector interface {
	// Open prepares the connector and returns the total record count
	// when the source can report one, or -1 when unknown.
	Open(ctx context.Context, cfg models.SourceConfig) (total int, err error)

	// Fetch returns up to limit records starting at offset. cursor is
	// the resume token from the previous batch (or a checkpoint), empty
	// on a fresh start.
	Fetch(ctx context.Context, offset int, cursor string, limit int) (*SourceBatch, error)

	Close(ctx context.Context) error
}

// DestinationStore is the canonical store the engine writes into. Upsert
// must be idempotent: repeating a write with the same input yields the same
// destination state.
type DestinationStore interface {
	// Get returns the existing record for a match key, or ErrNotFound.
	Get(ctx context.Context, key string) (models.Record, error)

	Upsert(ctx context.Context, key string, record models.Record) error

	Delete(ctx context.Context, key string) error
}

// JobStore persists migration jobs. Callers follow single-writer-per-job
// discipline: only the owning orchestrator mutates a job.
type JobStore interface {
	Create(ctx context.Context, job *models.MigrationJob) error
	Get(ctx context.Context, id string) (*models.MigrationJob, error)
	List(ctx context.Context) ([]*models.MigrationJob, error)
	Update(ctx context.Context, job *models.MigrationJob) error
}

// CheckpointStore persists checkpoints, append-only per job.
type CheckpointStore interface {
	Append(ctx context.Context, cp models.Checkpoint) error

	// Latest returns the most recent checkpoint for a job, or
	// ErrNotFound when none exists.
	Latest(ctx context.Context, jobID string) (*models.Checkpoint, error)

	// List returns a job's checkpoints oldest first.
	List(ctx context.Context, jobID string) ([]models.Checkpoint, error)

	// Prune removes all but the newest keep checkpoints.
	Prune(ctx context.Context, jobID string, keep int) error

	Clear(ctx context.Context, jobID string) error
}

// DiffStore records applied destination writes for audit and rollback.
type DiffStore interface {
	Append(ctx context.Context, diff models.RecordDiff) error

	// List returns a job's diffs in application order.
	List(ctx context.Context, jobID string) ([]models.RecordDiff, error)

	Clear(ctx context.Context, jobID string) error
}

// EventPublisher emits job lifecycle events for downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event models.JobEvent) error
}
