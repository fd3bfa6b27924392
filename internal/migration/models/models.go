package models

import (
	"time"
)

// JobType identifies which family of civic dataset a job ingests.
type JobType string

const (
	JobTypeCongress JobType = "congress"
	JobTypeState    JobType = "state"
	JobTypeCensus   JobType = "census"
	JobTypeVoter    JobType = "voter"
	JobTypeCustom   JobType = "custom"
)

// ValidJobType reports whether t is a known job type.
func ValidJobType(t JobType) bool {
	switch t {
	case JobTypeCongress, JobTypeState, JobTypeCensus, JobTypeVoter, JobTypeCustom:
		return true
	}
	return false
}

// JobStatus enumerates the job lifecycle states.
//
// Transitions are restricted to:
//
//	pending → running
//	running → paused | completed | failed | cancelled
//	paused  → running | cancelled
//
// Everything else is rejected. Rollback does not introduce a new state; a
// rolled-back job ends up cancelled with a rollback annotation.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// transitions is the allowed state graph.
var transitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning: {JobStatusPaused, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusPaused:  {JobStatusRunning, JobStatusCancelled},
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status admits no further lifecycle transitions
// other than rollback.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Record is a single source or destination record. Connectors produce them,
// the transformer reshapes them, and the destination store persists them.
type Record = map[string]any

// Progress tracks counters for a running job. Processed never exceeds Total
// once Total is known.
type Progress struct {
	Total      int     `json:"total"`
	Processed  int     `json:"processed"`
	Succeeded  int     `json:"succeeded"`
	Failed     int     `json:"failed"`
	Percentage float64 `json:"percentage"`
}

// Recalculate updates the derived percentage from the counters.
func (p *Progress) Recalculate() {
	if p.Total <= 0 {
		p.Percentage = 0
		return
	}
	p.Percentage = float64(p.Processed) / float64(p.Total) * 100
}

// SourceConfig names a source connector and carries its opaque settings.
type SourceConfig struct {
	Type   string         `json:"type"`
	Name   string         `json:"name"`
	Config map[string]any `json:"config,omitempty"`
}

// DestinationConfig selects a destination store.
type DestinationConfig struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// FieldMapping is one declarative rule mapping a source path to a target
// path, optionally through a named transform. Evaluated per record.
type FieldMapping struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Transform string `json:"transform,omitempty"`
	Required  bool   `json:"required,omitempty"`
	Default   any    `json:"default,omitempty"`
}

// ConflictPolicy selects how reconciliation resolves conflicting fields.
type ConflictPolicy string

const (
	PolicySource      ConflictPolicy = "source"
	PolicyDestination ConflictPolicy = "destination"
	PolicyNewest      ConflictPolicy = "newest"
	PolicyMerge       ConflictPolicy = "merge"
	PolicyManual      ConflictPolicy = "manual"
)

// ReconcileSettings configures record matching and conflict resolution.
type ReconcileSettings struct {
	MatchFields        []string       `json:"matchFields"`
	ConflictResolution ConflictPolicy `json:"conflictResolution,omitempty"`
	// PreferSourceFields lists fields the merge policy takes from the
	// source even when the destination differs.
	PreferSourceFields []string `json:"preferSourceFields,omitempty"`
	// TimestampField is the updatedAt-like field compared by the newest
	// policy. Defaults to "updated_at".
	TimestampField string `json:"timestampField,omitempty"`
}

// MigrationOptions tunes the batch loop. Zero values fall back to defaults
// at job creation.
type MigrationOptions struct {
	BatchSize          int     `json:"batchSize,omitempty"`
	Concurrency        int     `json:"concurrency,omitempty"`
	RetryAttempts      int     `json:"retryAttempts,omitempty"`
	RetryDelayMS       int     `json:"retryDelay,omitempty"`
	RequestsPerSecond  float64 `json:"requestsPerSecond,omitempty"`
	ValidateBeforeLoad bool    `json:"validateBeforeLoad,omitempty"`
	SkipDuplicates     bool    `json:"skipDuplicates,omitempty"`
	DryRun             bool    `json:"dryRun,omitempty"`
	Checkpoint         bool    `json:"checkpoint,omitempty"`
	CheckpointInterval int     `json:"checkpointInterval,omitempty"`
}

// Option defaults applied at job creation.
const (
	DefaultBatchSize          = 100
	DefaultConcurrency        = 1
	DefaultRetryAttempts      = 3
	DefaultRetryDelayMS       = 1000
	DefaultCheckpointInterval = 1000
)

// ApplyDefaults fills zero-valued options in place.
func (o *MigrationOptions) ApplyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = DefaultRetryAttempts
	}
	if o.RetryDelayMS <= 0 {
		o.RetryDelayMS = DefaultRetryDelayMS
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = DefaultCheckpointInterval
	}
}

// RetryDelay returns the configured base delay as a duration.
func (o MigrationOptions) RetryDelay() time.Duration {
	return time.Duration(o.RetryDelayMS) * time.Millisecond
}

// MigrationConfig is the full declarative job configuration. Immutable once
// the job starts.
type MigrationConfig struct {
	Source      SourceConfig      `json:"source"`
	Destination DestinationConfig `json:"destination"`
	Mapping     []FieldMapping    `json:"mapping"`
	Options     MigrationOptions  `json:"options"`
	Reconcile   ReconcileSettings `json:"reconcile"`
	// SchemaName selects the named validation schema. Empty disables
	// schema validation even when ValidateBeforeLoad is set.
	SchemaName string `json:"schemaName,omitempty"`
	// PreserveUnmapped carries source fields not covered by any mapping
	// into the target under their original key.
	PreserveUnmapped bool `json:"preserveUnmapped,omitempty"`
	// StrictTransforms makes an unknown transform name fail the record
	// instead of passing the raw value through.
	StrictTransforms bool `json:"strictTransforms,omitempty"`
}

// Checkpoint is a durable marker of job progress. Append-only per job;
// offsets are monotonically non-decreasing.
type Checkpoint struct {
	ID        string            `json:"id"`
	JobID     string            `json:"jobId"`
	Offset    int               `json:"offset"`
	Cursor    string            `json:"cursor,omitempty"`
	State     map[string]string `json:"state,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// MigrationJob is the orchestrator-owned aggregate for one migration run.
type MigrationJob struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Type     JobType         `json:"type"`
	Status   JobStatus       `json:"status"`
	OwnerID  string          `json:"ownerId,omitempty"`
	Config   MigrationConfig `json:"config"`
	Progress Progress        `json:"progress"`
	// Errors is append-only; entries are never mutated after being
	// recorded.
	Errors []MigrationError `json:"errors,omitempty"`
	// PendingConflicts holds manual-policy conflicts awaiting review.
	PendingConflicts []ConflictRecord `json:"pendingConflicts,omitempty"`

	RolledBack   bool   `json:"rolledBack,omitempty"`
	RollbackNote string `json:"rollbackNote,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// ConflictRecord captures one reconciliation conflict for the run summary.
type ConflictRecord struct {
	SourceRecord      Record     `json:"sourceRecord"`
	DestinationRecord Record     `json:"destinationRecord"`
	ConflictingFields []string   `json:"conflictingFields"`
	Resolution        Resolution `json:"resolution"`
}

// Resolution records how a conflict was settled.
type Resolution string

const (
	ResolutionSource      Resolution = "source"
	ResolutionDestination Resolution = "destination"
	ResolutionMerged      Resolution = "merged"
	ResolutionSkipped     Resolution = "skipped"
)

// FieldDiff is one field-level change applied to the destination, with the
// prior value captured for rollback.
type FieldDiff struct {
	Field  string `json:"field"`
	Before any    `json:"before"`
	After  any    `json:"after"`
}

// RecordDiff is the audit trail for one applied destination write. Rollback
// replays these in reverse chronological order.
type RecordDiff struct {
	JobID    string      `json:"jobId"`
	MatchKey string      `json:"matchKey"`
	Inserted bool        `json:"inserted"`
	Fields   []FieldDiff `json:"fields,omitempty"`
	// Previous is the full destination record before the write, nil for
	// inserts.
	Previous  Record    `json:"previous,omitempty"`
	AppliedAt time.Time `json:"appliedAt"`
}
