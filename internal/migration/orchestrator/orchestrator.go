// Package orchestrator drives the migration job lifecycle: the batch loop,
// cooperative pause/cancel, resumable checkpoints, and rollback.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"constitutional/internal/migration/checkpoint"
	"constitutional/internal/migration/connector"
	"constitutional/internal/migration/metrics"
	"constitutional/internal/migration/models"
	"constitutional/internal/migration/ports"
	"constitutional/internal/migration/rollback"
	"constitutional/internal/migration/transform"
	"constitutional/internal/migration/validate"
	"constitutional/pkg/requestcontext"
)

// Service-level sentinel errors, mapped to HTTP statuses by the handler.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrInvalidJob        = errors.New("invalid job definition")
)

// maxConsecutiveFailedBatches is the job-level failure threshold: this many
// wholly-failed batches in a row fails the job rather than its records.
const maxConsecutiveFailedBatches = 3

// Orchestrator owns every migration job in the process. One instance is
// wired in main and passed to the HTTP handler; jobs are mutated only
// through its lifecycle methods (single writer per job).
type Orchestrator struct {
	jobs        ports.JobStore
	checkpoints *checkpoint.Manager
	diffs       ports.DiffStore
	destination ports.DestinationStore
	connectors  *connector.Registry
	validator   *validate.Validator
	transforms  *transform.Registry
	rollbacks   *rollback.Manager
	publisher   ports.EventPublisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	tracer      trace.Tracer
	defaultRPS  float64

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	running map[string]*runState
}

// runState carries the cooperative control flags for one active run.
// Flags are checked at batch boundaries only; in-flight batch work always
// completes before a transition takes effect.
type runState struct {
	mu     sync.Mutex
	pause  bool
	cancel bool
	done   chan struct{}
}

func (s *runState) requestPause()  { s.mu.Lock(); s.pause = true; s.mu.Unlock() }
func (s *runState) requestCancel() { s.mu.Lock(); s.cancel = true; s.mu.Unlock() }

func (s *runState) flags() (pause, cancel bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pause, s.cancel
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithEventPublisher attaches a lifecycle event publisher.
func WithEventPublisher(p ports.EventPublisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithTransformRegistry supplies caller-registered custom transforms.
func WithTransformRegistry(r *transform.Registry) Option {
	return func(o *Orchestrator) { o.transforms = r }
}

// WithSourceRateLimit sets the process-wide source call rate applied to
// jobs that do not set requestsPerSecond themselves. Zero leaves those
// jobs unthrottled.
func WithSourceRateLimit(rps float64) Option {
	return func(o *Orchestrator) { o.defaultRPS = rps }
}

// New builds an Orchestrator. All stores are required.
func New(
	jobs ports.JobStore,
	checkpoints *checkpoint.Manager,
	diffs ports.DiffStore,
	destination ports.DestinationStore,
	connectors *connector.Registry,
	validator *validate.Validator,
	opts ...Option,
) (*Orchestrator, error) {
	if jobs == nil {
		return nil, errors.New("job store is required")
	}
	if checkpoints == nil {
		return nil, errors.New("checkpoint manager is required")
	}
	if diffs == nil {
		return nil, errors.New("diff store is required")
	}
	if destination == nil {
		return nil, errors.New("destination store is required")
	}
	if connectors == nil {
		return nil, errors.New("connector registry is required")
	}
	if validator == nil {
		return nil, errors.New("validator is required")
	}

	baseCtx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		jobs:        jobs,
		checkpoints: checkpoints,
		diffs:       diffs,
		destination: destination,
		connectors:  connectors,
		validator:   validator,
		tracer:      otel.Tracer("constitutional/migration"),
		baseCtx:     baseCtx,
		stop:        stop,
		running:     make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.rollbacks = rollback.NewManager(diffs, destination, checkpoints,
		rollback.WithLogger(o.logger))
	return o, nil
}

// Validator exposes the schema validator for the validation endpoints.
func (o *Orchestrator) Validator() *validate.Validator {
	return o.validator
}

// Close requests cancellation of all active runs and waits for their batch
// loops to exit.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	states := make([]*runState, 0, len(o.running))
	for _, state := range o.running {
		state.requestCancel()
		states = append(states, state)
	}
	o.mu.Unlock()
	o.stop()
	for _, state := range states {
		<-state.done
	}
}

// CreateParams is the caller-facing job definition.
type CreateParams struct {
	Name   string
	Type   models.JobType
	Config models.MigrationConfig
}

// CreateJob registers a new pending job. Config defaults are applied here;
// the config is immutable once the job starts.
func (o *Orchestrator) CreateJob(ctx context.Context, params CreateParams) (*models.MigrationJob, error) {
	if params.Name == "" {
		return nil, fmt.Errorf("%w: job name is required", ErrInvalidJob)
	}
	if !models.ValidJobType(params.Type) {
		return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidJob, params.Type)
	}
	if params.Config.Source.Type == "" {
		return nil, fmt.Errorf("%w: source type is required", ErrInvalidJob)
	}
	if len(params.Config.Mapping) == 0 {
		return nil, fmt.Errorf("%w: at least one field mapping is required", ErrInvalidJob)
	}
	if len(params.Config.Reconcile.MatchFields) == 0 {
		return nil, fmt.Errorf("%w: at least one match field is required", ErrInvalidJob)
	}
	params.Config.Options.ApplyDefaults()
	if params.Config.Options.RequestsPerSecond <= 0 {
		params.Config.Options.RequestsPerSecond = o.defaultRPS
	}

	now := time.Now().UTC()
	job := &models.MigrationJob{
		ID:        uuid.NewString(),
		Name:      params.Name,
		Type:      params.Type,
		Status:    models.JobStatusPending,
		OwnerID:   requestcontext.UserID(ctx),
		Config:    params.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if o.metrics != nil {
		o.metrics.JobsByStatus.WithLabelValues(string(job.Status)).Inc()
	}
	o.publish(ctx, job, models.EventJobCreated)
	o.logf(ctx, "job created", "job_id", job.ID, "name", job.Name, "type", job.Type)
	return job, nil
}

// GetJob returns one job by ID.
func (o *Orchestrator) GetJob(ctx context.Context, id string) (*models.MigrationJob, error) {
	job, err := o.jobs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListJobs returns all jobs, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context) ([]*models.MigrationJob, error) {
	return o.jobs.List(ctx)
}

// StartJob begins (or resumes) the batch loop for a job. resume restarts
// from the latest checkpoint; otherwise the job runs from offset 0.
func (o *Orchestrator) StartJob(ctx context.Context, id string, resume bool) (*models.MigrationJob, error) {
	job, err := o.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	event := models.EventJobStarted
	if job.Status == models.JobStatusPaused {
		event = models.EventJobResumed
		resume = true
	}
	if !models.CanTransition(job.Status, models.JobStatusRunning) {
		return nil, fmt.Errorf("%w: %s -> running", ErrInvalidTransition, job.Status)
	}

	o.mu.Lock()
	if _, active := o.running[id]; active {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: job %s already running", ErrInvalidTransition, id)
	}
	state := &runState{done: make(chan struct{})}
	o.running[id] = state
	o.mu.Unlock()

	if err := o.transition(ctx, job, models.JobStatusRunning, event); err != nil {
		o.clearRunState(id, state)
		return nil, err
	}

	go o.runJob(job, state, resume)
	return job, nil
}

// PauseJob requests a cooperative pause. The in-flight batch completes
// first; the status flips to paused at the next batch boundary.
func (o *Orchestrator) PauseJob(ctx context.Context, id string) (*models.MigrationJob, error) {
	job, err := o.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusRunning {
		return nil, fmt.Errorf("%w: %s -> paused", ErrInvalidTransition, job.Status)
	}
	o.mu.Lock()
	state, active := o.running[id]
	o.mu.Unlock()
	if !active {
		return nil, fmt.Errorf("%w: job %s has no active run", ErrInvalidTransition, id)
	}
	state.requestPause()
	return job, nil
}

// CancelJob cancels a job. Active runs stop cooperatively at the next
// batch boundary; pending and paused jobs cancel immediately.
func (o *Orchestrator) CancelJob(ctx context.Context, id string) (*models.MigrationJob, error) {
	job, err := o.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	state, active := o.running[id]
	o.mu.Unlock()
	if active {
		state.requestCancel()
		return job, nil
	}

	if !models.CanTransition(job.Status, models.JobStatusCancelled) {
		return nil, fmt.Errorf("%w: %s -> cancelled", ErrInvalidTransition, job.Status)
	}
	if err := o.transition(ctx, job, models.JobStatusCancelled, models.EventJobCancelled); err != nil {
		return nil, err
	}
	return job, nil
}

// RollbackJob reverses a finished job's writes. Valid only from completed,
// failed, or cancelled, and only once per job.
func (o *Orchestrator) RollbackJob(ctx context.Context, id string) (*models.MigrationJob, error) {
	job, err := o.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		return nil, fmt.Errorf("%w: rollback from %s", ErrInvalidTransition, job.Status)
	}
	if job.RolledBack {
		return nil, fmt.Errorf("%w: job already rolled back", ErrInvalidTransition)
	}

	reversed, err := o.rollbacks.Rollback(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("rollback job %s: %w", id, err)
	}

	job.RolledBack = true
	job.RollbackNote = fmt.Sprintf("rolled back %d writes at %s",
		reversed, time.Now().UTC().Format(time.RFC3339))
	if job.Status != models.JobStatusCancelled {
		o.setStatus(job, models.JobStatusCancelled)
	}
	job.UpdatedAt = time.Now().UTC()
	if err := o.jobs.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("persist rollback: %w", err)
	}
	if o.metrics != nil {
		o.metrics.RollbacksTotal.Inc()
	}
	o.publish(ctx, job, models.EventJobRolledBack)
	return job, nil
}

// Wait blocks until the job's current run loop exits. Primarily for tests
// and graceful shutdown; returns immediately when the job is not running.
func (o *Orchestrator) Wait(id string) {
	o.mu.Lock()
	state, active := o.running[id]
	o.mu.Unlock()
	if active {
		<-state.done
	}
}

// transition validates and applies a status change, persists it, and
// publishes the matching lifecycle event.
func (o *Orchestrator) transition(ctx context.Context, job *models.MigrationJob, to models.JobStatus, event models.JobEventType) error {
	if !models.CanTransition(job.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
	}
	o.setStatus(job, to)
	now := time.Now().UTC()
	job.UpdatedAt = now
	switch to {
	case models.JobStatusRunning:
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
	case models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled:
		job.CompletedAt = &now
	}
	if err := o.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("persist transition to %s: %w", to, err)
	}
	o.publish(ctx, job, event)
	o.logf(ctx, "job transition", "job_id", job.ID, "status", to)
	return nil
}

// setStatus updates the status and keeps the by-status gauge in sync.
func (o *Orchestrator) setStatus(job *models.MigrationJob, to models.JobStatus) {
	if o.metrics != nil {
		o.metrics.JobsByStatus.WithLabelValues(string(job.Status)).Dec()
		o.metrics.JobsByStatus.WithLabelValues(string(to)).Inc()
	}
	job.Status = to
}

func (o *Orchestrator) clearRunState(id string, state *runState) {
	o.mu.Lock()
	if o.running[id] == state {
		delete(o.running, id)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) publish(ctx context.Context, job *models.MigrationJob, event models.JobEventType) {
	if o.publisher == nil {
		return
	}
	err := o.publisher.Publish(ctx, models.JobEvent{
		JobID:     job.ID,
		Type:      event,
		Status:    job.Status,
		Progress:  job.Progress,
		Timestamp: time.Now().UTC(),
	})
	if err != nil && o.logger != nil {
		o.logger.WarnContext(ctx, "event publish failed",
			"job_id", job.ID, "event", event, "error", err)
	}
}

func (o *Orchestrator) logf(ctx context.Context, msg string, args ...any) {
	if o.logger != nil {
		o.logger.InfoContext(ctx, msg, args...)
	}
}
