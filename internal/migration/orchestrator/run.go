package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"constitutional/internal/migration/models"
	"constitutional/internal/migration/ports"
	"constitutional/internal/migration/reconcile"
	"constitutional/internal/migration/retry"
	"constitutional/internal/migration/transform"
)

// pipeline bundles the per-run components built from a job's immutable
// config.
type pipeline struct {
	connector   ports.SourceConnector
	transformer *transform.Transformer
	reconciler  *reconcile.Reconciler
	policy      retry.Policy
	limiter     *retry.Limiter
}

func (o *Orchestrator) buildPipeline(job *models.MigrationJob) (*pipeline, error) {
	conn, err := o.connectors.New(job.Config.Source.Type)
	if err != nil {
		return nil, models.WrapError(models.ErrorConnection, err)
	}

	var transformOpts []transform.Option
	if job.Config.StrictTransforms {
		transformOpts = append(transformOpts, transform.WithStrictTransforms())
	}
	if job.Config.PreserveUnmapped {
		transformOpts = append(transformOpts, transform.WithPreserveUnmapped())
	}

	opts := job.Config.Options
	return &pipeline{
		connector:   conn,
		transformer: transform.New(job.Config.Mapping, o.transforms, transformOpts...),
		reconciler:  reconcile.New(job.Config.Reconcile),
		policy:      retry.NewPolicy(opts.RetryAttempts, opts.RetryDelay()),
		limiter:     retry.NewLimiter(opts.RequestsPerSecond),
	}, nil
}

// runJob is the batch loop. It owns the job aggregate for the duration of
// the run; nothing else mutates the job while a run is active.
func (o *Orchestrator) runJob(job *models.MigrationJob, state *runState, resume bool) {
	defer close(state.done)
	defer o.clearRunState(job.ID, state)

	ctx, span := o.tracer.Start(o.baseCtx, "migration.run",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.type", string(job.Type)),
		))
	defer span.End()

	pipe, err := o.buildPipeline(job)
	if err != nil {
		o.failJob(ctx, job, err)
		return
	}
	defer func() {
		if cerr := pipe.connector.Close(context.WithoutCancel(ctx)); cerr != nil {
			o.logf(ctx, "connector close failed", "job_id", job.ID, "error", cerr)
		}
	}()

	var total int
	err = pipe.policy.Do(ctx, func() error {
		if werr := pipe.limiter.Wait(ctx); werr != nil {
			return werr
		}
		var oerr error
		total, oerr = pipe.connector.Open(ctx, job.Config.Source)
		return oerr
	})
	if err != nil {
		o.failJob(ctx, job, models.WrapError(models.ErrorConnection, err))
		return
	}

	offset := 0
	cursor := ""
	opts := job.Config.Options
	if resume && opts.Checkpoint {
		cp, cperr := o.checkpoints.ResumePoint(ctx, job.ID)
		if cperr != nil {
			o.failJob(ctx, job, models.WrapError(models.ErrorUnknown, cperr))
			return
		}
		if cp != nil {
			offset = cp.Offset
			cursor = cp.Cursor
		}
	}
	if offset == 0 {
		// Fresh start: counters reflect this run only.
		job.Progress = models.Progress{}
	}
	if total >= 0 {
		job.Progress.Total = total
	}
	job.Progress.Recalculate()
	if err := o.jobs.Update(ctx, job); err != nil {
		o.logf(ctx, "persist progress failed", "job_id", job.ID, "error", err)
	}

	lastCheckpoint := offset
	consecutiveFailed := 0

	for {
		pause, cancelled := state.flags()
		if cancelled || o.baseCtx.Err() != nil {
			if err := o.transition(ctx, job, models.JobStatusCancelled, models.EventJobCancelled); err != nil {
				o.logf(ctx, "cancel transition failed", "job_id", job.ID, "error", err)
			}
			return
		}
		if pause {
			// Checkpoint at the pause boundary so resume skips
			// everything this run already committed.
			if opts.Checkpoint {
				o.saveCheckpoint(ctx, job, offset, cursor)
			}
			if err := o.transition(ctx, job, models.JobStatusPaused, models.EventJobPaused); err != nil {
				o.logf(ctx, "pause transition failed", "job_id", job.ID, "error", err)
			}
			return
		}

		var batch *ports.SourceBatch
		err := pipe.policy.Do(ctx, func() error {
			if werr := pipe.limiter.Wait(ctx); werr != nil {
				return werr
			}
			var ferr error
			batch, ferr = pipe.connector.Fetch(ctx, offset, cursor, opts.BatchSize)
			return ferr
		})
		if err != nil {
			o.recordError(job, "", err)
			if uerr := o.jobs.Update(ctx, job); uerr != nil {
				o.logf(ctx, "persist error failed", "job_id", job.ID, "error", uerr)
			}
			consecutiveFailed++
			if consecutiveFailed >= maxConsecutiveFailedBatches {
				o.failJob(ctx, job, models.Errorf(models.ErrorConnection,
					"%d consecutive batches failed, last: %v", consecutiveFailed, err))
				return
			}
			continue
		}

		if len(batch.Records) > 0 {
			start := time.Now()
			result := o.processBatch(ctx, job, pipe, batch.Records)
			if o.metrics != nil {
				o.metrics.BatchDuration.Observe(time.Since(start).Seconds())
			}

			offset += len(batch.Records)
			cursor = batch.Cursor

			job.Progress.Processed += len(batch.Records)
			job.Progress.Succeeded += result.succeeded
			job.Progress.Failed += result.failed
			if job.Progress.Total > 0 && job.Progress.Processed > job.Progress.Total {
				job.Progress.Total = job.Progress.Processed
			}
			job.Progress.Recalculate()
			job.Errors = append(job.Errors, result.errors...)
			job.PendingConflicts = append(job.PendingConflicts, result.conflicts...)
			job.UpdatedAt = time.Now().UTC()
			if err := o.jobs.Update(ctx, job); err != nil {
				o.logf(ctx, "persist progress failed", "job_id", job.ID, "error", err)
			}

			if result.failed == len(batch.Records) {
				consecutiveFailed++
				if consecutiveFailed >= maxConsecutiveFailedBatches {
					o.failJob(ctx, job, models.Errorf(models.ErrorConnection,
						"%d consecutive batches failed entirely", consecutiveFailed))
					return
				}
			} else {
				consecutiveFailed = 0
			}

			// Checkpoint writes are serialized here, after the
			// batch's workers have joined, preserving monotonic
			// offsets.
			if opts.Checkpoint && o.checkpoints.ShouldCheckpoint(lastCheckpoint, offset, opts.CheckpointInterval) {
				o.saveCheckpoint(ctx, job, offset, cursor)
				lastCheckpoint = offset
			}
		}

		if batch.Exhausted {
			break
		}
	}

	if opts.Checkpoint {
		o.saveCheckpoint(ctx, job, offset, cursor)
	}
	if job.Progress.Total <= 0 {
		job.Progress.Total = job.Progress.Processed
		job.Progress.Recalculate()
	}
	if err := o.transition(ctx, job, models.JobStatusCompleted, models.EventJobCompleted); err != nil {
		o.logf(ctx, "complete transition failed", "job_id", job.ID, "error", err)
	}
}

// batchResult aggregates one batch's per-record outcomes.
type batchResult struct {
	succeeded int
	failed    int
	errors    []models.MigrationError
	conflicts []models.ConflictRecord
}

// processBatch runs transform/validate/reconcile/load for each record with
// bounded parallelism. Per-record failures are isolated: they are recorded
// and the batch continues.
func (o *Orchestrator) processBatch(ctx context.Context, job *models.MigrationJob, pipe *pipeline, records []models.Record) *batchResult {
	result := &batchResult{}
	var mu sync.Mutex

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(job.Config.Options.Concurrency)

	for _, record := range records {
		group.Go(func() error {
			outcome, err := o.processRecord(gctx, job, pipe, record)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.failed++
				result.errors = append(result.errors, o.newMigrationError(job, record, err))
				if o.metrics != nil {
					o.metrics.RecordsFailed.Inc()
				}
				return nil
			}
			if outcome != nil && outcome.Skipped {
				result.conflicts = append(result.conflicts, *outcome.Conflict)
				if o.metrics != nil {
					o.metrics.ObserveConflict(string(models.ResolutionSkipped))
				}
				return nil
			}
			result.succeeded++
			if o.metrics != nil {
				o.metrics.RecordsSucceeded.Inc()
			}
			return nil
		})
	}
	// Workers never return errors; failures are recorded per record.
	_ = group.Wait()
	if o.metrics != nil {
		o.metrics.RecordsProcessed.Add(float64(len(records)))
	}
	return result
}

// processRecord pushes one record through the pipeline. The returned
// outcome is non-nil only for manual-policy skips.
func (o *Orchestrator) processRecord(ctx context.Context, job *models.MigrationJob, pipe *pipeline, record models.Record) (*reconcile.Outcome, error) {
	transformed, err := pipe.transformer.Apply(record)
	if err != nil {
		return nil, err
	}

	opts := job.Config.Options
	if opts.ValidateBeforeLoad && job.Config.SchemaName != "" {
		if v := o.validator.Validate(job.Config.SchemaName, transformed); !v.Valid {
			first := v.Errors[0]
			return nil, models.Errorf(models.ErrorValidation,
				"record failed %s schema: field %q %s", job.Config.SchemaName, first.Field, first.Message)
		}
	}

	key, err := pipe.reconciler.MatchKey(transformed)
	if err != nil {
		return nil, models.WrapError(models.ErrorValidation, err)
	}

	var existing models.Record
	err = pipe.policy.Do(ctx, func() error {
		if werr := pipe.limiter.Wait(ctx); werr != nil {
			return werr
		}
		rec, gerr := o.destination.Get(ctx, key)
		if gerr != nil {
			if errors.Is(gerr, ports.ErrNotFound) {
				return nil
			}
			return models.WrapError(models.ErrorLoad, gerr)
		}
		existing = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	if opts.SkipDuplicates && existing != nil {
		return nil, nil
	}

	outcome := pipe.reconciler.Reconcile(transformed, existing)
	if outcome.Skipped {
		return &outcome, nil
	}
	if outcome.Conflict != nil && o.metrics != nil {
		o.metrics.ObserveConflict(string(outcome.Conflict.Resolution))
	}
	if outcome.NoOp || outcome.Resolved == nil {
		return nil, nil
	}
	if opts.DryRun {
		return nil, nil
	}

	err = pipe.policy.Do(ctx, func() error {
		if werr := pipe.limiter.Wait(ctx); werr != nil {
			return werr
		}
		if uerr := o.destination.Upsert(ctx, key, outcome.Resolved); uerr != nil {
			return models.WrapError(models.ErrorLoad, uerr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	diff := models.RecordDiff{
		JobID:     job.ID,
		MatchKey:  key,
		Inserted:  existing == nil,
		Fields:    reconcile.GenerateDiff(existing, outcome.Resolved),
		Previous:  existing,
		AppliedAt: time.Now().UTC(),
	}
	if derr := o.diffs.Append(ctx, diff); derr != nil {
		o.logf(ctx, "diff append failed", "job_id", job.ID, "match_key", key, "error", derr)
	}
	return nil, nil
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, job *models.MigrationJob, offset int, cursor string) {
	if _, err := o.checkpoints.Save(ctx, job.ID, offset, cursor, nil); err != nil {
		o.logf(ctx, "checkpoint save failed", "job_id", job.ID, "offset", offset, "error", err)
		return
	}
	if o.metrics != nil {
		o.metrics.CheckpointWrites.Inc()
	}
}

// failJob records the fatal error and moves the job to failed.
func (o *Orchestrator) failJob(ctx context.Context, job *models.MigrationJob, cause error) {
	o.recordError(job, "", cause)
	if err := o.transition(ctx, job, models.JobStatusFailed, models.EventJobFailed); err != nil {
		o.logf(ctx, "fail transition failed", "job_id", job.ID, "error", err)
	}
}

// recordError appends a migration error to the job without persisting; the
// caller persists via transition or progress update.
func (o *Orchestrator) recordError(job *models.MigrationJob, recordID string, cause error) {
	me := models.MigrationError{
		ID:         uuid.NewString(),
		JobID:      job.ID,
		RecordID:   recordID,
		Type:       models.ClassifyError(cause),
		Message:    cause.Error(),
		OccurredAt: time.Now().UTC(),
	}
	job.Errors = append(job.Errors, me)
}

// newMigrationError captures one failed record. The record never reached
// the destination, so its identity is resolved source-side via
// sourceRecordID.
func (o *Orchestrator) newMigrationError(job *models.MigrationJob, record models.Record, cause error) models.MigrationError {
	return models.MigrationError{
		ID:         uuid.NewString(),
		JobID:      job.ID,
		RecordID:   sourceRecordID(job.Config, record),
		Type:       models.ClassifyError(cause),
		Message:    cause.Error(),
		OccurredAt: time.Now().UTC(),
	}
}

// sourceRecordID extracts a failing record's identifier from its
// pre-transform shape: the mapping whose target is the job's first match
// field names the source path holding the ID (e.g. bill_id -> id). Falls
// back to the match field, then "id", as literal source keys.
func sourceRecordID(cfg models.MigrationConfig, record models.Record) string {
	target := "id"
	if len(cfg.Reconcile.MatchFields) > 0 {
		target = cfg.Reconcile.MatchFields[0]
	}
	for _, m := range cfg.Mapping {
		if m.Target != target {
			continue
		}
		if v, ok := transform.Lookup(record, m.Source); ok && v != nil {
			return fmt.Sprintf("%v", v)
		}
	}
	for _, key := range []string{target, "id"} {
		if v, ok := record[key]; ok && v != nil {
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}
