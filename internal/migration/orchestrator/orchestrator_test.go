package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"constitutional/internal/migration/checkpoint"
	"constitutional/internal/migration/connector"
	"constitutional/internal/migration/events"
	"constitutional/internal/migration/models"
	"constitutional/internal/migration/ports"
	checkpointstore "constitutional/internal/migration/store/checkpoint"
	destinationstore "constitutional/internal/migration/store/destination"
	diffstore "constitutional/internal/migration/store/diff"
	jobstore "constitutional/internal/migration/store/job"
	"constitutional/internal/migration/validate"
	"constitutional/pkg/requestcontext"
)

// recordingConnector serves fixed records and logs every fetch offset.
type recordingConnector struct {
	records []models.Record

	mu           sync.Mutex
	fetchOffsets []int
}

func (c *recordingConnector) Open(ctx context.Context, cfg models.SourceConfig) (int, error) {
	return len(c.records), nil
}

func (c *recordingConnector) Fetch(ctx context.Context, offset int, cursor string, limit int) (*ports.SourceBatch, error) {
	c.mu.Lock()
	c.fetchOffsets = append(c.fetchOffsets, offset)
	c.mu.Unlock()
	if offset >= len(c.records) {
		return &ports.SourceBatch{Exhausted: true}, nil
	}
	end := offset + limit
	if end > len(c.records) {
		end = len(c.records)
	}
	return &ports.SourceBatch{
		Records:   c.records[offset:end],
		Exhausted: end >= len(c.records),
	}, nil
}

func (c *recordingConnector) Close(ctx context.Context) error { return nil }

func (c *recordingConnector) offsets() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.fetchOffsets))
	copy(out, c.fetchOffsets)
	return out
}

// gateConnector releases one fetch per token so tests can hold a run at a
// batch boundary deterministically.
type gateConnector struct {
	inner *recordingConnector
	gate  chan struct{}
}

func (c *gateConnector) Open(ctx context.Context, cfg models.SourceConfig) (int, error) {
	return c.inner.Open(ctx, cfg)
}

func (c *gateConnector) Fetch(ctx context.Context, offset int, cursor string, limit int) (*ports.SourceBatch, error) {
	select {
	case <-c.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.inner.Fetch(ctx, offset, cursor, limit)
}

func (c *gateConnector) Close(ctx context.Context) error { return nil }

type engineFixture struct {
	orch        *Orchestrator
	jobs        *jobstore.InMemoryStore
	destination *destinationstore.InMemoryStore
	diffs       *diffstore.InMemoryStore
	checkpoints *checkpointstore.InMemoryStore
	publisher   *events.MemoryPublisher
}

func newEngine(t *testing.T, conn ports.SourceConnector) *engineFixture {
	t.Helper()
	f := &engineFixture{
		jobs:        jobstore.NewInMemoryStore(),
		destination: destinationstore.NewInMemoryStore(),
		diffs:       diffstore.NewInMemoryStore(),
		checkpoints: checkpointstore.NewInMemoryStore(),
		publisher:   events.NewMemoryPublisher(),
	}
	registry := connector.NewRegistry()
	registry.Register("static", func() ports.SourceConnector { return conn })

	orch, err := New(
		f.jobs,
		checkpoint.NewManager(f.checkpoints),
		f.diffs,
		f.destination,
		registry,
		validate.New(),
		WithEventPublisher(f.publisher),
	)
	require.NoError(t, err)
	t.Cleanup(orch.Close)
	f.orch = orch
	return f
}

func billRecords(n int) []models.Record {
	records := make([]models.Record, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, models.Record{
			"bill_id": fmt.Sprintf("bill-%d", i),
			"title":   fmt.Sprintf("Ordinance %d", i),
			"status":  "draft",
		})
	}
	return records
}

func billParams(opts models.MigrationOptions) CreateParams {
	return CreateParams{
		Name: "congress import",
		Type: models.JobTypeCongress,
		Config: models.MigrationConfig{
			Source: models.SourceConfig{Type: "static", Name: "fixture"},
			Mapping: []models.FieldMapping{
				{Source: "bill_id", Target: "id", Required: true},
				{Source: "title", Target: "title"},
				{Source: "status", Target: "status"},
			},
			Options:   opts,
			Reconcile: models.ReconcileSettings{MatchFields: []string{"id"}},
		},
	}
}

func runToCompletion(t *testing.T, f *engineFixture, params CreateParams) *models.MigrationJob {
	t.Helper()
	ctx := context.Background()
	job, err := f.orch.CreateJob(ctx, params)
	require.NoError(t, err)
	_, err = f.orch.StartJob(ctx, job.ID, false)
	require.NoError(t, err)
	f.orch.Wait(job.ID)
	final, err := f.orch.GetJob(ctx, job.ID)
	require.NoError(t, err)
	return final
}

func Test_CreateJob(t *testing.T) {
	f := newEngine(t, &recordingConnector{})
	ctx := requestcontext.WithUserID(context.Background(), "clerk-7")

	job, err := f.orch.CreateJob(ctx, billParams(models.MigrationOptions{}))
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, "clerk-7", job.OwnerID)
	assert.Equal(t, models.DefaultBatchSize, job.Config.Options.BatchSize)
	assert.Equal(t, models.DefaultCheckpointInterval, job.Config.Options.CheckpointInterval)

	published := f.publisher.Events()
	require.Len(t, published, 1)
	assert.Equal(t, models.EventJobCreated, published[0].Type)
}

func Test_CreateJob_Rejections(t *testing.T) {
	f := newEngine(t, &recordingConnector{})
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*CreateParams)
	}{
		{"missing name", func(p *CreateParams) { p.Name = "" }},
		{"unknown type", func(p *CreateParams) { p.Type = "galactic" }},
		{"missing source", func(p *CreateParams) { p.Config.Source.Type = "" }},
		{"missing mapping", func(p *CreateParams) { p.Config.Mapping = nil }},
		{"missing match fields", func(p *CreateParams) { p.Config.Reconcile.MatchFields = nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			params := billParams(models.MigrationOptions{})
			tc.mutate(&params)
			_, err := f.orch.CreateJob(ctx, params)
			require.ErrorIs(t, err, ErrInvalidJob)
		})
	}
}

func Test_Run_Completes(t *testing.T) {
	conn := &recordingConnector{records: billRecords(250)}
	f := newEngine(t, conn)

	job := runToCompletion(t, f, billParams(models.MigrationOptions{BatchSize: 100}))

	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 250, job.Progress.Total)
	assert.Equal(t, 250, job.Progress.Processed)
	assert.Equal(t, 250, job.Progress.Succeeded)
	assert.Zero(t, job.Progress.Failed)
	assert.Equal(t, 100.0, job.Progress.Percentage)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, 250, f.destination.Len())

	var types []models.JobEventType
	for _, e := range f.publisher.Events() {
		types = append(types, e.Type)
	}
	assert.Equal(t, []models.JobEventType{
		models.EventJobCreated, models.EventJobStarted, models.EventJobCompleted,
	}, types)
}

func Test_Run_ValidationFailuresAreIsolated(t *testing.T) {
	records := billRecords(3)
	delete(records[1], "title")
	conn := &recordingConnector{records: records}
	f := newEngine(t, conn)

	params := billParams(models.MigrationOptions{ValidateBeforeLoad: true})
	params.Config.SchemaName = "bill"
	job := runToCompletion(t, f, params)

	assert.Equal(t, models.JobStatusCompleted, job.Status, "record failures never fail the job")
	assert.Equal(t, 3, job.Progress.Processed)
	assert.Equal(t, 2, job.Progress.Succeeded)
	assert.Equal(t, 1, job.Progress.Failed)
	require.Len(t, job.Errors, 1)
	assert.Equal(t, models.ErrorValidation, job.Errors[0].Type)
	assert.Equal(t, "bill-1", job.Errors[0].RecordID)
	assert.Equal(t, 2, f.destination.Len())
}

func Test_Run_TransformFailure(t *testing.T) {
	records := billRecords(2)
	delete(records[0], "bill_id") // required mapping
	f := newEngine(t, &recordingConnector{records: records})

	job := runToCompletion(t, f, billParams(models.MigrationOptions{}))

	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.Progress.Failed)
	require.Len(t, job.Errors, 1)
	assert.Equal(t, models.ErrorTransform, job.Errors[0].Type)
}

func Test_Run_ErrorsCarrySourceRecordID(t *testing.T) {
	records := billRecords(3)
	delete(records[1], "title")
	f := newEngine(t, &recordingConnector{records: records})

	params := billParams(models.MigrationOptions{})
	params.Config.Mapping[1].Required = true

	job := runToCompletion(t, f, params)

	require.Len(t, job.Errors, 1)
	assert.Equal(t, models.ErrorTransform, job.Errors[0].Type)
	assert.Equal(t, "bill-1", job.Errors[0].RecordID,
		"identity comes from the source field mapped to the match key, not a literal id key")
}

func Test_Run_Checkpoints(t *testing.T) {
	conn := &recordingConnector{records: billRecords(2500)}
	f := newEngine(t, conn)

	job := runToCompletion(t, f, billParams(models.MigrationOptions{
		BatchSize:          100,
		Checkpoint:         true,
		CheckpointInterval: 1000,
	}))
	require.Equal(t, models.JobStatusCompleted, job.Status)

	list, err := f.checkpoints.List(context.Background(), job.ID)
	require.NoError(t, err)
	var offsets []int
	for _, cp := range list {
		offsets = append(offsets, cp.Offset)
	}
	assert.Equal(t, []int{1000, 2000, 2500}, offsets,
		"interval checkpoints plus the completion checkpoint")
}

func Test_Run_NoCheckpointsWhenDisabled(t *testing.T) {
	conn := &recordingConnector{records: billRecords(2500)}
	f := newEngine(t, conn)

	job := runToCompletion(t, f, billParams(models.MigrationOptions{BatchSize: 100}))
	require.Equal(t, models.JobStatusCompleted, job.Status)

	list, err := f.checkpoints.List(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func Test_Run_FetchFailureRetries(t *testing.T) {
	static := connector.NewStatic(billRecords(200)).
		FailAt(100, models.Errorf(models.ErrorConnection, "flaky source"))
	f := newEngine(t, static)

	job := runToCompletion(t, f, billParams(models.MigrationOptions{
		BatchSize:     100,
		RetryAttempts: 2,
		RetryDelayMS:  1,
	}))

	assert.Equal(t, models.JobStatusCompleted, job.Status, "transient fetch errors are retried away")
	assert.Equal(t, 200, job.Progress.Succeeded)
	assert.Empty(t, job.Errors)
}

// alwaysFailConnector fails every fetch with a permanent error.
type alwaysFailConnector struct{}

func (alwaysFailConnector) Open(ctx context.Context, cfg models.SourceConfig) (int, error) {
	return 100, nil
}

func (alwaysFailConnector) Fetch(ctx context.Context, offset int, cursor string, limit int) (*ports.SourceBatch, error) {
	return nil, models.Errorf(models.ErrorUnknown, "source is broken")
}

func (alwaysFailConnector) Close(ctx context.Context) error { return nil }

func Test_Run_ConsecutiveFetchFailuresFailJob(t *testing.T) {
	f := newEngine(t, alwaysFailConnector{})

	job := runToCompletion(t, f, billParams(models.MigrationOptions{RetryDelayMS: 1}))

	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.GreaterOrEqual(t, len(job.Errors), maxConsecutiveFailedBatches)

	last := f.publisher.Events()[len(f.publisher.Events())-1]
	assert.Equal(t, models.EventJobFailed, last.Type)
}

func Test_Run_WhollyFailedBatchesFailJob(t *testing.T) {
	// Every record is missing the required mapping field, so every batch
	// fails entirely.
	records := make([]models.Record, 30)
	for i := range records {
		records[i] = models.Record{"title": "no id"}
	}
	f := newEngine(t, &recordingConnector{records: records})

	job := runToCompletion(t, f, billParams(models.MigrationOptions{BatchSize: 10}))

	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, 30, job.Progress.Failed)
}

func Test_PauseAndResume(t *testing.T) {
	ctx := context.Background()
	inner := &recordingConnector{records: billRecords(300)}
	gate := &gateConnector{inner: inner, gate: make(chan struct{}, 400)}
	f := newEngine(t, gate)

	job, err := f.orch.CreateJob(ctx, billParams(models.MigrationOptions{
		BatchSize:          100,
		Checkpoint:         true,
		CheckpointInterval: 100,
	}))
	require.NoError(t, err)

	// Release exactly one batch, then hold the loop at the gate.
	gate.gate <- struct{}{}
	_, err = f.orch.StartJob(ctx, job.ID, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current, err := f.orch.GetJob(ctx, job.ID)
		return err == nil && current.Progress.Processed >= 100
	}, 5*time.Second, 5*time.Millisecond)

	_, err = f.orch.PauseJob(ctx, job.ID)
	require.NoError(t, err)
	gate.gate <- struct{}{} // unblock the in-flight fetch wait
	f.orch.Wait(job.ID)

	paused, err := f.orch.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPaused, paused.Status)
	pausedAt := paused.Progress.Processed
	assert.GreaterOrEqual(t, pausedAt, 100)
	assert.Less(t, pausedAt, 300)

	fetchesBeforeResume := len(inner.offsets())

	// Resume and let everything through.
	for i := 0; i < 10; i++ {
		gate.gate <- struct{}{}
	}
	resumed, err := f.orch.StartJob(ctx, job.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, resumed.Status)
	f.orch.Wait(job.ID)

	final, err := f.orch.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, 300, final.Progress.Processed, "resumed run matches an uninterrupted one")
	assert.Equal(t, 300, final.Progress.Succeeded)
	assert.Equal(t, 300, f.destination.Len())

	// No fetch after the resume went below the paused offset.
	for _, offset := range inner.offsets()[fetchesBeforeResume:] {
		assert.GreaterOrEqual(t, offset, pausedAt, "resume never reprocesses committed records")
	}

	var types []models.JobEventType
	for _, e := range f.publisher.Events() {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, models.EventJobPaused)
	assert.Contains(t, types, models.EventJobResumed)
}

func Test_Resume_StartsFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	conn := &recordingConnector{records: billRecords(300)}
	f := newEngine(t, conn)

	job, err := f.orch.CreateJob(ctx, billParams(models.MigrationOptions{
		BatchSize:  100,
		Checkpoint: true,
	}))
	require.NoError(t, err)

	// Simulate an earlier run that checkpointed at 200.
	_, err = f.orch.checkpoints.Save(ctx, job.ID, 200, "", nil)
	require.NoError(t, err)

	_, err = f.orch.StartJob(ctx, job.ID, true)
	require.NoError(t, err)
	f.orch.Wait(job.ID)

	for _, offset := range conn.offsets() {
		assert.GreaterOrEqual(t, offset, 200, "resume never refetches below the checkpoint")
	}

	final, err := f.orch.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
}

func Test_CancelJob_Pending(t *testing.T) {
	ctx := context.Background()
	f := newEngine(t, &recordingConnector{})

	job, err := f.orch.CreateJob(ctx, billParams(models.MigrationOptions{}))
	require.NoError(t, err)

	_, err = f.orch.CancelJob(ctx, job.ID)
	require.NoError(t, err)

	got, err := f.orch.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
}

func Test_CancelJob_Running(t *testing.T) {
	ctx := context.Background()
	gate := &gateConnector{
		inner: &recordingConnector{records: billRecords(300)},
		gate:  make(chan struct{}, 10),
	}
	f := newEngine(t, gate)

	job, err := f.orch.CreateJob(ctx, billParams(models.MigrationOptions{BatchSize: 100}))
	require.NoError(t, err)

	gate.gate <- struct{}{}
	_, err = f.orch.StartJob(ctx, job.ID, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current, err := f.orch.GetJob(ctx, job.ID)
		return err == nil && current.Progress.Processed >= 100
	}, 5*time.Second, 5*time.Millisecond)

	_, err = f.orch.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	gate.gate <- struct{}{}
	f.orch.Wait(job.ID)

	got, err := f.orch.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Less(t, got.Progress.Processed, 300, "cancel stops at a batch boundary")
}

func Test_StartJob_InvalidStates(t *testing.T) {
	ctx := context.Background()
	f := newEngine(t, &recordingConnector{records: billRecords(10)})

	_, err := f.orch.StartJob(ctx, "no-such-job", false)
	require.ErrorIs(t, err, ErrJobNotFound)

	job := runToCompletion(t, f, billParams(models.MigrationOptions{}))
	_, err = f.orch.StartJob(ctx, job.ID, false)
	require.ErrorIs(t, err, ErrInvalidTransition, "completed jobs cannot restart")
}

func Test_PauseJob_RequiresRunning(t *testing.T) {
	ctx := context.Background()
	f := newEngine(t, &recordingConnector{})

	job, err := f.orch.CreateJob(ctx, billParams(models.MigrationOptions{}))
	require.NoError(t, err)

	_, err = f.orch.PauseJob(ctx, job.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func Test_Run_ManualConflictsAreSurfaced(t *testing.T) {
	ctx := context.Background()
	f := newEngine(t, &recordingConnector{records: billRecords(2)})
	require.NoError(t, f.destination.Upsert(ctx, "bill-0",
		models.Record{"id": "bill-0", "title": "Locally Amended", "status": "draft"}))

	params := billParams(models.MigrationOptions{})
	params.Config.Reconcile.ConflictResolution = models.PolicyManual
	job := runToCompletion(t, f, params)

	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.Progress.Processed)
	assert.Equal(t, 1, job.Progress.Succeeded, "the skipped record counts neither way")
	assert.Zero(t, job.Progress.Failed)
	require.Len(t, job.PendingConflicts, 1)
	assert.Equal(t, models.ResolutionSkipped, job.PendingConflicts[0].Resolution)
	assert.Equal(t, []string{"title"}, job.PendingConflicts[0].ConflictingFields)

	// The destination keeps its value until someone resolves the conflict.
	existing, err := f.destination.Get(ctx, "bill-0")
	require.NoError(t, err)
	assert.Equal(t, "Locally Amended", existing["title"])
}

func Test_Run_DryRunWritesNothing(t *testing.T) {
	f := newEngine(t, &recordingConnector{records: billRecords(20)})

	job := runToCompletion(t, f, billParams(models.MigrationOptions{DryRun: true}))

	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 20, job.Progress.Succeeded)
	assert.Zero(t, f.destination.Len())

	diffs, err := f.diffs.List(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, diffs, "dry runs record no diffs so there is nothing to roll back")
}

func Test_Run_SkipDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newEngine(t, &recordingConnector{records: billRecords(2)})
	require.NoError(t, f.destination.Upsert(ctx, "bill-0",
		models.Record{"id": "bill-0", "title": "Existing", "status": "draft"}))

	job := runToCompletion(t, f, billParams(models.MigrationOptions{SkipDuplicates: true}))

	assert.Equal(t, 2, job.Progress.Succeeded)
	existing, err := f.destination.Get(ctx, "bill-0")
	require.NoError(t, err)
	assert.Equal(t, "Existing", existing["title"], "duplicates are skipped, not overwritten")
}

func Test_Run_Idempotent(t *testing.T) {
	records := billRecords(50)
	f := newEngine(t, &recordingConnector{records: records})
	first := runToCompletion(t, f, billParams(models.MigrationOptions{}))
	require.Equal(t, models.JobStatusCompleted, first.Status)

	// A second job over the same source changes nothing.
	second := runToCompletion(t, f, billParams(models.MigrationOptions{}))
	assert.Equal(t, models.JobStatusCompleted, second.Status)
	assert.Equal(t, 50, f.destination.Len())

	diffs, err := f.diffs.List(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Empty(t, diffs, "identical reruns are no-ops")
}

func Test_Rollback(t *testing.T) {
	ctx := context.Background()
	f := newEngine(t, &recordingConnector{records: billRecords(3)})
	// bill-0 exists with different data, so the run updates it; the other
	// two are inserts.
	require.NoError(t, f.destination.Upsert(ctx, "bill-0",
		models.Record{"id": "bill-0", "title": "Before Migration", "status": "draft"}))

	job := runToCompletion(t, f, billParams(models.MigrationOptions{}))
	require.Equal(t, models.JobStatusCompleted, job.Status)
	require.Equal(t, 3, f.destination.Len())

	rolled, err := f.orch.RollbackJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, rolled.Status)
	assert.True(t, rolled.RolledBack)
	assert.Contains(t, rolled.RollbackNote, "rolled back 3 writes")

	restored, err := f.destination.Get(ctx, "bill-0")
	require.NoError(t, err)
	assert.Equal(t, "Before Migration", restored["title"])
	_, err = f.destination.Get(ctx, "bill-1")
	assert.ErrorIs(t, err, ports.ErrNotFound)
	_, err = f.destination.Get(ctx, "bill-2")
	assert.ErrorIs(t, err, ports.ErrNotFound)

	// Rollback is once per job.
	_, err = f.orch.RollbackJob(ctx, job.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	last := f.publisher.Events()[len(f.publisher.Events())-1]
	assert.Equal(t, models.EventJobRolledBack, last.Type)
}

func Test_Rollback_RequiresTerminalState(t *testing.T) {
	ctx := context.Background()
	f := newEngine(t, &recordingConnector{})

	job, err := f.orch.CreateJob(ctx, billParams(models.MigrationOptions{}))
	require.NoError(t, err)

	_, err = f.orch.RollbackJob(ctx, job.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func Test_Run_Concurrency(t *testing.T) {
	f := newEngine(t, &recordingConnector{records: billRecords(400)})

	job := runToCompletion(t, f, billParams(models.MigrationOptions{
		BatchSize:   50,
		Concurrency: 8,
	}))

	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 400, job.Progress.Succeeded)
	assert.Equal(t, 400, f.destination.Len())
}
