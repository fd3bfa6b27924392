package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"constitutional/internal/migration/models"
	"constitutional/internal/migration/ports"
)

// PostgresStore persists migration jobs in PostgreSQL. Structured state
// (config, progress, errors, conflicts) lives in JSONB columns; lifecycle
// fields are first-class columns so listing stays cheap.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed job store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const createJobSQL = `
INSERT INTO migration_jobs
	(id, name, job_type, status, owner_id, config, progress, errors, conflicts,
	 rolled_back, rollback_note, created_at, updated_at, started_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

func (s *PostgresStore) Create(ctx context.Context, job *models.MigrationJob) error {
	cfg, progress, errs, conflicts, err := marshalJobBlobs(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, createJobSQL,
		job.ID, job.Name, string(job.Type), string(job.Status), job.OwnerID,
		cfg, progress, errs, conflicts,
		job.RolledBack, job.RollbackNote,
		job.CreatedAt, job.UpdatedAt, nullTime(job.StartedAt), nullTime(job.CompletedAt))
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

const selectJobSQL = `
SELECT id, name, job_type, status, owner_id, config, progress, errors, conflicts,
	rolled_back, rollback_note, created_at, updated_at, started_at, completed_at
FROM migration_jobs`

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.MigrationJob, error) {
	row := s.db.QueryRowContext(ctx, selectJobSQL+" WHERE id = $1", id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ports.ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.MigrationJob, error) {
	rows, err := s.db.QueryContext(ctx, selectJobSQL+" ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.MigrationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

const updateJobSQL = `
UPDATE migration_jobs SET
	name = $2, job_type = $3, status = $4, owner_id = $5, config = $6,
	progress = $7, errors = $8, conflicts = $9, rolled_back = $10,
	rollback_note = $11, updated_at = $12, started_at = $13, completed_at = $14
WHERE id = $1`

func (s *PostgresStore) Update(ctx context.Context, job *models.MigrationJob) error {
	cfg, progress, errs, conflicts, err := marshalJobBlobs(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, updateJobSQL,
		job.ID, job.Name, string(job.Type), string(job.Status), job.OwnerID,
		cfg, progress, errs, conflicts,
		job.RolledBack, job.RollbackNote,
		job.UpdatedAt, nullTime(job.StartedAt), nullTime(job.CompletedAt))
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if affected == 0 {
		return ports.ErrNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*models.MigrationJob, error) {
	var (
		job         models.MigrationJob
		jobType     string
		status      string
		cfg         []byte
		progress    []byte
		errs        []byte
		conflicts   []byte
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&job.ID, &job.Name, &jobType, &status, &job.OwnerID,
		&cfg, &progress, &errs, &conflicts,
		&job.RolledBack, &job.RollbackNote,
		&job.CreatedAt, &job.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	job.Type = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	if err := json.Unmarshal(cfg, &job.Config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := json.Unmarshal(progress, &job.Progress); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &job.Errors); err != nil {
			return nil, fmt.Errorf("decode errors: %w", err)
		}
	}
	if len(conflicts) > 0 {
		if err := json.Unmarshal(conflicts, &job.PendingConflicts); err != nil {
			return nil, fmt.Errorf("decode conflicts: %w", err)
		}
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}

func marshalJobBlobs(job *models.MigrationJob) (cfg, progress, errs, conflicts []byte, err error) {
	if cfg, err = json.Marshal(job.Config); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode config: %w", err)
	}
	if progress, err = json.Marshal(job.Progress); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode progress: %w", err)
	}
	if errs, err = json.Marshal(job.Errors); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode errors: %w", err)
	}
	if conflicts, err = json.Marshal(job.PendingConflicts); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode conflicts: %w", err)
	}
	return cfg, progress, errs, conflicts, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
