package diff

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"constitutional/internal/migration/models"
)

// PostgresStore persists write diffs so rollback survives a process
// restart. Diffs are append-only; sequence order is the application order.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed diff store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, diff models.RecordDiff) error {
	fields, err := json.Marshal(diff.Fields)
	if err != nil {
		return fmt.Errorf("encode diff fields: %w", err)
	}
	var previous []byte
	if diff.Previous != nil {
		if previous, err = json.Marshal(diff.Previous); err != nil {
			return fmt.Errorf("encode previous record: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO migration_diffs (job_id, match_key, inserted, fields, previous, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		diff.JobID, diff.MatchKey, diff.Inserted, fields, previous, diff.AppliedAt)
	if err != nil {
		return fmt.Errorf("append diff: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, jobID string) ([]models.RecordDiff, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, match_key, inserted, fields, previous, applied_at
		FROM migration_diffs WHERE job_id = $1 ORDER BY applied_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list diffs: %w", err)
	}
	defer rows.Close()

	var diffs []models.RecordDiff
	for rows.Next() {
		var (
			d        models.RecordDiff
			fields   []byte
			previous sql.NullString
		)
		if err := rows.Scan(&d.JobID, &d.MatchKey, &d.Inserted, &fields, &previous, &d.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan diff: %w", err)
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &d.Fields); err != nil {
				return nil, fmt.Errorf("decode diff fields: %w", err)
			}
		}
		if previous.Valid && previous.String != "" {
			if err := json.Unmarshal([]byte(previous.String), &d.Previous); err != nil {
				return nil, fmt.Errorf("decode previous record: %w", err)
			}
		}
		diffs = append(diffs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list diffs: %w", err)
	}
	return diffs, nil
}

func (s *PostgresStore) Clear(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM migration_diffs WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("clear diffs: %w", err)
	}
	return nil
}
