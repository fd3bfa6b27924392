package destination

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"constitutional/internal/migration/models"
	"constitutional/internal/migration/ports"
)

// PostgresStore persists canonical records as JSONB keyed by match key.
// ON CONFLICT DO UPDATE gives the idempotent-upsert semantics the batch
// loop relies on when a checkpoint boundary is re-processed.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed destination store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, key string) (models.Record, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM canonical_records WHERE match_key = $1`, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ports.ErrNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	var record models.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, key string, record models.Record) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO canonical_records (match_key, record, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (match_key) DO UPDATE SET record = $2, updated_at = now()`,
		key, raw)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM canonical_records WHERE match_key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}
