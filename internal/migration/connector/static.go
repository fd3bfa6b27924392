package connector

import (
	"context"

	"constitutional/internal/migration/models"
	"constitutional/internal/migration/ports"
)

// StaticConnector serves a fixed slice of records. Used by tests and for
// one-off imports of already-fetched payloads.
type StaticConnector struct {
	records []models.Record
	// failures maps offsets to errors injected on the Fetch covering
	// that offset; each fires once. Tests use this to exercise retry
	// and partial-failure paths.
	failures map[int]error
}

// NewStatic builds a connector over the given records.
func NewStatic(records []models.Record) *StaticConnector {
	return &StaticConnector{records: records}
}

// FailAt injects err on the fetch that covers offset. The failure is
// consumed on first use so a retry succeeds.
func (c *StaticConnector) FailAt(offset int, err error) *StaticConnector {
	if c.failures == nil {
		c.failures = make(map[int]error)
	}
	c.failures[offset] = err
	return c
}

func (c *StaticConnector) Open(ctx context.Context, cfg models.SourceConfig) (int, error) {
	return len(c.records), nil
}

func (c *StaticConnector) Fetch(ctx context.Context, offset int, cursor string, limit int) (*ports.SourceBatch, error) {
	if err, ok := c.failures[offset]; ok {
		delete(c.failures, offset)
		return nil, err
	}
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

func (c *StaticConnector) Close(ctx context.Context) error {
	return nil
}
