package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"constitutional/internal/migration/models"
	"constitutional/internal/migration/ports"
)

// RedisStore persists checkpoints as a per-job Redis list so jobs survive
// process restarts. Entries are JSON; append-only with LTRIM retention.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func checkpointKey(jobID string) string {
	return "migration:checkpoints:" + jobID
}

// Append pushes a checkpoint onto the tail of the job's list.
func (s *RedisStore) Append(ctx context.Context, cp models.Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := s.client.RPush(ctx, checkpointKey(cp.JobID), payload).Err(); err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	return nil
}

// Latest returns the newest checkpoint for the job.
func (s *RedisStore) Latest(ctx context.Context, jobID string) (*models.Checkpoint, error) {
	raw, err := s.client.LIndex(ctx, checkpointKey(jobID), -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ports.ErrNotFound
		}
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}
	var cp models.Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

// List returns the job's checkpoints oldest first.
func (s *RedisStore) List(ctx context.Context, jobID string) ([]models.Checkpoint, error) {
	raws, err := s.client.LRange(ctx, checkpointKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := make([]models.Checkpoint, 0, len(raws))
	for _, raw := range raws {
		var cp models.Checkpoint
		if err := json.Unmarshal([]byte(raw), &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, nil
}

// Prune trims the list to the newest keep entries.
func (s *RedisStore) Prune(ctx context.Context, jobID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	if err := s.client.LTrim(ctx, checkpointKey(jobID), int64(-keep), -1).Err(); err != nil {
		return fmt.Errorf("prune checkpoints: %w", err)
	}
	return nil
}

// Clear deletes the job's checkpoint list.
func (s *RedisStore) Clear(ctx context.Context, jobID string) error {
	if err := s.client.Del(ctx, checkpointKey(jobID)).Err(); err != nil {
		return fmt.Errorf("clear checkpoints: %w", err)
	}
	return nil
}
