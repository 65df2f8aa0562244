package changes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps checkpoints in a single Redis hash so several service replicas
// share change detection. Values are RFC 3339 timestamps with nanoseconds.
type RedisStore struct {
	client *redis.Client
	key    string
}

var _ CheckpointStore = (*RedisStore)(nil)

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, key string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client, key: key}, nil
}

// Load reads objectID's field from the checkpoint hash.
func (s *RedisStore) Load(ctx context.Context, objectID string) (time.Time, bool, error) {
	val, err := s.client.HGet(ctx, s.key, objectID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to load checkpoint %s: %w", objectID, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt checkpoint %s: %w", objectID, err)
	}
	return ts, true, nil
}

// Save writes processedAt, in UTC, to objectID's field.
func (s *RedisStore) Save(ctx context.Context, objectID string, processedAt time.Time) error {
	if err := s.client.HSet(ctx, s.key, objectID, processedAt.UTC().Format(time.RFC3339Nano)).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", objectID, err)
	}
	return nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
