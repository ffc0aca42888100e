package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rewired-gh/polyboard/internal/models"
)

// RedisStore keeps the snapshot as a single JSON document in Redis. It suits
// deployments where the dashboard runs on ephemeral disks.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects using a redis:// URL. Snapshots expire after ttl so a
// long outage does not resurrect stale trades; zero disables expiry.
func NewRedisStore(ctx context.Context, redisURL, prefix string, ttl time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return NewRedisStoreFromClient(rdb, prefix, ttl), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "polyboard"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) snapshotKey() string {
	return s.prefix + ":snapshot"
}

// SaveSnapshot overwrites the stored snapshot.
func (s *RedisStore) SaveSnapshot(ctx context.Context, snap *models.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := s.rdb.Set(ctx, s.snapshotKey(), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns nil when no snapshot is stored.
func (s *RedisStore) LoadSnapshot(ctx context.Context) (*models.Snapshot, error) {
	data, err := s.rdb.Get(ctx, s.snapshotKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
