// Package analytics records per-identity execution outcome counters in
// Redis, bucketed by time window for dashboard queries.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/easy-grid/internal/domain"
)

// Config tunes the outcome counters.
type Config struct {
	// Window is the bucket width for outcome counters.
	Window time.Duration
	// Retention is how long each bucket key lives.
	Retention time.Duration
}

// DefaultConfig returns the default analytics tuning.
func DefaultConfig() Config {
	return Config{
		Window:    time.Minute,
		Retention: 24 * time.Hour,
	}
}

// RedisSink implements the orchestrator's analytics sink on Redis.
type RedisSink struct {
	client *redis.Client
	config Config
}

// NewRedisSink creates a sink over the given client.
func NewRedisSink(client *redis.Client, config Config) *RedisSink {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.Retention <= 0 {
		config.Retention = 24 * time.Hour
	}
	return &RedisSink{client: client, config: config}
}

// RecordExecution increments the identity's outcome counter for the
// bucket containing at.
func (s *RedisSink) RecordExecution(ctx context.Context, identity string, status domain.ExecutionStatus, at time.Time) error {
	key := buildKey(identity, status, at, s.config.Window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.config.Retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// OutcomeCount reads back one identity/status bucket; missing buckets
// count zero.
func (s *RedisSink) OutcomeCount(ctx context.Context, identity string, status domain.ExecutionStatus, at time.Time) (int64, error) {
	key := buildKey(identity, status, at, s.config.Window)
	n, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func buildKey(identity string, status domain.ExecutionStatus, t time.Time, window time.Duration) string {
	return fmt.Sprintf("grid:i:%s:o:%s:%s", identity, status, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
