// Package dedupe provides a Redis-backed processed-signal set that answers
// "was this signal already applied?" without touching SQLite.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Settings configure the Redis connection and key lifetime.
type Settings struct {
	Addr     string
	Password string
	Database int
	Timeout  time.Duration
	TTL      time.Duration
	Prefix   string
}

// RedisSet is an engine.ProcessedSet. Keys expire after TTL; the durable
// tombstones in the store remain authoritative.
type RedisSet struct {
	cli    *redis.Client
	ttl    time.Duration
	prefix string
}

// New connects a RedisSet. It does not dial until first use.
func New(s Settings) (*RedisSet, error) {
	if s.Addr == "" {
		return nil, fmt.Errorf("redis: missing addr")
	}
	if s.Timeout == 0 {
		s.Timeout = 5 * time.Second
	}
	if s.TTL <= 0 {
		s.TTL = 7 * 24 * time.Hour
	}
	if s.Prefix == "" {
		s.Prefix = "receiptsync:processed:"
	}

	cli := redis.NewClient(&redis.Options{
		Addr:         s.Addr,
		Password:     s.Password,
		DB:           s.Database,
		DialTimeout:  s.Timeout,
		ReadTimeout:  s.Timeout,
		WriteTimeout: s.Timeout,
	})
	return NewWithClient(cli, s.TTL, s.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(cli *redis.Client, ttl time.Duration, prefix string) *RedisSet {
	return &RedisSet{cli: cli, ttl: ttl, prefix: prefix}
}

func (r *RedisSet) key(dedupeKey string) string {
	return r.prefix + dedupeKey
}

// Seen reports whether dedupeKey was marked and has not expired.
func (r *RedisSet) Seen(ctx context.Context, dedupeKey string) (bool, error) {
	n, err := r.cli.Exists(ctx, r.key(dedupeKey)).Result()
	if err != nil {
		return false, fmt.Errorf("redis seen: %w", err)
	}
	return n > 0, nil
}

// Mark records dedupeKey. Marking twice is a no-op.
func (r *RedisSet) Mark(ctx context.Context, dedupeKey string) error {
	_, err := r.cli.SetNX(ctx, r.key(dedupeKey), "1", r.ttl).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis mark: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (r *RedisSet) Ping(ctx context.Context) error {
	if err := r.cli.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *RedisSet) Close() error {
	return r.cli.Close()
}
