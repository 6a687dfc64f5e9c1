package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "mem0-mcp:ratelimit:"

// RedisStore shares windows between server replicas. Each window is a
// counter key that expires when the window ends.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis server at url and verifies it with a
// ping.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Take implements WindowStore. The counter is incremented even when the
// request is denied; the result is the same until the key expires.
func (s *RedisStore) Take(ctx context.Context, key string, limit int, size time.Duration, _ time.Time) (bool, error) {
	key = redisKeyPrefix + key

	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to count request %s: %w", key, err)
	}

	// A key without expiry was just created by this INCR.
	if ttl.Val() < 0 {
		if err := s.client.PExpire(ctx, key, size).Err(); err != nil {
			return false, fmt.Errorf("failed to set window expiry %s: %w", key, err)
		}
	}

	return incr.Val() <= int64(limit), nil
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
