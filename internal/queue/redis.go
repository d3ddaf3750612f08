package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisSubstrate is the Redis-backed implementation of Substrate, using the
// same connection and Lua-script patterns used throughout the domain stack's
// store package.
type RedisSubstrate struct {
	client *redis.Client
}

// Options configures the Redis connection backing the queue substrate.
type Options struct {
	Addr     string
	Password string
	DB       int
	// PoolSize should be at least total_workers * (1 + storage_parallelism),
	// to avoid self-induced starvation under load.
	PoolSize int
}

// NewRedisSubstrate dials Redis and verifies connectivity.
func NewRedisSubstrate(ctx context.Context, opts Options) (*RedisSubstrate, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("queue: redis connection failed: %w", err)
	}
	return &RedisSubstrate{client: client}, nil
}

func (s *RedisSubstrate) Client() *redis.Client { return s.client }

func (s *RedisSubstrate) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *RedisSubstrate) Close() error { return s.client.Close() }

func (s *RedisSubstrate) PushRight(ctx context.Context, list, value string) error {
	return s.client.RPush(ctx, list, value).Err()
}

func (s *RedisSubstrate) PushLeft(ctx context.Context, list, value string) error {
	return s.client.LPush(ctx, list, value).Err()
}

// BlockingPopLeft delegates to Redis' native multi-key BLPOP, which already
// serves the first non-empty list in declared order atomically. Callers
// should pass a short timeout (<= 1s) so shutdown stays responsive.
func (s *RedisSubstrate) BlockingPopLeft(ctx context.Context, lists []string, timeout time.Duration) (string, string, error) {
	if len(lists) == 0 {
		return "", "", ErrEmpty
	}

	result, err := s.client.BLPop(ctx, timeout, lists...).Result()
	if err == redis.Nil {
		return "", "", ErrEmpty
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", "", ErrEmpty
		}
		return "", "", fmt.Errorf("queue: blocking pop failed: %w", err)
	}
	if len(result) < 2 {
		return "", "", ErrEmpty
	}
	return result[0], result[1], nil
}

func (s *RedisSubstrate) LLen(ctx context.Context, list string) (int64, error) {
	return s.client.LLen(ctx, list).Result()
}

// PopLeft removes and returns the head element of list, or ErrEmpty if list
// is empty.
func (s *RedisSubstrate) PopLeft(ctx context.Context, list string) (string, error) {
	v, err := s.client.LPop(ctx, list).Result()
	if err == redis.Nil {
		return "", ErrEmpty
	}
	if err != nil {
		return "", fmt.Errorf("queue: pop left %q failed: %w", list, err)
	}
	return v, nil
}

func (s *RedisSubstrate) ListRange(ctx context.Context, list string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, list, start, stop).Result()
}

func (s *RedisSubstrate) ListRemove(ctx context.Context, list string, count int64, value string) error {
	return s.client.LRem(ctx, list, count, value).Err()
}

func (s *RedisSubstrate) JSONPut(ctx context.Context, key string, doc json.RawMessage) error {
	return s.client.Set(ctx, key, []byte(doc), 0).Err()
}

func (s *RedisSubstrate) JSONGet(ctx context.Context, key string) (json.RawMessage, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get %q failed: %w", key, err)
	}
	return json.RawMessage(data), nil
}

func (s *RedisSubstrate) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisSubstrate) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}
