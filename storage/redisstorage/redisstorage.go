package redisstorage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jrsteele09/jobboard-client/storage"
	"github.com/redis/go-redis/v9"
)

var _ storage.Storage = (*RedisStorage)(nil)

const defaultPrefix = "jobboard:"

// RedisStorage keeps client state in Redis, which lets several client
// processes on one host share a signed-in session.
type RedisStorage struct {
	rdb    redis.UniversalClient
	prefix string
}

// New wraps rdb. An empty prefix defaults to "jobboard:".
func New(rdb redis.UniversalClient, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisStorage{rdb: rdb, prefix: prefix}
}

func (r *RedisStorage) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("[redisstorage Get] %s: %w", key, err)
	}
	return v, true, nil
}

func (r *RedisStorage) Set(ctx context.Context, key, value string) error {
	if err := r.rdb.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("[redisstorage Set] %s: %w", key, err)
	}
	return nil
}

func (r *RedisStorage) Remove(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("[redisstorage Remove] %s: %w", key, err)
	}
	return nil
}
