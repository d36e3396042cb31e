package ratelimit

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "rl:"

// RedisBackend counts in Redis so that limits hold across processes
type RedisBackend struct {
	rdb redis.Cmdable
}

func NewRedisBackend(rdb redis.Cmdable) *RedisBackend {
	return &RedisBackend{rdb: rdb}
}

func (b *RedisBackend) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	key = redisKeyPrefix + key

	count, err := b.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}

	// The first increment opens the window
	if count == 1 {
		if err := b.rdb.Expire(ctx, key, window).Err(); err != nil {
			// a key without TTL would block the client forever
			b.rdb.Del(ctx, key)
			return 0, err
		}
	}

	return count, nil
}
