package inbox

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper dedups with SET NX under a TTL, bounding the dedup
// window by expiry instead of table growth. Suited to consumers without
// a relational store of their own.
type RedisDeduper struct {
	rdb    *redis.Client
	window time.Duration
	prefix string
}

func NewRedisDeduper(rdb *redis.Client, window time.Duration, prefix string) *RedisDeduper {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if prefix == "" {
		prefix = "inbox"
	}
	return &RedisDeduper{rdb: rdb, window: window, prefix: prefix}
}

func (d *RedisDeduper) Record(ctx context.Context, idempotencyKey, destination string) (bool, error) {
	key := d.prefix + ":" + destination + ":" + idempotencyKey
	return d.rdb.SetNX(ctx, key, 1, d.window).Result()
}

var _ Deduper = (*RedisDeduper)(nil)
