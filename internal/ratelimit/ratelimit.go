// Package ratelimit implements a fixed-window request limiter on Redis,
// used to keep the public search endpoint from being hammered.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter counts requests per key with Redis INCR. The first request in a
// window sets the TTL; later requests ride it until it expires.
type Limiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewLimiter creates a limiter that allows limit requests per window per key.
func NewLimiter(client *redis.Client, limit int, window time.Duration) *Limiter {
	return &Limiter{
		client: client,
		prefix: "ratelimit:",
		limit:  limit,
		window: window,
	}
}

// Allow counts one request for key and reports whether it stays within the
// limit. When Redis is unreachable the request is allowed.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	redisKey := l.prefix + key

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		log.Printf("ratelimit: incr %s: %v", key, err)
		return true
	}
	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, l.window).Err(); err != nil {
			log.Printf("ratelimit: expire %s: %v", key, err)
		}
	}

	return count <= int64(l.limit)
}
