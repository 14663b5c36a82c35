package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window counter in Redis
type RateLimiter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRateLimiter creates a limiter
func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client, prefix: "ratelimit:", now: time.Now}
}

// Allow counts one hit for key in the current window and reports whether it is
// within limit, along with the hits left.
func (l *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	k := windowKey(l.prefix+key, l.now(), window)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, window)
		return nil
	})
	if err != nil {
		return false, 0, err
	}

	n := int(incr.Val())
	remaining := limit - n
	if remaining < 0 {
		remaining = 0
	}
	return n <= limit, remaining, nil
}

func windowKey(base string, now time.Time, window time.Duration) string {
	if window <= 0 {
		return base
	}
	return base + ":" + strconv.FormatInt(now.UnixNano()/int64(window), 10)
}
