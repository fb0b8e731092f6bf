// Package ratelimit implements a fixed-window request limiter on Redis.
// Window keys expire on their own, so no state outlives two windows.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the limiter's verdict for one request.
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
}

type Limiter struct {
	rds       *redis.Client
	limit     int
	window    time.Duration
	keyPrefix string
	now       func() time.Time
}

// New returns a limiter allowing limit requests per window per subject.
// A non-positive limit or a nil client disables limiting.
func New(rds *redis.Client, limit int, window time.Duration, keyPrefix string) *Limiter {
	if window <= 0 {
		window = time.Second
	}
	if keyPrefix == "" {
		keyPrefix = "rl:"
	}
	return &Limiter{rds: rds, limit: limit, window: window, keyPrefix: keyPrefix, now: time.Now}
}

// Allow counts one request for subject in the current window.
func (l *Limiter) Allow(ctx context.Context, subject string) (Decision, error) {
	if l == nil || l.rds == nil || l.limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := l.now()
	slot := now.UnixNano() / int64(l.window)
	key := l.keyPrefix + subject + ":" + strconv.FormatInt(slot, 10)

	// INCR and expire after two windows
	pipe := l.rds.Pipeline()
	cnt := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{Allowed: true, Limit: l.limit}, err
	}

	d := Decision{Allowed: cnt.Val() <= int64(l.limit), Count: cnt.Val(), Limit: l.limit}
	if !d.Allowed {
		d.RetryAfter = l.window - time.Duration(now.UnixNano()%int64(l.window))
	}
	return d, nil
}
