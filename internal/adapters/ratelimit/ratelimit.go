// Package ratelimit throttles submissions per requester.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/okian/evalboard/pkg/logger"
	"github.com/okian/evalboard/pkg/metrics"
)

// ErrLimited is returned when a key is over its budget.
var ErrLimited = errors.New("rate limit exceeded")

// Limiter decides whether key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) error
}

// LimitError carries a retry hint and unwraps to ErrLimited.
type LimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q, retry after %s", e.Key, e.RetryAfter)
}

func (e *LimitError) Unwrap() error { return ErrLimited }

// Noop allows everything.
type Noop struct{}

// Allow implements Limiter.
func (Noop) Allow(context.Context, string) error { return nil }

type timedLimiter struct {
	limiter  *rate.Limiter
	lastUsed atomic.Int64
}

// LocalLimiter keeps one token bucket per key.
type LocalLimiter struct {
	rps   rate.Limit
	burst int
	now   func() time.Time

	mu       sync.RWMutex
	limiters map[string]*timedLimiter
}

// NewLocalLimiter allows rps per key with the given burst. rps <= 0 disables
// limiting.
func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	if burst < 1 {
		burst = 1
	}
	lim := rate.Limit(rps)
	if rps <= 0 {
		lim = rate.Inf
	}
	return &LocalLimiter{rps: lim, burst: burst, now: time.Now, limiters: make(map[string]*timedLimiter)}
}

// Allow implements Limiter.
func (l *LocalLimiter) Allow(_ context.Context, key string) error {
	tl := l.get(key)
	now := l.now()
	tl.lastUsed.Store(now.UnixNano())
	if tl.limiter.AllowN(now, 1) {
		return nil
	}

	// Compute the wait without consuming a token.
	r := tl.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	metrics.RecordErrorByComponent("ratelimit", "local_limited")
	return &LimitError{Key: key, RetryAfter: time.Duration(math.Max(float64(delay), float64(time.Second)))}
}

func (l *LocalLimiter) get(key string) *timedLimiter {
	l.mu.RLock()
	tl, ok := l.limiters[key]
	l.mu.RUnlock()
	if ok {
		return tl
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if tl, ok = l.limiters[key]; ok {
		return tl
	}
	tl = &timedLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
	l.limiters[key] = tl
	return tl
}

// CleanupStale drops buckets unused since before. It returns the count.
func (l *LocalLimiter) CleanupStale(before time.Time) int {
	cutoff := before.UnixNano()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, tl := range l.limiters {
		if tl.lastUsed.Load() < cutoff {
			delete(l.limiters, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (l *LocalLimiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

// RedisLimiter counts requests per key in fixed one-second windows shared by
// every instance. When Redis fails it degrades to a local limiter.
type RedisLimiter struct {
	client   redis.Cmdable
	limit    int64
	prefix   string
	now      func() time.Time
	fallback *LocalLimiter
	logger   logger.Logger
}

// NewRedisLimiter allows limit requests per second per key.
func NewRedisLimiter(client redis.Cmdable, limit int, log logger.Logger) *RedisLimiter {
	if limit < 1 {
		limit = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RedisLimiter{
		client:   client,
		limit:    int64(limit),
		prefix:   "evalboard:ratelimit:",
		now:      time.Now,
		fallback: NewLocalLimiter(float64(limit), limit),
		logger:   log,
	}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string) error {
	now := l.now()
	window := now.Unix()
	k := l.prefix + key + ":" + strconv.FormatInt(window, 10)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, 2*time.Second)
		return nil
	})
	if err != nil {
		metrics.RecordErrorByComponent("ratelimit", "redis_error")
		l.logger.Warn(ctx, "redis rate limit unavailable, using local fallback", logger.Error(err))
		return l.fallback.Allow(ctx, key)
	}
	if incr.Val() > l.limit {
		metrics.RecordErrorByComponent("ratelimit", "redis_limited")
		next := time.Unix(window+1, 0)
		return &LimitError{Key: key, RetryAfter: max(next.Sub(now), time.Millisecond)}
	}
	return nil
}
