// Optional Redis-backed window store. Used when several gateway instances
// front the same child pool and must share counters. Redis errors fail open:
// a broken store must never take the data plane down with it.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter mirrors the in-memory sliding-window semantics on shared
// per-sub-bucket counters.
type RedisLimiter struct {
	rdb    *redis.Client
	cfg    Config
	prefix string
	logger *log.Logger
}

// NewRedisLimiter connects to Redis at addr and verifies connectivity.
func NewRedisLimiter(addr, password string, db int, cfg Config) (*RedisLimiter, error) {
	if cfg.SubWindows < 1 {
		cfg.SubWindows = 1
	}
	if cfg.WindowMs <= 0 {
		cfg.WindowMs = 60_000
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	return &RedisLimiter{
		rdb:    rdb,
		cfg:    cfg,
		prefix: "toolgate:rl",
		logger: log.New(log.Writer(), "[RATE-LIMIT-REDIS] ", log.LstdFlags),
	}, nil
}

// Check consumes one unit for identity if the shared window has room.
func (r *RedisLimiter) Check(ctx context.Context, identity string) Decision {
	return r.check(ctx, identity, r.cfg.MaxRequests)
}

// CheckWithLimit is Check against a per-identity limit override; limit <= 0
// falls back to the configured MaxRequests.
func (r *RedisLimiter) CheckWithLimit(ctx context.Context, identity string, limit int) Decision {
	if limit <= 0 {
		limit = r.cfg.MaxRequests
	}
	return r.check(ctx, identity, limit)
}

func (r *RedisLimiter) check(ctx context.Context, identity string, limit int) Decision {
	if limit == 0 {
		return Decision{Allowed: true, Remaining: -1, Limit: 0}
	}

	nowMs := time.Now().UnixMilli()
	subWidth := r.cfg.WindowMs / int64(r.cfg.SubWindows)
	if subWidth <= 0 {
		subWidth = 1
	}
	bucket := nowMs / subWidth

	keys := make([]string, r.cfg.SubWindows)
	for i := 0; i < r.cfg.SubWindows; i++ {
		keys[i] = fmt.Sprintf("%s:%s:%d", r.prefix, identity, bucket-int64(i))
	}

	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return r.failOpen(err)
	}
	current := 0
	oldest := bucket
	for i := len(vals) - 1; i >= 0; i-- {
		if vals[i] == nil {
			continue
		}
		s, _ := vals[i].(string)
		n, _ := strconv.Atoi(s)
		if n > 0 {
			current += n
			oldest = bucket - int64(i)
		}
	}

	if current+1 > limit {
		retryAt := (oldest + int64(r.cfg.SubWindows)) * subWidth
		retryAfter := retryAt - nowMs
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Decision{
			Allowed:      false,
			Limit:        limit,
			CurrentCount: current,
			RetryAfterMs: retryAfter,
			ResetAtMs:    retryAt,
		}
	}

	key := keys[0]
	n, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return r.failOpen(err)
	}
	if n == 1 {
		// First hit in this bucket; expire after two windows so stale
		// buckets clean themselves up.
		r.rdb.Expire(ctx, key, time.Duration(2*r.cfg.WindowMs)*time.Millisecond)
	}
	return Decision{
		Allowed:      true,
		Remaining:    limit - current - 1,
		Limit:        limit,
		CurrentCount: current + 1,
		ResetAtMs:    (bucket + int64(r.cfg.SubWindows)) * subWidth,
	}
}

// ResetKey removes the shared counters for identity.
func (r *RedisLimiter) ResetKey(ctx context.Context, identity string) error {
	nowMs := time.Now().UnixMilli()
	subWidth := r.cfg.WindowMs / int64(r.cfg.SubWindows)
	if subWidth <= 0 {
		subWidth = 1
	}
	bucket := nowMs / subWidth
	keys := make([]string, r.cfg.SubWindows)
	for i := 0; i < r.cfg.SubWindows; i++ {
		keys[i] = fmt.Sprintf("%s:%s:%d", r.prefix, identity, bucket-int64(i))
	}
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *RedisLimiter) failOpen(err error) Decision {
	r.logger.Printf("redis error, failing open: %v", err)
	return Decision{Allowed: true, Remaining: -1, Limit: r.cfg.MaxRequests}
}

// Close shuts down the underlying client.
func (r *RedisLimiter) Close() error { return r.rdb.Close() }
