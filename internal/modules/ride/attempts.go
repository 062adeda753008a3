// README: Redis-backed start code attempt counter, shared by every API instance.
package ride

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"rideshare/internal/types"
)

type RedisAttemptLimiter struct {
	redis  *redis.Client
	max    int
	window time.Duration
}

func NewRedisAttemptLimiter(client *redis.Client, max int, window time.Duration) *RedisAttemptLimiter {
	if max <= 0 {
		max = 5
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &RedisAttemptLimiter{redis: client, max: max, window: window}
}

func attemptsKey(rideID types.ID) string {
	return "otp:attempts:" + string(rideID)
}

func (l *RedisAttemptLimiter) Exceeded(ctx context.Context, rideID types.ID) (bool, error) {
	n, err := l.redis.Get(ctx, attemptsKey(rideID)).Int()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n >= l.max, nil
}

func (l *RedisAttemptLimiter) RecordFailure(ctx context.Context, rideID types.ID) error {
	pipe := l.redis.TxPipeline()
	pipe.Incr(ctx, attemptsKey(rideID))
	pipe.Expire(ctx, attemptsKey(rideID), l.window)
	_, err := pipe.Exec(ctx)
	return err
}

func (l *RedisAttemptLimiter) Reset(ctx context.Context, rideID types.ID) error {
	return l.redis.Del(ctx, attemptsKey(rideID)).Err()
}

// MemoryAttemptLimiter is the single-instance fallback when Redis is not configured.
type MemoryAttemptLimiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	counts map[types.ID]attemptCount
}

type attemptCount struct {
	n       int
	resetAt time.Time
}

func NewMemoryAttemptLimiter(max int, window time.Duration) *MemoryAttemptLimiter {
	if max <= 0 {
		max = 5
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &MemoryAttemptLimiter{
		max:    max,
		window: window,
		now:    time.Now,
		counts: make(map[types.ID]attemptCount),
	}
}

func (l *MemoryAttemptLimiter) Exceeded(_ context.Context, rideID types.ID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counts[rideID]
	if !ok || !l.now().Before(c.resetAt) {
		return false, nil
	}
	return c.n >= l.max, nil
}

func (l *MemoryAttemptLimiter) RecordFailure(_ context.Context, rideID types.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	c := l.counts[rideID]
	if !now.Before(c.resetAt) {
		c = attemptCount{}
	}
	c.n++
	c.resetAt = now.Add(l.window)
	l.counts[rideID] = c
	return nil
}

func (l *MemoryAttemptLimiter) Reset(_ context.Context, rideID types.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counts, rideID)
	return nil
}
