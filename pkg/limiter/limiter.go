// Package limiter implements the distributed concurrency limiter: a
// counter-per-service cache backed by a set of lease keys that is the
// actual source of truth, reconciled periodically by a reaper.
package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// pollInterval is the fixed delay between acquire retries.
const pollInterval = 500 * time.Millisecond

// acquireScript atomically checks the service counter against its limit
// and, if capacity remains, increments the counter and sets a lease key
// with the given TTL. Returns the lease key on success, nil otherwise.
var acquireScript = redis.NewScript(`
local counter_key = KEYS[1]
local lease_key = KEYS[2]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local cur = tonumber(redis.call("GET", counter_key) or "0")
if cur >= limit then
    return false
end

redis.call("INCR", counter_key)
redis.call("SET", lease_key, "1", "EX", ttl)
return lease_key
`)

// releaseScript atomically deletes a lease key and, only if it existed,
// decrements the counter (never below zero).
var releaseScript = redis.NewScript(`
local counter_key = KEYS[1]
local lease_key = KEYS[2]
if redis.call("DEL", lease_key) == 1 then
    local cur = tonumber(redis.call("GET", counter_key) or "0")
    if cur > 0 then redis.call("DECR", counter_key) end
end
return 1
`)

// Limiter enforces a per-service concurrency cap using Redis as the
// coordination point.
type Limiter struct {
	rdb *redis.Client
}

// New creates a Limiter backed by rdb.
func New(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

// CounterKey returns the Redis key holding a service's live concurrency count.
func CounterKey(service string) string {
	return "conc:" + service
}

// LeaseKey returns the Redis key for a specific lease token of a service.
func LeaseKey(service, token string) string {
	return fmt.Sprintf("lease:%s:%s", service, token)
}

// Token is an acquired lease, opaque to callers beyond passing it to Release.
type Token struct {
	service string
	key     string
}

// Acquire attempts to claim one unit of service's concurrency budget.
// It polls every 500ms until granted or waitTimeout elapses, returning a
// zero Token and false on timeout.
func (l *Limiter) Acquire(ctx context.Context, service string, limit int, leaseTTL, waitTimeout time.Duration) (Token, bool, error) {
	token := uuid.New().String()
	leaseKey := LeaseKey(service, token)
	counterKey := CounterKey(service)

	deadline := time.Now().Add(waitTimeout)
	for {
		res, err := acquireScript.Run(ctx, l.rdb, []string{counterKey, leaseKey}, limit, int(leaseTTL.Seconds())).Result()
		if err != nil && err != redis.Nil {
			return Token{}, false, fmt.Errorf("running acquire script: %w", err)
		}
		if granted, _ := res.(string); granted != "" {
			return Token{service: service, key: leaseKey}, true, nil
		}

		if time.Now().After(deadline) {
			return Token{}, false, nil
		}

		select {
		case <-ctx.Done():
			return Token{}, false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Release gives back a previously acquired token. Releasing a missing or
// already-expired lease is a no-op.
func (l *Limiter) Release(ctx context.Context, token Token) error {
	if token.key == "" {
		return nil
	}
	counterKey := CounterKey(token.service)
	if _, err := releaseScript.Run(ctx, l.rdb, []string{counterKey, token.key}).Result(); err != nil {
		return fmt.Errorf("running release script: %w", err)
	}
	return nil
}

// CurrentConcurrency reads the live counter value for a service (0 if unset).
func (l *Limiter) CurrentConcurrency(ctx context.Context, service string) (int, error) {
	val, err := l.rdb.Get(ctx, CounterKey(service)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading counter: %w", err)
	}
	return val, nil
}

// Reap recomputes a service's counter from the actual number of surviving
// lease keys, correcting drift from crashed acquires that never released.
func (l *Limiter) Reap(ctx context.Context, service string) (int, error) {
	pattern := fmt.Sprintf("lease:%s:*", service)
	count := 0

	iter := l.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scanning lease keys: %w", err)
	}

	if err := l.rdb.Set(ctx, CounterKey(service), count, 0).Err(); err != nil {
		return 0, fmt.Errorf("overwriting counter: %w", err)
	}
	return count, nil
}
