package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RateLimiter counts compare submissions per user in fixed hourly
// windows. Shared keys are the scarce resource it protects.
type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

func (r *RateLimiter) Allow(ctx context.Context, userID string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("polychat:ratelimit:%s:%s", userID, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

// InflightGate blocks re-submission for a model that is still
// answering the previous turn. The gate is per (thread, model), never
// global: other models submit freely while one is busy.
type InflightGate struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewInflightGate(rdb *redis.Client, ttl time.Duration) *InflightGate {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &InflightGate{redis: rdb, ttl: ttl}
}

func (g *InflightGate) key(threadID, modelID string) string {
	return fmt.Sprintf("polychat:inflight:%s:%s", threadID, modelID)
}

// Acquire marks the model as loading for this thread. It returns false
// when a previous dispatch is still in flight. The TTL backstops a
// crashed dispatcher so a slot can not stay stuck forever.
func (g *InflightGate) Acquire(ctx context.Context, threadID, modelID string) (bool, error) {
	ok, err := g.redis.SetNX(ctx, g.key(threadID, modelID), "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("inflight setnx: %w", err)
	}
	return ok, nil
}

func (g *InflightGate) Release(ctx context.Context, threadID, modelID string) error {
	if err := g.redis.Del(ctx, g.key(threadID, modelID)).Err(); err != nil {
		return fmt.Errorf("inflight del: %w", err)
	}
	return nil
}

// Loading returns the subset of modelIDs currently gated for the
// thread, for the pending-placeholder render pass.
func (g *InflightGate) Loading(ctx context.Context, threadID string, modelIDs []string) ([]string, error) {
	if len(modelIDs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(modelIDs))
	for i, id := range modelIDs {
		keys[i] = g.key(threadID, id)
	}
	vals, err := g.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("inflight mget: %w", err)
	}
	loading := make([]string, 0, len(modelIDs))
	for i, v := range vals {
		if v != nil {
			loading = append(loading, modelIDs[i])
		}
	}
	return loading, nil
}
