package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitStore tracks request timestamps per key inside a sliding window.
// Allow prunes entries older than the window, checks the count against max,
// and records the request when under the limit.
type RateLimitStore interface {
	Allow(ctx context.Context, key string, max int, window time.Duration, now time.Time) (allowed bool, current int, err error)
}

// MemoryRateLimitStore is the process-local default. State does not survive
// restarts; wire a Redis store for shared enforcement.
type MemoryRateLimitStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewMemoryRateLimitStore creates an empty in-memory store.
func NewMemoryRateLimitStore() *MemoryRateLimitStore {
	return &MemoryRateLimitStore{windows: make(map[string][]time.Time)}
}

func (s *MemoryRateLimitStore) Allow(_ context.Context, key string, max int, window time.Duration, now time.Time) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	kept := s.windows[key][:0]
	for _, t := range s.windows[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.windows[key] = kept

	if len(kept) >= max {
		return false, len(kept), nil
	}
	s.windows[key] = append(kept, now)
	return true, len(kept) + 1, nil
}

// redisSlidingWindowScript implements the sliding window atomically on a
// sorted set keyed by request timestamp.
// KEYS[1] = window key
// ARGV[1] = window start (unix micros), ARGV[2] = now (unix micros), ARGV[3] = max
var redisSlidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window_start = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", window_start)
local count = redis.call("ZCARD", key)
if count >= max then
    return {0, count}
end
redis.call("ZADD", key, now, now)
redis.call("PEXPIRE", key, math.ceil((now - window_start) / 1000))
return {1, count + 1}
`)

// RedisRateLimitStore backs the sliding window with Redis so limits hold
// across runtime instances.
type RedisRateLimitStore struct {
	client *redis.Client
	prefix string
}

// NewRedisRateLimitStore creates a Redis-backed store. prefix namespaces the
// keys (defaults to "carp:ratelimit").
func NewRedisRateLimitStore(client *redis.Client, prefix string) *RedisRateLimitStore {
	if prefix == "" {
		prefix = "carp:ratelimit"
	}
	return &RedisRateLimitStore{client: client, prefix: prefix}
}

func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, max int, window time.Duration, now time.Time) (bool, int, error) {
	windowStart := now.Add(-window).UnixMicro()
	res, err := redisSlidingWindowScript.Run(ctx, s.client,
		[]string{s.prefix + ":" + key},
		windowStart, now.UnixMicro(), max).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis rate limit: %w", err)
	}
	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	return allowed == 1, int(count), nil
}

// RateLimitRule denies once a principal exceeds max requests inside the
// window. Keys are (principal_id, action_id or "any").
type RateLimitRule struct {
	RuleID        string
	MaxRequests   int
	WindowSeconds int
	Description   string
	Store         RateLimitStore
}

// NewRateLimitRule creates a rate-limit rule with the given store. A nil
// store falls back to a fresh in-memory store.
func NewRateLimitRule(ruleID string, maxRequests, windowSeconds int, store RateLimitStore) *RateLimitRule {
	if store == nil {
		store = NewMemoryRateLimitStore()
	}
	return &RateLimitRule{
		RuleID:        ruleID,
		MaxRequests:   maxRequests,
		WindowSeconds: windowSeconds,
		Store:         store,
	}
}

func (r *RateLimitRule) ID() string { return r.RuleID }

func (r *RateLimitRule) Evaluate(ctx Context) *Decision {
	action := ctx.ActionID
	if action == "" {
		action = "any"
	}
	key := ctx.PrincipalID + ":" + action
	now := ctx.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	window := time.Duration(r.WindowSeconds) * time.Second
	allowed, current, err := r.Store.Allow(context.Background(), key, r.MaxRequests, window, now)
	if err != nil {
		// Backend failure denies closed.
		return &Decision{
			Effect: EffectDeny,
			RuleID: r.RuleID,
			Reason: fmt.Sprintf("Rate limit backend unavailable: %v", err),
			Violations: []Violation{{
				RuleID:   r.RuleID,
				Reason:   "Rate limit backend error",
				Severity: "error",
				Details:  map[string]any{"error": err.Error()},
			}},
		}
	}
	if allowed {
		return nil
	}
	return &Decision{
		Effect: EffectDeny,
		RuleID: r.RuleID,
		Reason: fmt.Sprintf("Rate limit exceeded: %d requests per %ds", r.MaxRequests, r.WindowSeconds),
		Violations: []Violation{{
			RuleID:   r.RuleID,
			Reason:   "Rate limit exceeded",
			Severity: "error",
			Details: map[string]any{
				"limit":          r.MaxRequests,
				"window_seconds": r.WindowSeconds,
				"current_count":  current,
			},
		}},
	}
}
