// Package ratelimit enforces fixed-window limits on execution-creating
// requests. The window counter lives in a Lua script so concurrent API
// replicas cannot double-count or strand a window without expiry.
package ratelimit

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Result reports one limit check
type Result struct {
	Allowed           bool
	CurrentCount      int64 // count in the window, including this request
	Limit             int64
	RetryAfterSeconds int64 // seconds until the window resets; 0 when allowed
}

// RateLimiter runs windowed counters in Redis
type RateLimiter struct {
	redis  *redis.Client
	script *redis.Script
	logger Logger
}

// NewRateLimiter creates a limiter with the embedded window script
func NewRateLimiter(redisClient *redis.Client, logger Logger) *RateLimiter {
	return &RateLimiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		logger: logger,
	}
}

// CheckUserLimit counts one request against the user's window
func (r *RateLimiter) CheckUserLimit(ctx context.Context, userID string, limit int64, windowSec int) (*Result, error) {
	return r.check(ctx, userKey(userID), limit, windowSec)
}

// CheckTieredLimit counts one execution start against the user's counter
// for the workflow's complexity tier. Tiers have independent windows, so
// a user burning through heavy workflows can still run simple ones.
func (r *RateLimiter) CheckTieredLimit(ctx context.Context, userID string, tier WorkflowTier) (*Result, error) {
	key := fmt.Sprintf("%s:tier:%s", userKey(userID), tier)
	return r.check(ctx, key, GetLimitForTier(tier), GetWindowForTier(tier))
}

// ResetUserLimit clears a user's plain window counter
func (r *RateLimiter) ResetUserLimit(ctx context.Context, userID string) error {
	return r.redis.Del(ctx, userKey(userID)).Err()
}

func userKey(userID string) string {
	return "rate_limit:user:" + userID
}

// check runs the window script and decodes its reply:
// {allowed, current_count, limit, retry_after}.
func (r *RateLimiter) check(ctx context.Context, key string, limit int64, windowSec int) (*Result, error) {
	reply, err := r.script.Run(ctx, r.redis, []string{key}, limit, windowSec).Result()
	if err != nil {
		r.logger.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	fields, ok := reply.([]interface{})
	if !ok || len(fields) != 4 {
		return nil, fmt.Errorf("unexpected rate limit script reply: %v", reply)
	}
	values := make([]int64, 4)
	for i, f := range fields {
		v, ok := f.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected rate limit script reply: %v", reply)
		}
		values[i] = v
	}

	result := &Result{
		Allowed:           values[0] == 1,
		CurrentCount:      values[1],
		Limit:             values[2],
		RetryAfterSeconds: values[3],
	}

	if !result.Allowed {
		r.logger.Warn("rate limit exceeded",
			"key", key,
			"current", result.CurrentCount,
			"limit", result.Limit,
			"retry_after", result.RetryAfterSeconds)
	}
	return result, nil
}
