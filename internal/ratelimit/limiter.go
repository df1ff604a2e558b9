// Package ratelimit implements distributed fixed-window rate limiting using
// Redis with a Lua script for atomicity, plus an in-memory window store for
// standalone deployments and Redis outages.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spaceavenue/ngfw/internal/redis"
)

// ErrLimiterClosed is returned when Allow is called after the limiter has
// been closed.
var ErrLimiterClosed = errors.New("limiter is closed")

// fixedWindowLua atomically counts a request inside the current fixed
// window. The caller embeds the window start in the key, so a new window is
// simply a new key; EXPIREAT reaps old windows.
//
// Returns {allowed (0|1), count, remaining}.
//
// Keys: KEYS[1] = window key (prefix:client:windowStart).
// Args: ARGV[1] = ceiling, ARGV[2] = absolute expiry (unix seconds).
const fixedWindowLua = `
local key       = KEYS[1]
local ceiling   = tonumber(ARGV[1])
local expire_at = tonumber(ARGV[2])

local count = redis.call('incr', key)
if count == 1 then
  redis.call('expireat', key, expire_at)
end

local allowed = 0
if count <= ceiling then
  allowed = 1
end

local remaining = ceiling - count
if remaining < 0 then
  remaining = 0
end

return {allowed, count, remaining}
`

// fixedWindowScript uses go-redis to compute the SHA1 hash that Redis
// expects for EVALSHA, avoiding a direct crypto/sha1 import in this package.
var fixedWindowScript = goredis.NewScript(fixedWindowLua)

// Result holds the parsed result of a rate-limit check.
type Result struct {
	Allowed   bool
	Count     int64         // requests observed in the current window, including this one
	Remaining int64         // requests left before the ceiling
	Limit     int64         // the window ceiling
	ResetAt   time.Time     // when the current window ends
	RetryIn   time.Duration // meaningful only when Allowed == false
}

// Limiter performs fixed-window rate limiting against Redis.
type Limiter struct {
	client    redis.Client
	logger    *slog.Logger
	src       string // Lua source text (for EVAL fallback)
	hash      string // SHA1 hex digest (for EVALSHA)
	ceiling   atomic.Int64
	window    time.Duration
	keyPrefix string
	closed    atomic.Bool
}

// NewLimiter creates a Redis-backed fixed-window rate limiter.
func NewLimiter(client redis.Client, ceiling int64, window time.Duration, prefix string, logger *slog.Logger) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	l := &Limiter{
		client:    client,
		logger:    logger,
		src:       fixedWindowLua,
		hash:      fixedWindowScript.Hash(),
		window:    window,
		keyPrefix: prefix,
	}
	l.ceiling.Store(ceiling)
	return l
}

// SetCeiling changes the window ceiling. Takes effect on the next Allow;
// in-flight windows keep their counters, only the comparison changes.
func (l *Limiter) SetCeiling(ceiling int64) {
	l.ceiling.Store(ceiling)
}

// windowBounds returns the start and end of the fixed window containing now.
func windowBounds(now time.Time, window time.Duration) (start, end time.Time) {
	start = now.Truncate(window)
	return start, start.Add(window)
}

// evalScript executes the Lua script via EVALSHA, falling back to EVAL on
// NOSCRIPT. This avoids sending the Lua source on every request.
func (l *Limiter) evalScript(ctx context.Context, keys []string, args ...any) (interface{ Slice() ([]any, error) }, error) {
	cmd := l.client.EvalSha(ctx, l.hash, keys, args...)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		l.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL",
			"key", keys[0], "error", cmd.Err())
		cmd = l.client.Eval(ctx, l.src, keys, args...)
	}
	if cmd.Err() != nil {
		return nil, cmd.Err()
	}
	return cmd, nil
}

// Allow counts the request identified by key in the current fixed window and
// reports whether it is under the ceiling. A ceiling of 0 disables limiting.
func (l *Limiter) Allow(ctx context.Context, key string) (*Result, error) {
	if l.closed.Load() {
		return nil, ErrLimiterClosed
	}

	now := time.Now()
	start, end := windowBounds(now, l.window)

	ceiling := l.ceiling.Load()
	if ceiling <= 0 {
		return &Result{Allowed: true, Limit: 0, ResetAt: end}, nil
	}

	// The window start is part of the key, so every window gets a fresh
	// counter. A one-window grace on the expiry covers clock skew between
	// gateway replicas.
	fullKey := fmt.Sprintf("%s:%s:%d", l.keyPrefix, key, start.Unix())
	expireAt := end.Add(l.window).Unix()

	cmd, err := l.evalScript(ctx, []string{fullKey}, ceiling, expireAt)
	if err != nil {
		return nil, err
	}

	res, err := parseScriptResult(cmd)
	if err != nil {
		return nil, err
	}

	res.Limit = ceiling
	res.ResetAt = end
	if !res.Allowed {
		res.RetryIn = end.Sub(now)
	}
	return res, nil
}

// Close marks the limiter as closed and closes the underlying Redis client.
// Subsequent calls to Allow return ErrLimiterClosed.
func (l *Limiter) Close() error {
	l.closed.Store(true)
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client (used for lifecycle management).
func (l *Limiter) Client() redis.Client {
	return l.client
}

// parseScriptResult parses the Lua {allowed, count, remaining} response.
func parseScriptResult(cmd interface{ Slice() ([]any, error) }) (*Result, error) {
	arr, err := cmd.Slice()
	if err != nil {
		return nil, fmt.Errorf("reading script result: %w", err)
	}

	if len(arr) != 3 {
		return nil, fmt.Errorf("script returned %d elements, want 3", len(arr))
	}

	allowed, err := toInt64(arr[0])
	if err != nil {
		return nil, fmt.Errorf("parsing allowed: %w", err)
	}

	count, err := toInt64(arr[1])
	if err != nil {
		return nil, fmt.Errorf("parsing count: %w", err)
	}

	remaining, err := toInt64(arr[2])
	if err != nil {
		return nil, fmt.Errorf("parsing remaining: %w", err)
	}

	return &Result{
		Allowed:   allowed == 1,
		Count:     count,
		Remaining: remaining,
	}, nil
}

// toInt64 converts a Redis response value to int64.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	}
}
