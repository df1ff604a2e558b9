package ratelimit

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaceavenue/ngfw/internal/config"
	"github.com/spaceavenue/ngfw/internal/observability"
	"github.com/spaceavenue/ngfw/internal/redis"
)

// cryptoRandFloat64 returns a cryptographically random float64 in [0, 1).
func cryptoRandFloat64() float64 {
	var buf [8]byte
	if _, err := cryptorand.Read(buf[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
}

// Default recovery backoff configuration.
var (
	defaultRecoveryBackoffBase = time.Second
	defaultRecoveryBackoffMax  = 30 * time.Second

	defaultBackoffJitter = func(d time.Duration) time.Duration {
		factor := 0.8 + cryptoRandFloat64()*0.4
		return time.Duration(float64(d) * factor)
	}
)

// Service enforces the per-client request ceiling. It prefers the shared
// Redis counter so all gateway replicas see one window; when Redis is not
// configured or unreachable it applies the configured failure policy,
// degrading to the process-local window store where the policy allows it.
type Service struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	mu             sync.RWMutex
	limiter        *Limiter
	redisUnhealthy bool

	memory *MemoryLimiter

	ceiling  atomic.Int64
	window   time.Duration
	prefix   string
	policy   config.FailurePolicy
	redisCfg *config.RedisConfig
	maxRecov int

	ctx          context.Context
	cancel       context.CancelFunc
	reconnectMu  sync.Mutex
	reconnecting bool
	closeOnce    sync.Once

	// Per-instance backoff settings so tests can shrink the recovery loop
	// without racing other tests on package globals.
	recoveryBackoffBase time.Duration
	recoveryBackoffMax  time.Duration
	backoffJitter       func(time.Duration) time.Duration
}

// ServiceOption configures optional Service behavior.
type ServiceOption func(*Service)

// WithRecoveryBackoff overrides the recovery loop backoff parameters.
// Intended for tests; production callers should use the defaults.
func WithRecoveryBackoff(base, maxBackoff time.Duration, jitter func(time.Duration) time.Duration) ServiceOption {
	return func(s *Service) {
		s.recoveryBackoffBase = base
		s.recoveryBackoffMax = maxBackoff
		s.backoffJitter = jitter
	}
}

// NewService builds the rate-limit service from config. When Redis is
// configured but unreachable at startup, passthrough and inmemoryfallback
// start degraded and recover in the background; failclosed refuses to start.
func NewService(
	parentCtx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	metrics *observability.Metrics,
	opts ...ServiceOption,
) (*Service, error) {
	ctx, cancel := context.WithCancel(parentCtx)

	window := config.MustParseDuration(cfg.RateLimit.Window, time.Minute)

	mem, err := NewMemoryLimiter(cfg.RateLimit.WindowCeiling, window, 0)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("memory limiter: %w", err)
	}

	s := &Service{
		logger:              logger,
		metrics:             metrics,
		memory:              mem,
		window:              window,
		prefix:              cfg.RateLimit.KeyPrefix,
		policy:              cfg.RateLimit.FailurePolicy,
		redisCfg:            cfg.Redis,
		maxRecov:            cfg.RateLimit.MaxRecoveryAttempts,
		ctx:                 ctx,
		cancel:              cancel,
		recoveryBackoffBase: defaultRecoveryBackoffBase,
		recoveryBackoffMax:  defaultRecoveryBackoffMax,
		backoffJitter:       defaultBackoffJitter,
	}
	s.ceiling.Store(cfg.RateLimit.WindowCeiling)
	for _, o := range opts {
		o(s)
	}

	if cfg.Redis != nil {
		client, redisErr := redis.NewClient(*cfg.Redis)
		if redisErr != nil {
			switch s.policy {
			case config.FailurePolicyPassThrough, config.FailurePolicyInMemoryFallback:
				logger.Warn("redis unavailable at startup, operating in fallback mode",
					"error", redisErr, "policy", s.policy)
				metrics.SetRedisUp(false)
				s.markUnhealthy()
				s.startRecoveryIfNeeded()
			default:
				cancel()
				mem.Close()
				return nil, fmt.Errorf("redis connection failed: %w", redisErr)
			}
		} else {
			s.limiter = NewLimiter(client, s.ceiling.Load(), window, s.prefix, logger)
			metrics.SetRedisUp(true)
		}
	}

	return s, nil
}

// Check counts the request for key in the current window. It never returns
// an error to the caller: Redis failures are absorbed by the failure policy
// and reflected in the result.
func (s *Service) Check(ctx context.Context, key string) *Result {
	ceiling := s.ceiling.Load()
	if ceiling <= 0 {
		_, end := windowBounds(time.Now(), s.window)
		return &Result{Allowed: true, ResetAt: end}
	}

	s.mu.RLock()
	lim := s.limiter
	s.mu.RUnlock()

	if lim != nil {
		res, err := lim.Allow(ctx, key)
		if err == nil {
			return res
		}
		s.handleLimiterError(err)
	}

	// No Redis configured, or it just failed: apply the failure policy.
	if s.redisCfg == nil {
		return s.memory.Allow(key, time.Now())
	}

	switch s.policy {
	case config.FailurePolicyPassThrough:
		_, end := windowBounds(time.Now(), s.window)
		return &Result{Allowed: true, Limit: ceiling, Remaining: ceiling, ResetAt: end}
	case config.FailurePolicyFailClosed:
		_, end := windowBounds(time.Now(), s.window)
		return &Result{Allowed: false, Limit: ceiling, ResetAt: end, RetryIn: time.Until(end)}
	default: // inmemoryfallback
		s.metrics.IncFallbackUsed()
		return s.memory.Allow(key, time.Now())
	}
}

func (s *Service) handleLimiterError(err error) {
	s.metrics.IncRedisErrors()

	if !redis.IsConnectivityErr(err) {
		s.logger.Warn("rate limit check failed", "error", err)
		return
	}

	s.mu.Lock()
	old := s.swapLimiterLocked(nil)
	shouldLog := !s.redisUnhealthy
	s.redisUnhealthy = true
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	if shouldLog {
		s.metrics.SetRedisUp(false)
		s.logger.Warn("redis became unhealthy, switching to fallback",
			"error", err, "policy", s.policy)
	}
	s.startRecoveryIfNeeded()
}

func (s *Service) markUnhealthy() {
	s.mu.Lock()
	s.redisUnhealthy = true
	s.mu.Unlock()
}

func (s *Service) swapLimiterLocked(newLim *Limiter) redis.Client {
	var old redis.Client
	if s.limiter != nil {
		old = s.limiter.Client()
	}
	s.limiter = newLim
	return old
}

// SetCeiling hot-swaps the window ceiling on the service and both backends.
// Used by config reload; the window length itself is not reloadable.
func (s *Service) SetCeiling(ceiling int64) {
	s.ceiling.Store(ceiling)
	s.memory.SetCeiling(ceiling)

	s.mu.RLock()
	lim := s.limiter
	s.mu.RUnlock()
	if lim != nil {
		lim.SetCeiling(ceiling)
	}
}

// Healthy reports whether the Redis counter is currently in use. Always true
// for in-memory-only deployments.
func (s *Service) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.redisCfg == nil {
		return true
	}
	return !s.redisUnhealthy && s.limiter != nil
}

// redisPingerAdapter wraps a redis.Client as an observability.Pinger.
type redisPingerAdapter struct {
	client redis.Client
}

func (a *redisPingerAdapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

// RedisPinger returns a Pinger probing the current Redis connection, or nil
// when no Redis limiter is active.
func (s *Service) RedisPinger() observability.Pinger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.limiter == nil {
		return nil
	}
	return &redisPingerAdapter{client: s.limiter.Client()}
}

// ---------------------------------------------------------------------------
// Recovery
// ---------------------------------------------------------------------------

func (s *Service) startRecoveryIfNeeded() {
	if s.ctx.Err() != nil || s.redisCfg == nil {
		return
	}

	s.reconnectMu.Lock()
	if s.reconnecting {
		s.reconnectMu.Unlock()
		return
	}
	s.reconnecting = true
	s.reconnectMu.Unlock()

	go func() {
		s.recoveryLoop()
		s.reconnectMu.Lock()
		s.reconnecting = false
		s.reconnectMu.Unlock()
	}()
}

func (s *Service) recoveryLoop() {
	backoff := s.recoveryBackoffBase
	attempt := 0

	for {
		if s.ctx.Err() != nil {
			return
		}

		client, err := redis.NewClient(*s.redisCfg)
		if err != nil {
			attempt++
			if done := s.recoveryRetry(&backoff, attempt, err); done {
				return
			}
			continue
		}

		if s.ctx.Err() != nil {
			_ = client.Close()
			return
		}

		s.recoveryInstall(client)
		return
	}
}

func (s *Service) recoveryRetry(backoff *time.Duration, attempt int, err error) (done bool) {
	if s.maxRecov > 0 && attempt >= s.maxRecov {
		s.logger.Error("redis recovery exhausted max attempts, giving up",
			"attempts", attempt, "max", s.maxRecov, "last_error", err)
		return true
	}

	sleep := s.backoffJitter(*backoff)

	if attempt <= 5 || attempt%10 == 0 {
		s.logger.Warn("redis recovery attempt failed",
			"attempt", attempt, "error", err, "next_in", sleep)
	}

	timer := time.NewTimer(sleep)
	select {
	case <-s.ctx.Done():
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		return true
	case <-timer.C:
	}

	*backoff = min(*backoff*2, s.recoveryBackoffMax)
	return false
}

func (s *Service) recoveryInstall(client redis.Client) {
	limiter := NewLimiter(client, s.ceiling.Load(), s.window, s.prefix, s.logger)

	s.mu.Lock()
	old := s.swapLimiterLocked(limiter)
	s.redisUnhealthy = false
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	s.metrics.SetRedisUp(true)
	s.logger.Info("redis connection recovered")
}

// Close stops the recovery loop and releases the Redis client and the
// in-memory window store. Idempotent.
func (s *Service) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		old := s.swapLimiterLocked(nil)
		s.redisUnhealthy = true
		s.mu.Unlock()

		if old != nil {
			firstErr = old.Close()
		}
		if s.memory != nil {
			s.memory.Close()
		}
	})
	return firstErr
}
