package ratelimit

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spaceavenue/ngfw/internal/config"
	"github.com/spaceavenue/ngfw/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serviceConfig(ceiling int64) *config.Config {
	cfg := config.Defaults()
	cfg.RateLimit.WindowCeiling = ceiling
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	s, err := NewService(
		context.Background(), cfg, slog.Default(),
		observability.NewMetrics(prometheus.NewRegistry()),
		WithRecoveryBackoff(10*time.Millisecond, 50*time.Millisecond,
			func(d time.Duration) time.Duration { return d }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestServiceInMemoryOnly(t *testing.T) {
	t.Run("enforces the ceiling without redis", func(t *testing.T) {
		s := newTestService(t, serviceConfig(2))

		require.True(t, s.Check(context.Background(), "10.0.0.1").Allowed)
		require.True(t, s.Check(context.Background(), "10.0.0.1").Allowed)
		res := s.Check(context.Background(), "10.0.0.1")
		assert.False(t, res.Allowed)
		assert.Greater(t, res.RetryIn, time.Duration(0))
	})

	t.Run("zero ceiling allows everything", func(t *testing.T) {
		s := newTestService(t, serviceConfig(0))
		for i := 0; i < 50; i++ {
			assert.True(t, s.Check(context.Background(), "10.0.0.2").Allowed)
		}
	})

	t.Run("reports healthy without redis", func(t *testing.T) {
		s := newTestService(t, serviceConfig(5))
		assert.True(t, s.Healthy())
		assert.Nil(t, s.RedisPinger())
	})
}

func TestServiceWithRedis(t *testing.T) {
	t.Run("counts through the shared redis window", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := serviceConfig(2)
		cfg.Redis = &config.RedisConfig{
			Endpoints: []string{mr.Addr()},
			Mode:      config.RedisModeSingle,
		}
		s := newTestService(t, cfg)

		require.True(t, s.Check(context.Background(), "10.0.0.3").Allowed)
		require.True(t, s.Check(context.Background(), "10.0.0.3").Allowed)
		assert.False(t, s.Check(context.Background(), "10.0.0.3").Allowed)
		assert.True(t, s.Healthy())
		assert.NotNil(t, s.RedisPinger())
	})

	t.Run("failclosed refuses to start when redis is unreachable", func(t *testing.T) {
		cfg := serviceConfig(2)
		cfg.RateLimit.FailurePolicy = config.FailurePolicyFailClosed
		cfg.Redis = &config.RedisConfig{
			Endpoints:   []string{"127.0.0.1:1"},
			Mode:        config.RedisModeSingle,
			DialTimeout: "100ms",
		}
		_, err := NewService(context.Background(), cfg, slog.Default(),
			observability.NewMetrics(prometheus.NewRegistry()))
		assert.Error(t, err)
	})

	t.Run("inmemoryfallback starts degraded when redis is unreachable", func(t *testing.T) {
		cfg := serviceConfig(1)
		cfg.RateLimit.FailurePolicy = config.FailurePolicyInMemoryFallback
		cfg.RateLimit.MaxRecoveryAttempts = 1
		cfg.Redis = &config.RedisConfig{
			Endpoints:   []string{"127.0.0.1:1"},
			Mode:        config.RedisModeSingle,
			DialTimeout: "100ms",
		}
		s := newTestService(t, cfg)

		assert.False(t, s.Healthy())
		require.True(t, s.Check(context.Background(), "10.0.0.4").Allowed)
		assert.False(t, s.Check(context.Background(), "10.0.0.4").Allowed)
	})

	t.Run("passthrough allows everything while degraded", func(t *testing.T) {
		cfg := serviceConfig(1)
		cfg.RateLimit.FailurePolicy = config.FailurePolicyPassThrough
		cfg.RateLimit.MaxRecoveryAttempts = 1
		cfg.Redis = &config.RedisConfig{
			Endpoints:   []string{"127.0.0.1:1"},
			Mode:        config.RedisModeSingle,
			DialTimeout: "100ms",
		}
		s := newTestService(t, cfg)

		for i := 0; i < 10; i++ {
			assert.True(t, s.Check(context.Background(), "10.0.0.5").Allowed)
		}
	})

	t.Run("switches to fallback when redis dies mid-flight", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := serviceConfig(1)
		cfg.RateLimit.FailurePolicy = config.FailurePolicyInMemoryFallback
		cfg.RateLimit.MaxRecoveryAttempts = 2
		cfg.Redis = &config.RedisConfig{
			Endpoints:   []string{mr.Addr()},
			Mode:        config.RedisModeSingle,
			DialTimeout: "100ms",
			ReadTimeout: "100ms",
		}
		s := newTestService(t, cfg)

		require.True(t, s.Check(context.Background(), "10.0.0.6").Allowed)
		mr.Close()

		// First check after the outage flips the service to the fallback;
		// the fallback window still enforces the ceiling.
		require.True(t, s.Check(context.Background(), "10.0.0.7").Allowed)
		assert.False(t, s.Healthy())
		assert.False(t, s.Check(context.Background(), "10.0.0.7").Allowed)
	})

	t.Run("recovers when redis comes back", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := serviceConfig(100)
		cfg.RateLimit.FailurePolicy = config.FailurePolicyInMemoryFallback
		cfg.Redis = &config.RedisConfig{
			Endpoints:   []string{mr.Addr()},
			Mode:        config.RedisModeSingle,
			DialTimeout: "100ms",
			ReadTimeout: "100ms",
		}
		s := newTestService(t, cfg)

		require.True(t, s.Check(context.Background(), "10.0.0.8").Allowed)

		mr.Close()
		s.Check(context.Background(), "10.0.0.8")
		require.False(t, s.Healthy())

		require.NoError(t, mr.Restart())

		assert.Eventually(t, s.Healthy, 2*time.Second, 20*time.Millisecond,
			"service should reinstall the redis limiter after recovery")
	})
}
