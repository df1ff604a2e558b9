package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spaceavenue/ngfw/internal/audit"
	"github.com/spaceavenue/ngfw/internal/config"
	"github.com/spaceavenue/ngfw/internal/decision"
	"github.com/spaceavenue/ngfw/internal/fingerprint"
	"github.com/spaceavenue/ngfw/internal/observability"
	"github.com/spaceavenue/ngfw/internal/proxy"
	"github.com/spaceavenue/ngfw/internal/ratelimit"
	"github.com/spaceavenue/ngfw/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturingBackend records what the forward delivered.
type capturingBackend struct {
	mu       sync.Mutex
	lastPath string
	lastHdr  http.Header
}

func (b *capturingBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.lastPath = r.URL.Path
		b.lastHdr = r.Header.Clone()
		b.mu.Unlock()
		fmt.Fprint(w, "ok")
	}
}

func (b *capturingBackend) path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPath
}

type testGateway struct {
	pipeline *Pipeline
	audit    *audit.Log
	metrics  *observability.Metrics
	backend  *capturingBackend
	sessions *session.Tracker
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) *testGateway {
	t.Helper()

	backend := &capturingBackend{}
	backendSrv := httptest.NewServer(backend.handler())
	t.Cleanup(backendSrv.Close)

	cfg := config.Defaults()
	cfg.Backend.URL = backendSrv.URL
	cfg.RateLimit.WindowCeiling = 100
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.Default()
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	tracker, err := session.NewTracker(cfg.Session)
	require.NoError(t, err)
	t.Cleanup(tracker.Close)

	limiter, err := ratelimit.NewService(context.Background(), cfg, logger, metrics)
	require.NoError(t, err)
	t.Cleanup(func() { _ = limiter.Close() })

	fwd, err := proxy.New(cfg.Backend, logger)
	require.NoError(t, err)

	auditLog := audit.NewLog(0, logger, metrics)

	p := NewPipeline(cfg, Deps{
		Logger:   logger,
		Metrics:  metrics,
		Sessions: tracker,
		Limiter:  limiter,
		Audit:    auditLog,
		Forward:  fwd,
	})

	return &testGateway{pipeline: p, audit: auditLog, metrics: metrics, backend: backend, sessions: tracker}
}

func doRequest(g *testGateway, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	g.pipeline.ServeHTTP(w, r)
	return w
}

func TestPipelineForward(t *testing.T) {
	t.Run("allowed request is forwarded with the prefix stripped", func(t *testing.T) {
		g := newTestGateway(t, nil)

		w := doRequest(g, "GET", "/fw/public/docs", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ok", w.Body.String())
		assert.Equal(t, "/public/docs", g.backend.path())
	})

	t.Run("risk headers and the request ID are set on allowed responses", func(t *testing.T) {
		g := newTestGateway(t, nil)

		w := doRequest(g, "GET", "/fw/public/docs", nil)

		h := w.Header()
		assert.NotEmpty(t, h.Get("X-Request-Id"))
		assert.NotEmpty(t, h.Get(decision.HeaderFinalRisk))
		assert.NotEmpty(t, h.Get(decision.HeaderRuleRisk))
		assert.NotEmpty(t, h.Get(decision.HeaderMLRisk))
		assert.NotEmpty(t, h.Get(decision.HeaderTLSRisk))
		assert.Equal(t, "normal", h.Get(decision.HeaderLabel))
	})

	t.Run("inbound request ID is echoed", func(t *testing.T) {
		g := newTestGateway(t, nil)
		w := doRequest(g, "GET", "/fw/public/docs", map[string]string{
			"X-Request-Id": "corr-12345",
		})
		assert.Equal(t, "corr-12345", w.Header().Get("X-Request-Id"))
	})

	t.Run("decision and completion entries land in the audit chain", func(t *testing.T) {
		g := newTestGateway(t, nil)
		doRequest(g, "GET", "/fw/public/docs", nil)

		entries := g.audit.Entries()
		require.Len(t, entries, 2)
		assert.Equal(t, audit.EventDecision, entries[0].EventType)
		assert.Equal(t, audit.EventCompletion, entries[1].EventType)
		assert.Equal(t, http.StatusOK, entries[1].StatusCode)
		require.NotNil(t, entries[1].RelatedSeq)
		assert.Equal(t, int64(0), *entries[1].RelatedSeq)
		assert.True(t, g.audit.Verify().Valid)

		assert.Equal(t, int64(1), g.metrics.Snapshot().Allowed)
	})

	t.Run("a known user reaches an application path with a normal label", func(t *testing.T) {
		g := newTestGateway(t, nil)

		w := doRequest(g, "GET", "/fw/info", map[string]string{
			"x-user-id":   "alice",
			"x-user-role": "user",
		})

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "/info", g.backend.path())
		assert.Equal(t, "normal", w.Header().Get(decision.HeaderLabel))

		dec := g.audit.Entries()[0]
		assert.True(t, dec.Allowed)
		assert.Less(t, dec.FinalRisk, 0.4)
	})

	t.Run("unknown role falls back to guest policy", func(t *testing.T) {
		g := newTestGateway(t, nil)
		w := doRequest(g, "GET", "/fw/public/docs", map[string]string{
			"x-user-role": "wizard",
		})
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestPipelineBlocks(t *testing.T) {
	t.Run("RBAC denial returns 403 with the reason", func(t *testing.T) {
		g := newTestGateway(t, nil)

		w := doRequest(g, "GET", "/fw/admin/panel", nil)

		assert.Equal(t, http.StatusForbidden, w.Code)

		var body struct {
			Error   string   `json:"error"`
			Reasons []string `json:"reasons"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, decision.BlockReasonRBAC, body.Error)
		assert.NotEmpty(t, body.Reasons)

		assert.Equal(t, int64(1), g.metrics.Snapshot().BlockedRBAC)
		assert.Empty(t, g.backend.path(), "blocked requests never reach the backend")

		entries := g.audit.Entries()
		require.Len(t, entries, 1, "no completion entry for blocked requests")
		assert.False(t, entries[0].Allowed)
	})

	t.Run("risk above the block threshold returns 403", func(t *testing.T) {
		scorer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"ml_risk": 0.95, "ml_label": "high_risk"}`)
		}))
		defer scorer.Close()

		g := newTestGateway(t, func(cfg *config.Config) {
			cfg.ML.Enabled = true
			cfg.ML.URL = scorer.URL
		})

		w := doRequest(g, "GET", "/fw/public/docs", nil)

		assert.Equal(t, http.StatusForbidden, w.Code)
		var body struct {
			Error string `json:"error"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, decision.BlockReasonRisk, body.Error)
		assert.Equal(t, int64(1), g.metrics.Snapshot().BlockedRisk)
	})

	t.Run("unreachable scorer fails open", func(t *testing.T) {
		g := newTestGateway(t, func(cfg *config.Config) {
			cfg.ML.Enabled = true
			cfg.ML.URL = "http://127.0.0.1:1"
		})

		w := doRequest(g, "GET", "/fw/public/docs", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int64(1), g.metrics.Snapshot().MLErrors)
	})
}

func TestPipelineHoneypot(t *testing.T) {
	t.Run("observe polarity lets the request through with a forced label", func(t *testing.T) {
		g := newTestGateway(t, nil)

		w := doRequest(g, "GET", "/fw/wp-admin/setup.php", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "high_risk", w.Header().Get(decision.HeaderLabel))
		assert.Equal(t, int64(1), g.metrics.Snapshot().HoneypotHits)
		assert.Equal(t, "/wp-admin/setup.php", g.backend.path())
	})

	t.Run("deny polarity rejects honeypot traffic", func(t *testing.T) {
		g := newTestGateway(t, func(cfg *config.Config) {
			cfg.RBAC.HoneypotPolicy = config.HoneypotDeny
		})

		w := doRequest(g, "GET", "/fw/wp-admin/setup.php", nil)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, int64(1), g.metrics.Snapshot().HoneypotHits)
	})
}

func TestPipelineRateLimit(t *testing.T) {
	t.Run("requests past the ceiling short-circuit with 429", func(t *testing.T) {
		g := newTestGateway(t, func(cfg *config.Config) {
			cfg.RateLimit.WindowCeiling = 2
		})

		hdr := map[string]string{"X-Forwarded-For": "203.0.113.50"}
		assert.Equal(t, http.StatusOK, doRequest(g, "GET", "/fw/public/docs", hdr).Code)
		assert.Equal(t, http.StatusOK, doRequest(g, "GET", "/fw/public/docs", hdr).Code)

		w := doRequest(g, "GET", "/fw/public/docs", hdr)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.NotEmpty(t, w.Header().Get("Retry-After"))
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

		var body struct {
			Error string `json:"error"`
			Limit int64  `json:"limit"`
			Reset string `json:"reset"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "Rate limit exceeded", body.Error)
		assert.Equal(t, int64(2), body.Limit)
		assert.NotEmpty(t, body.Reset)

		assert.Equal(t, int64(1), g.metrics.Snapshot().Limited)

		entries := g.audit.Entries()
		last := entries[len(entries)-1]
		assert.Equal(t, decision.LabelRateLimited, last.Label)
		assert.Equal(t, 1.0, last.FinalRisk)
		assert.False(t, last.Allowed)
	})

	t.Run("clients are limited independently", func(t *testing.T) {
		g := newTestGateway(t, func(cfg *config.Config) {
			cfg.RateLimit.WindowCeiling = 1
		})

		a := map[string]string{"X-Forwarded-For": "203.0.113.60"}
		b := map[string]string{"X-Forwarded-For": "203.0.113.61"}
		assert.Equal(t, http.StatusOK, doRequest(g, "GET", "/fw/public/docs", a).Code)
		assert.Equal(t, http.StatusTooManyRequests, doRequest(g, "GET", "/fw/public/docs", a).Code)
		assert.Equal(t, http.StatusOK, doRequest(g, "GET", "/fw/public/docs", b).Code)
	})
}

func TestPipelineSessionRisk(t *testing.T) {
	t.Run("accumulated session boost stacks into the rule score", func(t *testing.T) {
		g := newTestGateway(t, nil)

		// Three weak-cipher observations raise the session boost to 0.45.
		weak := fingerprint.Fingerprint{
			Cipher:    "TLS_RSA_WITH_AES_128_CBC_SHA256",
			Composite: "TLS1.2|TLS_RSA_WITH_AES_128_CBC_SHA256|-|unknown",
		}
		for range 3 {
			g.sessions.Record("203.0.113.70", weak, time.Now())
		}

		w := doRequest(g, "GET", "/fw/public/docs", map[string]string{
			"X-Forwarded-For": "203.0.113.70",
		})
		require.Equal(t, http.StatusOK, w.Code)

		dec := g.audit.Entries()[0]
		// anonymous 0.15 + full boost 0.45, summed, not max-combined.
		assert.InDelta(t, 0.60, dec.RuleRisk, 0.001)
		assert.Contains(t, dec.Reasons, "elevated_transport_risk")
		assert.Equal(t, "medium_risk", dec.Label)
	})

	t.Run("a boost below the floor does not move the rule score", func(t *testing.T) {
		g := newTestGateway(t, nil)

		weak := fingerprint.Fingerprint{Cipher: "TLS_RSA_WITH_AES_128_CBC_SHA256"}
		g.sessions.Record("203.0.113.72", weak, time.Now())

		w := doRequest(g, "GET", "/fw/public/docs", map[string]string{
			"X-Forwarded-For": "203.0.113.72",
		})
		require.Equal(t, http.StatusOK, w.Code)

		dec := g.audit.Entries()[0]
		assert.InDelta(t, 0.15, dec.RuleRisk, 0.001)
		assert.NotContains(t, dec.Reasons, "elevated_transport_risk")
	})
}

func TestPipelineDegradedRateSignal(t *testing.T) {
	t.Run("cadence past the ceiling raises rule risk when the limiter passes through", func(t *testing.T) {
		g := newTestGateway(t, func(cfg *config.Config) {
			cfg.RateLimit.WindowCeiling = 2
			cfg.RateLimit.FailurePolicy = config.FailurePolicyPassThrough
			cfg.Redis = &config.RedisConfig{
				Endpoints:   []string{"127.0.0.1:1"},
				Mode:        config.RedisModeSingle,
				DialTimeout: "100ms",
			}
		})

		hdr := map[string]string{"X-Forwarded-For": "203.0.113.71"}
		for range 2 {
			require.Equal(t, http.StatusOK, doRequest(g, "GET", "/fw/public/docs", hdr).Code)
		}

		w := doRequest(g, "GET", "/fw/public/docs", hdr)
		assert.Equal(t, http.StatusOK, w.Code, "passthrough never blocks")

		entries := g.audit.Entries()
		dec := entries[len(entries)-2] // decision entry of the third request
		assert.Contains(t, dec.Reasons, "rate_exceeded")
		// anonymous 0.15 + rate 0.40.
		assert.InDelta(t, 0.55, dec.RuleRisk, 0.001)
	})
}

func TestPipelineGatewayError(t *testing.T) {
	t.Run("backend failure yields 500 and a gateway_error completion", func(t *testing.T) {
		g := newTestGateway(t, func(cfg *config.Config) {
			cfg.Backend.URL = "http://127.0.0.1:1"
		})

		w := doRequest(g, "GET", "/fw/public/docs", nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, int64(1), g.metrics.Snapshot().BackendErrs)

		entries := g.audit.Entries()
		require.Len(t, entries, 2)
		comp := entries[1]
		assert.Equal(t, audit.EventCompletion, comp.EventType)
		assert.Equal(t, http.StatusInternalServerError, comp.StatusCode)
		assert.Equal(t, decision.LabelGatewayError, comp.Label)
	})
}

func TestPipelineReload(t *testing.T) {
	t.Run("policy swap takes effect without restart", func(t *testing.T) {
		g := newTestGateway(t, nil)
		assert.Equal(t, http.StatusOK, doRequest(g, "GET", "/fw/public/docs", nil).Code)

		cfg := config.Defaults()
		cfg.RBAC.Roles["guest"] = config.RolePolicy{
			Allow: []string{"/api/status"},
			Deny:  []string{"/public"},
		}
		g.pipeline.UpdatePolicy(cfg)

		assert.Equal(t, http.StatusForbidden, doRequest(g, "GET", "/fw/public/docs", nil).Code)
	})
}
