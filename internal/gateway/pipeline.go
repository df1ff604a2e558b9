package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaceavenue/ngfw/internal/audit"
	"github.com/spaceavenue/ngfw/internal/config"
	"github.com/spaceavenue/ngfw/internal/decision"
	"github.com/spaceavenue/ngfw/internal/fingerprint"
	"github.com/spaceavenue/ngfw/internal/mlscore"
	"github.com/spaceavenue/ngfw/internal/observability"
	"github.com/spaceavenue/ngfw/internal/proxy"
	"github.com/spaceavenue/ngfw/internal/ratelimit"
	"github.com/spaceavenue/ngfw/internal/rbac"
	"github.com/spaceavenue/ngfw/internal/rules"
	"github.com/spaceavenue/ngfw/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const blockReasonRateLimit = "Rate limit exceeded"

// policySet bundles the stages rebuilt on config reload. Swapped atomically
// so in-flight requests always see one consistent policy.
type policySet struct {
	rbac       *rbac.Engine
	rules      *rules.Engine
	aggregator *decision.Aggregator
	ml         *mlscore.Client
}

func buildPolicy(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *policySet {
	ruleEngine := rules.New(cfg.Risk)
	return &policySet{
		rbac:       rbac.New(cfg.RBAC),
		rules:      ruleEngine,
		aggregator: decision.New(cfg.Risk.BlockThreshold, ruleEngine),
		ml:         mlscore.NewClient(cfg.ML, logger, metrics),
	}
}

// Deps are the long-lived collaborators the pipeline does not own.
type Deps struct {
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Sessions *session.Tracker
	Limiter  *ratelimit.Service
	Audit    *audit.Log
	Shipper  *audit.Shipper // may be nil
	Forward  http.Handler
}

// Pipeline runs every request through the inspection stages and forwards the
// survivors. Implements http.Handler for the forward prefix.
type Pipeline struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	forwardPrefix string

	sessions *session.Tracker
	limiter  *ratelimit.Service
	audit    *audit.Log
	shipper  *audit.Shipper
	forward  http.Handler

	policy atomic.Pointer[policySet]

	now func() time.Time
}

// NewPipeline builds the pipeline with the policy stages derived from cfg.
func NewPipeline(cfg *config.Config, d Deps) *Pipeline {
	p := &Pipeline{
		logger:        d.Logger.With("component", "pipeline"),
		metrics:       d.Metrics,
		tracer:        otel.Tracer("ngfw/gateway"),
		forwardPrefix: cfg.Server.ForwardPrefix,
		sessions:      d.Sessions,
		limiter:       d.Limiter,
		audit:         d.Audit,
		shipper:       d.Shipper,
		forward:       d.Forward,
		now:           time.Now,
	}
	p.policy.Store(buildPolicy(cfg, d.Logger, d.Metrics))
	return p
}

// UpdatePolicy rebuilds the reloadable stages (RBAC tables, risk thresholds,
// ML endpoint) from a freshly loaded config. Hot-reload entry point.
func (p *Pipeline) UpdatePolicy(cfg *config.Config) {
	p.policy.Store(buildPolicy(cfg, p.logger, p.metrics))
	p.logger.Info("pipeline policy reloaded")
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := p.now()
	rc := buildContext(r, p.forwardPrefix, start)
	w.Header().Set(HeaderRequestID, rc.RequestID)

	pol := p.policy.Load()

	stage := p.now()
	fp := fingerprint.Analyze(r.TLS, rc.UserAgent)
	snap := p.sessions.Record(rc.ClientIP, fp, start)
	p.observeStage("fingerprint", stage)

	stage = p.now()
	rl := p.limiter.Check(r.Context(), rc.ClientIP)
	p.observeStage("ratelimit", stage)
	if !rl.Allowed {
		p.rejectRateLimited(w, rc, fp, snap, rl)
		p.observeRequest(rc.Method, http.StatusTooManyRequests, start)
		return
	}

	stage = p.now()
	rbacRes := pol.rbac.Evaluate(rc.Role, rc.Path)
	if rbacRes.Honeypot {
		p.metrics.IncHoneypotHits()
		p.logger.Warn("honeypot path touched",
			"client_ip", rc.ClientIP, "path", rc.Path, "request_id", rc.RequestID)
	}

	// TransportRisk here is the session tracker's decayed risk boost, so
	// accumulated transport signals stack additively into the rule score; the
	// per-request bot score enters the aggregator separately. The cadence
	// check uses the session's own window counter: it stays live when the
	// limiter is degraded to passthrough and its counts are unavailable.
	assessment := pol.rules.Evaluate(rules.Input{
		UserID:        rc.UserID,
		Role:          rbacRes.Role,
		Path:          rc.Path,
		Cipher:        fp.Cipher,
		AdminPath:     pol.rbac.IsAdminPath(rc.Path),
		Honeypot:      rbacRes.Honeypot,
		RateExceeded:  rl.Limit > 0 && snap.Count > rl.Limit,
		TransportRisk: snap.RiskBoost,
		SessionAge:    snap.Age,
	})
	p.observeStage("rules", stage)

	stage = p.now()
	mlCtx, mlSpan := p.tracer.Start(r.Context(), "mlscore.score")
	mlRes := pol.ml.Score(mlCtx, mlscore.Request{
		Method:         rc.Method,
		Path:           rc.Path,
		Role:           rbacRes.Role,
		UserID:         rc.UserID,
		UserAgent:      rc.UserAgent,
		RuleRisk:       assessment.Score,
		TLSFingerprint: fp.Composite,
		RequestRate:    snap.Count,
		TLSRisk:        snap.RiskBoost,
	})
	mlSpan.End()
	p.observeStage("mlscore", stage)

	d := pol.aggregator.Combine(decision.Inputs{
		RBAC:               rbacRes,
		Rule:               assessment,
		TransportRisk:      fp.BotScore,
		FingerprintSignals: fp.Signals,
		SessionBoost:       snap.RiskBoost,
		ML:                 mlRes,
	})
	p.metrics.ObserveFinalRisk(d.FinalRisk)
	p.metrics.IncDecision(d.Label)

	seq := p.audit.AppendDecision(audit.Record{
		RequestID:   rc.RequestID,
		ClientIP:    rc.ClientIP,
		Method:      rc.Method,
		Path:        rc.Path,
		UserID:      rc.UserID,
		Role:        rbacRes.Role,
		SessionID:   snap.ID,
		Fingerprint: fp.Composite,
		Decision:    d,
	})
	p.shipEntry(seq)

	if !d.Allowed {
		if d.BlockReason == decision.BlockReasonRBAC {
			p.metrics.IncBlockedRBAC()
		} else {
			p.metrics.IncBlockedRisk()
		}
		p.logger.Info("request blocked",
			"client_ip", rc.ClientIP, "path", rc.Path, "reason", d.BlockReason,
			"final_risk", d.FinalRisk, "request_id", rc.RequestID)

		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":     d.BlockReason,
			"finalRisk": d.FinalRisk,
			"label":     d.Label,
			"reasons":   d.Reasons,
		})
		p.observeRequest(rc.Method, http.StatusForbidden, start)
		return
	}

	p.metrics.IncAllowed()
	decision.SetHeaders(w.Header(), d)

	status := p.forwardBackend(w, r, rc, seq)
	p.observeRequest(rc.Method, status, start)
}

// forwardBackend strips the routing prefix, forwards, and appends the linked
// completion entry with the backend status.
func (p *Pipeline) forwardBackend(w http.ResponseWriter, r *http.Request, rc RequestContext, decisionSeq int64) int {
	ctx, flag := proxy.WithErrorFlag(r.Context())
	fwCtx, span := p.tracer.Start(ctx, "backend.forward")

	fr := r.Clone(fwCtx)
	fr.URL.Path = rc.Path
	fr.URL.RawPath = ""

	sw := acquireStatusWriter(w)
	stage := p.now()
	p.forward.ServeHTTP(sw, fr)
	span.End()
	p.observeStage("forward", stage)

	status := sw.Status()
	releaseStatusWriter(sw)

	label := ""
	if flag.Failed() {
		p.metrics.IncBackendErrors()
		label = decision.LabelGatewayError
	}
	compSeq := p.audit.AppendCompletion(decisionSeq, status, label)
	p.shipEntry(compSeq)

	return status
}

// rejectRateLimited short-circuits the pipeline with a 429 and still leaves
// a decision entry in the audit chain.
func (p *Pipeline) rejectRateLimited(
	w http.ResponseWriter,
	rc RequestContext,
	fp fingerprint.Fingerprint,
	snap session.Snapshot,
	rl *ratelimit.Result,
) {
	p.metrics.IncLimited()
	p.metrics.IncDecision(decision.LabelRateLimited)

	d := decision.Decision{
		Allowed:       false,
		FinalRisk:     1.0,
		Label:         decision.LabelRateLimited,
		BlockReason:   blockReasonRateLimit,
		TransportRisk: fp.BotScore,
		SessionBoost:  snap.RiskBoost,
		Reasons:       []string{"rate_exceeded"},
	}
	seq := p.audit.AppendDecision(audit.Record{
		RequestID:   rc.RequestID,
		ClientIP:    rc.ClientIP,
		Method:      rc.Method,
		Path:        rc.Path,
		UserID:      rc.UserID,
		Role:        rc.Role,
		SessionID:   snap.ID,
		Fingerprint: fp.Composite,
		Decision:    d,
	})
	p.shipEntry(seq)

	retryAfter := int(rl.RetryIn.Round(time.Second).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	h := w.Header()
	h.Set("Retry-After", strconv.Itoa(retryAfter))
	h.Set("X-RateLimit-Limit", strconv.FormatInt(rl.Limit, 10))
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))

	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":     blockReasonRateLimit,
		"limit":     rl.Limit,
		"remaining": 0,
		"reset":     rl.ResetAt.UTC().Format(time.RFC3339),
	})
}

func (p *Pipeline) shipEntry(seq int64) {
	if p.shipper == nil {
		return
	}
	if e, ok := p.audit.Entry(seq); ok {
		p.shipper.Ship(e)
	}
}

func (p *Pipeline) observeStage(stageName string, since time.Time) {
	p.metrics.PromStageDuration.WithLabelValues(stageName).Observe(p.now().Sub(since).Seconds())
}

func (p *Pipeline) observeRequest(method string, status int, since time.Time) {
	p.metrics.PromRequestDuration.
		WithLabelValues(method, strconv.Itoa(status)).
		Observe(p.now().Sub(since).Seconds())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ---------------------------------------------------------------------------
// Status-capturing writer
// ---------------------------------------------------------------------------

// statusWriter records the status the forward wrote while preserving Flush
// and Hijack for SSE and WebSocket paths.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

func acquireStatusWriter(w http.ResponseWriter) *statusWriter {
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.status = 0
	sw.wrote = false
	return sw
}

func releaseStatusWriter(sw *statusWriter) {
	sw.ResponseWriter = nil
	statusWriterPool.Put(sw)
}

func (sw *statusWriter) WriteHeader(status int) {
	if !sw.wrote {
		sw.status = status
		sw.wrote = true
	}
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wrote {
		sw.status = http.StatusOK
		sw.wrote = true
	}
	return sw.ResponseWriter.Write(b)
}

// Status returns the recorded status, defaulting to 200 for handlers that
// never call WriteHeader (including hijacked connections).
func (sw *statusWriter) Status() int {
	if sw.status == 0 {
		return http.StatusOK
	}
	return sw.status
}

func (sw *statusWriter) Flush() {
	if fl, ok := sw.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}

func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := sw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not support hijacking")
}
