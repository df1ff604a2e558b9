// Package mlscore calls the external ML scoring service. The client owns
// the fallback policy: every failure — timeout, transport error, bad status,
// malformed body — fails open with a zero score so an unreachable scorer
// never blocks legitimate traffic.
package mlscore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/spaceavenue/ngfw/internal/config"
	"github.com/spaceavenue/ngfw/internal/observability"
)

const (
	defaultTimeout        = 5 * time.Second
	defaultBreakThreshold = 5
	defaultBreakReset     = 30 * time.Second

	// maxResponseBytes bounds the scorer response body.
	maxResponseBytes = 1 << 20
)

// Request is the scoring payload. Field names are the scorer's wire
// contract.
type Request struct {
	Method         string  `json:"method"`
	Path           string  `json:"path"`
	Role           string  `json:"role"`
	UserID         string  `json:"userId"`
	UserAgent      string  `json:"userAgent"`
	RuleRisk       float64 `json:"risk_rule"`
	TLSFingerprint string  `json:"tls_fingerprint"`
	RequestRate    int64   `json:"req_rate"`
	TLSRisk        float64 `json:"tls_risk"`
}

// Result is the scorer's verdict, or the fail-open zero value.
type Result struct {
	Risk  float64 `json:"ml_risk"`
	Label string  `json:"ml_label"`
}

// failOpen is returned whenever the scorer cannot be consulted.
var failOpen = Result{Risk: 0.0, Label: "normal"}

// Client scores requests against the external service. Safe for concurrent
// use.
type Client struct {
	url     string
	http    *http.Client
	logger  *slog.Logger
	metrics *observability.Metrics

	breakThreshold int
	breakReset     time.Duration

	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

// NewClient builds a scorer client from the validated ML config. Returns
// nil when scoring is disabled; a nil client fails open on every call.
func NewClient(cfg config.MLConfig, logger *slog.Logger, metrics *observability.Metrics) *Client {
	if !cfg.Enabled {
		return nil
	}

	timeout := config.MustParseDuration(cfg.Timeout, defaultTimeout)

	threshold := cfg.CircuitBreaker.Threshold
	if threshold <= 0 {
		threshold = defaultBreakThreshold
	}
	reset := config.MustParseDuration(cfg.CircuitBreaker.ResetTimeout, defaultBreakReset)

	return &Client{
		url:            strings.TrimSuffix(cfg.URL, "/") + "/score",
		http:           &http.Client{Timeout: timeout},
		logger:         logger,
		metrics:        metrics,
		breakThreshold: threshold,
		breakReset:     reset,
	}
}

// Score consults the ML service. Never returns an error: any failure yields
// the fail-open result and is logged and counted locally.
func (c *Client) Score(ctx context.Context, req Request) Result {
	if c == nil {
		return failOpen
	}

	if c.circuitOpen() {
		return failOpen
	}

	res, err := c.call(ctx, req)
	if err != nil {
		c.recordFailure(err)
		return failOpen
	}

	c.recordSuccess()

	// A scorer that returns garbage is clamped, not trusted.
	if res.Risk < 0 {
		res.Risk = 0
	}
	if res.Risk > 1 {
		res.Risk = 1
	}
	if res.Label == "" {
		res.Label = "normal"
	}
	return res
}

func (c *Client) call(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("encoding scoring request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("building scoring request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("scoring request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return Result{}, fmt.Errorf("scorer returned status %d", resp.StatusCode)
	}

	var res Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("decoding scorer response: %w", err)
	}

	return res, nil
}

// circuitOpen reports whether the breaker currently short-circuits calls.
// Once the reset window passes, the next request is let through as a probe.
func (c *Client) circuitOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures >= c.breakThreshold && time.Now().Before(c.openUntil)
}

func (c *Client) recordFailure(err error) {
	c.metrics.IncMLErrors()

	c.mu.Lock()
	c.failures++
	opened := c.failures == c.breakThreshold
	if c.failures >= c.breakThreshold {
		c.openUntil = time.Now().Add(c.breakReset)
	}
	c.mu.Unlock()

	if opened {
		c.logger.Warn("ml scorer circuit opened",
			"consecutive_failures", c.breakThreshold, "reset_after", c.breakReset, "error", err)
	} else {
		c.logger.Warn("ml scoring failed, failing open", "error", err)
	}
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	if c.failures >= c.breakThreshold {
		c.logger.Info("ml scorer circuit closed")
	}
	c.failures = 0
	c.mu.Unlock()
}
