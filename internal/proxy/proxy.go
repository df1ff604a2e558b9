// Package proxy forwards allowed requests to the protected backend. It is
// protocol aware: plain HTTP/1.1, HTTP/2 (including gRPC), SSE streaming,
// and WebSocket upgrades all pass through transparently.
//
// Architecture:
//   - HTTP/SSE: httputil.ReverseProxy with FlushInterval=-1 for streaming
//   - WebSocket: connection hijack + bidirectional TCP relay
//   - HTTP/2/gRPC: dedicated h2c-capable transport preserving trailers
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaceavenue/ngfw/internal/config"
	"golang.org/x/net/http2"
)

// ErrorFlag records whether the backend forward failed. The decision
// pipeline allocates one per request so the completion audit entry can be
// labeled gateway_error.
type ErrorFlag struct {
	failed atomic.Bool
}

// Failed reports whether the forward hit a backend error.
func (f *ErrorFlag) Failed() bool { return f.failed.Load() }

type ctxKey int

const errorFlagKey ctxKey = iota

// WithErrorFlag attaches a fresh ErrorFlag to the context.
func WithErrorFlag(ctx context.Context) (context.Context, *ErrorFlag) {
	f := &ErrorFlag{}
	return context.WithValue(ctx, errorFlagKey, f), f
}

func markBackendError(ctx context.Context) {
	if f, ok := ctx.Value(errorFlagKey).(*ErrorFlag); ok {
		f.failed.Store(true)
	}
}

// Proxy forwards requests to the protected backend.
type Proxy struct {
	backendURL    *url.URL
	httpProxy     *httputil.ReverseProxy
	logger        *slog.Logger
	tlsInsecure   bool
	wsDialTimeout time.Duration
}

// New creates the forwarding proxy from the validated backend config. The
// backend URL has an explicit port after config normalization.
func New(cfg config.BackendConfig, logger *slog.Logger) (*Proxy, error) {
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", cfg.URL, err)
	}

	timeout := config.MustParseDuration(cfg.Timeout, 30*time.Second)
	idleConnTimeout := config.MustParseDuration(cfg.IdleConnTimeout, 90*time.Second)

	h1, h2 := buildTransports(cfg.Transport, timeout, cfg.MaxIdleConns, idleConnTimeout)
	wsDialTimeout := config.MustParseDuration(cfg.Transport.WebSocketDialTimeout, 10*time.Second)

	p := &Proxy{
		backendURL:    target,
		logger:        logger.With("component", "proxy"),
		tlsInsecure:   cfg.TLSInsecureVerify,
		wsDialTimeout: wsDialTimeout,
	}
	p.httpProxy = p.buildReverseProxy(target, h1, h2)
	return p, nil
}

func buildTransports(
	cfg config.TransportConfig,
	responseTimeout time.Duration,
	maxIdleConns int,
	idleConnTimeout time.Duration,
) (*http.Transport, *http2.Transport) {
	dialTimeout := config.MustParseDuration(cfg.DialTimeout, 30*time.Second)
	dialKeepAlive := config.MustParseDuration(cfg.DialKeepAlive, 30*time.Second)
	tlsHandshakeTimeout := config.MustParseDuration(cfg.TLSHandshakeTimeout, 10*time.Second)
	expectContinueTimeout := config.MustParseDuration(cfg.ExpectContinueTimeout, time.Second)
	h2ReadIdleTimeout := config.MustParseDuration(cfg.H2ReadIdleTimeout, 30*time.Second)
	h2PingTimeout := config.MustParseDuration(cfg.H2PingTimeout, 15*time.Second)

	h1 := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: dialKeepAlive,
		}).DialContext,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConns,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		ResponseHeaderTimeout: responseTimeout,
		ForceAttemptHTTP2:     false, // HTTP/2 goes through the dedicated transport.
	}

	h2 := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: h2ReadIdleTimeout,
		PingTimeout:     h2PingTimeout,
	}

	return h1, h2
}

func (p *Proxy) buildReverseProxy(target *url.URL, h1, h2 http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			if target.Path != "" && target.Path != "/" {
				req.URL.Path = singleJoiningSlash(target.Path, req.URL.Path)
			}

			// The backend sees itself as the host; the original is kept
			// in X-Forwarded-Host.
			if req.Header.Get("X-Forwarded-Host") == "" {
				req.Header.Set("X-Forwarded-Host", req.Host)
			}
			req.Host = target.Host

			if req.Header.Get("X-Forwarded-Proto") == "" {
				proto := "http"
				if req.TLS != nil {
					proto = "https"
				}
				req.Header.Set("X-Forwarded-Proto", proto)
			}
		},
		Transport: &protocolAwareTransport{
			http1: h1,
			http2: h2,
		},
		FlushInterval: -1, // Flush immediately for SSE and streaming.
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, proxyErr error) {
			p.logger.Error("backend forward failed", "error", proxyErr, "path", req.URL.Path)
			markBackendError(req.Context())
			if !isClientDisconnect(proxyErr) {
				http.Error(rw, "gateway error: backend unreachable", http.StatusInternalServerError)
			}
		},
	}
}

// ServeHTTP forwards one allowed request, routing by protocol.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		p.handleWebSocket(w, r)
		return
	}

	// TE: trailers is hop-by-hop and would be stripped by ReverseProxy;
	// gRPC needs it end-to-end.
	if isGRPC(r) {
		r.Header.Set("TE", "trailers")
	}

	p.httpProxy.ServeHTTP(w, r)
}

// handleWebSocket relays a WebSocket upgrade bidirectionally.
func (p *Proxy) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	backendConn, dialErr := p.dialWebSocketBackend()
	if dialErr != nil {
		p.logger.Error("websocket: dial backend failed", "error", dialErr)
		markBackendError(r.Context())
		http.Error(w, "gateway error: backend unreachable", http.StatusInternalServerError)
		return
	}
	defer func() { _ = backendConn.Close() }()

	if writeErr := r.Write(backendConn); writeErr != nil {
		p.logger.Error("websocket: write upgrade request failed", "error", writeErr)
		markBackendError(r.Context())
		http.Error(w, "gateway error: backend write failed", http.StatusInternalServerError)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		p.logger.Error("websocket: hijack not supported")
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, hijackErr := hijacker.Hijack()
	if hijackErr != nil {
		p.logger.Error("websocket: hijack failed", "error", hijackErr)
		return
	}
	defer func() { _ = clientConn.Close() }()

	p.relayWebSocket(clientConn, backendConn)
}

func (p *Proxy) dialWebSocketBackend() (net.Conn, error) {
	backendAddr := p.backendURL.Host

	if p.backendURL.Scheme == "https" {
		return tls.Dial("tcp", backendAddr, &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: p.tlsInsecure, //nolint:gosec // Operator choice for in-cluster backends.
		})
	}
	return net.DialTimeout("tcp", backendAddr, p.wsDialTimeout)
}

// relayWebSocket copies data bidirectionally until both directions close.
func (p *Proxy) relayWebSocket(clientConn, backendConn net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	relay := func(dst, src net.Conn, dir string) {
		defer wg.Done()
		if _, cpErr := io.Copy(dst, src); cpErr != nil {
			p.logger.Debug("websocket: copy ended", "direction", dir, "error", cpErr)
		}
		if tc, tcOK := dst.(*net.TCPConn); tcOK {
			_ = tc.CloseWrite()
		}
	}

	go relay(clientConn, backendConn, "backend->client")
	go relay(backendConn, clientConn, "client->backend")

	wg.Wait()
}

// ---------------------------------------------------------------------------
// Protocol detection
// ---------------------------------------------------------------------------

func isGRPC(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc")
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// protocolAwareTransport forwards requests that arrived over HTTP/2 via the
// HTTP/2 transport so the protocol is preserved end to end; HTTP/1.1 uses
// the pooled transport.
type protocolAwareTransport struct {
	http1 http.RoundTripper
	http2 http.RoundTripper
}

func (t *protocolAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.ProtoMajor >= 2 {
		return t.http2.RoundTrip(req)
	}
	return t.http1.RoundTrip(req)
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")

	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "client disconnected") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}
