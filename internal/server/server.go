// Package server orchestrates the gateway's two HTTP servers: the main
// server carrying inspected traffic plus the audit/admin API, and the admin
// server exposing probes and Prometheus metrics.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/spaceavenue/ngfw/internal/audit"
	"github.com/spaceavenue/ngfw/internal/config"
	"github.com/spaceavenue/ngfw/internal/gateway"
	"github.com/spaceavenue/ngfw/internal/observability"
	"github.com/spaceavenue/ngfw/internal/proxy"
	"github.com/spaceavenue/ngfw/internal/ratelimit"
	iredis "github.com/spaceavenue/ngfw/internal/redis"
	"github.com/spaceavenue/ngfw/internal/session"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/singleflight"
)

// Server is the gateway process: both listeners plus the long-lived pipeline
// collaborators it owns.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	mainServer  *http.Server
	http3Server *http3.Server // nil when HTTP/3 is disabled.
	adminServer *http.Server

	pipeline *gateway.Pipeline
	limiter  *ratelimit.Service
	sessions *session.Tracker
	auditLog *audit.Log
	exporter *audit.Exporter
	shipper  *audit.Shipper

	health  *observability.HealthChecker
	metrics *observability.Metrics

	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil when TLS is enabled.

	verifyGroup singleflight.Group
}

// New wires the full gateway from config.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	if err := proxy.ValidateBackendURL(cfg.Backend.URL, cfg.Backend.URLPolicy); err != nil {
		return nil, fmt.Errorf("backend URL policy: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	if cfg.Redis != nil {
		iredis.WarnInsecureRedis(cfg.Redis.TLS, logger)
	}
	if cfg.Backend.TLSInsecureVerify {
		logger.Warn("SECURITY WARNING: backend TLS certificate verification is DISABLED (tls_insecure_skip_verify=true). " +
			"This should NEVER be used in production — it exposes the gateway to man-in-the-middle attacks.")
	}

	sessions, err := session.NewTracker(cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("session tracker: %w", err)
	}

	limiter, err := ratelimit.NewService(context.Background(), cfg, logger, metrics)
	if err != nil {
		sessions.Close()
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	fwd, err := proxy.New(cfg.Backend, logger)
	if err != nil {
		sessions.Close()
		_ = limiter.Close()
		return nil, fmt.Errorf("create proxy: %w", err)
	}

	auditLog := audit.NewLog(cfg.Audit.MaxEntries, logger, metrics)
	exporter := audit.NewExporter("ngfw", backendHost(cfg.Backend.URL))
	shipper := audit.NewShipper(cfg.Audit.SIEM, exporter, logger)

	pipeline := gateway.NewPipeline(cfg, gateway.Deps{
		Logger:   logger,
		Metrics:  metrics,
		Sessions: sessions,
		Limiter:  limiter,
		Audit:    auditLog,
		Shipper:  shipper,
		Forward:  fwd,
	})

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		version:  version,
		pipeline: pipeline,
		limiter:  limiter,
		sessions: sessions,
		auditLog: auditLog,
		exporter: exporter,
		shipper:  shipper,
		health:   health,
		metrics:  metrics,
	}

	s.mainServer, s.http3Server = buildMainServer(cfg, s.buildMainMux(), logger)
	s.adminServer = buildAdminServer(cfg, health, reg)

	return s, nil
}

// backendHost extracts the protected service identity for SIEM records.
func backendHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

func buildMainServer(cfg *config.Config, handler http.Handler, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout := config.MustParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	h2s := &http2.Server{}
	mainHandler := h2c.NewHandler(handler, h2s)

	var h3srv *http3.Server
	if cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        handler,
			MaxHeaderBytes: 1 << 20,
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // 0-RTT is replayable.
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if setErr := h3srv.SetQUICHeaders(w.Header()); setErr != nil {
					logger.Debug("failed to set Alt-Svc header", "error", setErr)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry) *http.Server {
	readTimeout := config.MustParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// certHolder provides atomic TLS certificate hot-reload via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts both servers and blocks until the context is canceled, then
// drains gracefully.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	if pinger := s.limiter.RedisPinger(); pinger != nil {
		s.health.SetRedisPinger(pinger)
	}

	errCh := make(chan error, 3)

	// readyCh closes after the main listener has bound, so readiness never
	// races the bind.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}

	s.health.SetStarted()

	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("ngfw is ready", "version", s.version)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("gateway server starting",
		"address", s.cfg.Server.Address,
		"backend", s.cfg.Backend.URL,
		"tls", s.cfg.Server.TLS.Enabled,
		"http3", s.cfg.Server.TLS.HTTP3Enabled)

	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("gateway server listen: %w", listenErr)
		return
	}
	close(readyCh)

	var err error
	if s.cfg.Server.TLS.Enabled {
		ch, certErr := newCertHolder(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		if certErr != nil {
			errCh <- certErr
			return
		}
		s.certs = ch

		tlsCfg := &tls.Config{
			MinVersion:     max(tlsMinVersion(s.cfg), tls.VersionTLS12),
			GetCertificate: ch.GetCertificate,
		}
		s.mainServer.TLSConfig = tlsCfg
		if s.http3Server != nil {
			s.http3Server.TLSConfig = tlsCfg
		}

		err = s.mainServer.Serve(tls.NewListener(ln, tlsCfg))
	} else {
		err = s.mainServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("gateway server: %w", err)
	}
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.cfg.Server.Address)
	err := s.http3Server.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

// Reload hot-swaps everything reloadable: policy tables, risk thresholds,
// ML endpoint, rate ceiling, TLS certificates. Fields requiring a restart
// are logged and left unchanged.
func (s *Server) Reload(newCfg *config.Config) error {
	if fields := newCfg.RequiresRestart(s.cfg); len(fields) > 0 {
		s.logger.Warn("config fields changed that require a restart; keeping old values",
			"fields", fields)
	}

	s.pipeline.UpdatePolicy(newCfg)
	s.limiter.SetCeiling(newCfg.RateLimit.WindowCeiling)

	if s.certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		if err := s.certs.Reload(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile); err != nil {
			s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		} else {
			s.logger.Info("TLS certificates reloaded")
		}
	}

	s.cfg = newCfg
	return nil
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout := config.MustParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}
	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("main server shutdown error", "error", err)
	}
	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	if err := s.shipper.Close(); err != nil {
		s.logger.Error("siem shipper close error", "error", err)
	}
	if err := s.limiter.Close(); err != nil {
		s.logger.Error("rate limiter close error", "error", err)
	}
	s.sessions.Close()

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
