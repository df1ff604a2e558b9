package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spaceavenue/ngfw/internal/audit"
)

// buildMainMux wires the gateway routes: the forward prefix into the
// decision pipeline, plus the audit/admin API on the same listener.
func (s *Server) buildMainMux() http.Handler {
	mux := http.NewServeMux()

	prefix := s.cfg.Server.ForwardPrefix
	if prefix != "" && prefix != "/" {
		mux.Handle(prefix, s.pipeline)
		mux.Handle(prefix+"/", s.pipeline)
	} else {
		mux.Handle("/", s.pipeline)
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /admin/logs", s.handleLogs)
	mux.HandleFunc("GET /admin/logs/export", s.handleLogsExport)
	mux.HandleFunc("GET /verify-chain", s.handleVerifyChain)
	mux.HandleFunc("GET /admin/chain/status", s.handleChainStatus)
	mux.HandleFunc("GET /admin/connections", s.handleConnections)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "ngfw",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"counters": map[string]int64{
			"allowed":       snap.Allowed,
			"blocked_rbac":  snap.BlockedRBAC,
			"blocked_risk":  snap.BlockedRisk,
			"limited":       snap.Limited,
			"honeypot_hits": snap.HoneypotHits,
			"ml_errors":     snap.MLErrors,
			"backend_errs":  snap.BackendErrs,
		},
	})
}

// handleLogs returns the raw audit chain in append order.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.auditLog.Entries())
}

// handleLogsExport streams the normalized SIEM export as a download.
func (s *Server) handleLogsExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	entries := s.auditLog.Entries()
	stamp := time.Now().UTC().Format("20060102-150405")

	switch format {
	case "json":
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=ngfw-audit-%s.json", stamp))
		if err := s.exporter.WriteJSON(w, entries); err != nil {
			s.logger.Error("audit export failed", "format", format, "error", err)
		}
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=ngfw-audit-%s.csv", stamp))
		if err := s.exporter.WriteCSV(w, entries); err != nil {
			s.logger.Error("audit export failed", "format", format, "error", err)
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("unknown export format %q: use json or csv", format),
		})
	}
}

// handleVerifyChain walks the whole chain. Concurrent calls share one walk
// via singleflight; the chain can be long and the walk rehashes every entry.
func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	res, _, _ := s.verifyGroup.Do("verify", func() (any, error) {
		return s.auditLog.Verify(), nil
	})
	vr := res.(audit.VerifyResult)

	body := map[string]any{"valid": vr.Valid, "length": vr.Length}
	if !vr.Valid {
		body["brokenAt"] = vr.BrokenAt
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleChainStatus(w http.ResponseWriter, r *http.Request) {
	res, _, _ := s.verifyGroup.Do("verify", func() (any, error) {
		return s.auditLog.Verify(), nil
	})
	writeJSON(w, http.StatusOK, map[string]bool{"valid": res.(audit.VerifyResult).Valid})
}

// handleConnections returns the live session table.
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List(time.Now()))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
