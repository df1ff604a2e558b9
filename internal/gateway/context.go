// Package gateway wires the inspection pipeline: request context, transport
// fingerprint, session tracking, rate limiting, RBAC, rule and ML scoring,
// decision aggregation, audit, and the conditional forward.
package gateway

import (
	cryptorand "crypto/rand"
	"encoding/hex"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderRequestID carries the correlation ID, echoed in every response.
	HeaderRequestID = "X-Request-Id"

	headerUserID   = "x-user-id"
	headerUserRole = "x-user-role"

	defaultUserID = "anonymous"
	defaultRole   = "guest"
)

// RequestContext is the per-request view the pipeline stages share. Path has
// the forward prefix already stripped; it is both the policy path and the
// path forwarded to the backend.
type RequestContext struct {
	RequestID string
	ClientIP  string
	Method    string
	Path      string
	UserAgent string
	UserID    string
	Role      string
	Timestamp time.Time
}

func buildContext(r *http.Request, forwardPrefix string, now time.Time) RequestContext {
	return RequestContext{
		RequestID: requestID(r),
		ClientIP:  clientIP(r),
		Method:    r.Method,
		Path:      stripForwardPrefix(r.URL.Path, forwardPrefix),
		UserAgent: r.UserAgent(),
		UserID:    headerOrDefault(r, headerUserID, defaultUserID),
		Role:      headerOrDefault(r, headerUserRole, defaultRole),
		Timestamp: now,
	}
}

func headerOrDefault(r *http.Request, name, def string) string {
	if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
		return v
	}
	return def
}

// clientIP extracts the originating address: first X-Forwarded-For hop, then
// X-Real-IP, then the connection peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// stripForwardPrefix removes the gateway routing prefix so policy evaluation
// and the backend both see the application path.
func stripForwardPrefix(path, prefix string) string {
	if prefix == "" || prefix == "/" {
		return path
	}
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok {
		return path
	}
	if rest == "" {
		return "/"
	}
	if !strings.HasPrefix(rest, "/") {
		// "/fwx" is not under "/fw".
		return path
	}
	return rest
}

// requestIDRng is seeded once per process; ChaCha8 is cheap and safe for
// concurrent use behind the mutex.
var (
	requestIDMu  sync.Mutex
	requestIDRng = rand.NewChaCha8(seedRequestID())
)

func seedRequestID() [32]byte {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("failed to seed ChaCha8: " + err.Error())
	}
	return seed
}

// requestID returns a valid inbound X-Request-Id or generates a fresh one.
func requestID(r *http.Request) string {
	if id := r.Header.Get(HeaderRequestID); validRequestID(id) {
		return id
	}
	var buf [16]byte
	requestIDMu.Lock()
	_, _ = requestIDRng.Read(buf[:])
	requestIDMu.Unlock()
	return hex.EncodeToString(buf[:])
}

// validRequestID accepts IDs a well-behaved client or upstream proxy would
// send; anything else is replaced so log injection via the header is not
// possible.
func validRequestID(id string) bool {
	if len(id) < 8 || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}
