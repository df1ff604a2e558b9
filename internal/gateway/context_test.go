package gateway

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildContext(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("defaults identity to anonymous guest", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/fw/api/users", nil)
		rc := buildContext(r, "/fw", now)

		assert.Equal(t, "anonymous", rc.UserID)
		assert.Equal(t, "guest", rc.Role)
		assert.Equal(t, "/api/users", rc.Path)
		assert.Equal(t, now, rc.Timestamp)
	})

	t.Run("reads declared identity headers", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/fw/x", nil)
		r.Header.Set("x-user-id", "alice")
		r.Header.Set("x-user-role", "analyst")
		rc := buildContext(r, "/fw", now)

		assert.Equal(t, "alice", rc.UserID)
		assert.Equal(t, "analyst", rc.Role)
	})

	t.Run("blank identity headers fall back to defaults", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/fw/x", nil)
		r.Header.Set("x-user-id", "  ")
		rc := buildContext(r, "/fw", now)
		assert.Equal(t, "anonymous", rc.UserID)
	})
}

func TestClientIP(t *testing.T) {
	t.Run("first X-Forwarded-For hop wins", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.2")
		r.Header.Set("X-Real-IP", "10.0.0.3")
		assert.Equal(t, "203.0.113.9", clientIP(r))
	})

	t.Run("X-Real-IP is next", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-Real-IP", "203.0.113.7")
		assert.Equal(t, "203.0.113.7", clientIP(r))
	})

	t.Run("falls back to the connection peer without the port", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "192.0.2.1:54321"
		assert.Equal(t, "192.0.2.1", clientIP(r))
	})
}

func TestStripForwardPrefix(t *testing.T) {
	cases := []struct{ path, prefix, want string }{
		{"/fw/api/users", "/fw", "/api/users"},
		{"/fw", "/fw", "/"},
		{"/fw/", "/fw", "/"},
		{"/fwx/api", "/fw", "/fwx/api"},
		{"/api/users", "/fw", "/api/users"},
		{"/api/users", "", "/api/users"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, stripForwardPrefix(tc.path, tc.prefix), "%s - %s", tc.path, tc.prefix)
	}
}

func TestRequestID(t *testing.T) {
	t.Run("keeps a well-formed inbound ID", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set(HeaderRequestID, "abc-123_456.x")
		assert.Equal(t, "abc-123_456.x", requestID(r))
	})

	t.Run("replaces malformed or missing IDs", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		id := requestID(r)
		assert.Len(t, id, 32)

		r.Header.Set(HeaderRequestID, "bad id\nwith newline")
		assert.NotEqual(t, "bad id\nwith newline", requestID(r))

		r.Header.Set(HeaderRequestID, "short")
		assert.NotEqual(t, "short", requestID(r))

		r.Header.Set(HeaderRequestID, strings.Repeat("a", 200))
		assert.Len(t, requestID(r), 32)
	})

	t.Run("generated IDs are unique", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		seen := map[string]bool{}
		for i := 0; i < 100; i++ {
			id := requestID(r)
			assert.False(t, seen[id])
			seen[id] = true
		}
	})
}
