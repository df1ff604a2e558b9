package proxy

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spaceavenue/ngfw/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backendConfig(url string) config.BackendConfig {
	cfg := config.Defaults().Backend
	cfg.URL = url
	return cfg
}

func newTestProxy(t *testing.T, backendURL string) *Proxy {
	t.Helper()
	p, err := New(backendConfig(backendURL), slog.Default())
	require.NoError(t, err)
	return p
}

// flagged wraps the proxy so every request carries an ErrorFlag, the way the
// decision pipeline attaches one.
func flagged(p *Proxy, capture **ErrorFlag) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, flag := WithErrorFlag(r.Context())
		if capture != nil {
			*capture = flag
		}
		p.ServeHTTP(w, r.WithContext(ctx))
	})
}

func TestNew(t *testing.T) {
	t.Run("rejects an unparseable backend URL", func(t *testing.T) {
		_, err := New(backendConfig("http://[::1"), slog.Default())
		assert.Error(t, err)
	})
}

func TestForward(t *testing.T) {
	t.Run("forwards request and response intact", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/users", r.URL.Path)
			assert.Equal(t, "v", r.Header.Get("X-Custom"))
			w.Header().Set("X-Backend", "yes")
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, "created")
		}))
		defer backend.Close()

		srv := httptest.NewServer(newTestProxy(t, backend.URL))
		defer srv.Close()

		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/users", strings.NewReader("x"))
		req.Header.Set("X-Custom", "v")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, "yes", resp.Header.Get("X-Backend"))
	})

	t.Run("rewrites Host and records the original in X-Forwarded-Host", func(t *testing.T) {
		var gotHost, gotForwardedHost, gotProto string
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotHost = r.Host
			gotForwardedHost = r.Header.Get("X-Forwarded-Host")
			gotProto = r.Header.Get("X-Forwarded-Proto")
		}))
		defer backend.Close()

		srv := httptest.NewServer(newTestProxy(t, backend.URL))
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/x")
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, strings.TrimPrefix(backend.URL, "http://"), gotHost)
		assert.Equal(t, strings.TrimPrefix(srv.URL, "http://"), gotForwardedHost)
		assert.Equal(t, "http", gotProto)
	})

	t.Run("joins a backend base path with the request path", func(t *testing.T) {
		var gotPath string
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
		}))
		defer backend.Close()

		srv := httptest.NewServer(newTestProxy(t, backend.URL+"/base"))
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/api/users")
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, "/base/api/users", gotPath)
	})

	t.Run("unreachable backend yields 500 and sets the error flag", func(t *testing.T) {
		p := newTestProxy(t, "http://127.0.0.1:1")

		var flag *ErrorFlag
		srv := httptest.NewServer(flagged(p, &flag))
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/x")
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		require.NotNil(t, flag)
		assert.True(t, flag.Failed())
	})

	t.Run("successful forward leaves the error flag clear", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer backend.Close()

		var flag *ErrorFlag
		srv := httptest.NewServer(flagged(newTestProxy(t, backend.URL), &flag))
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/x")
		require.NoError(t, err)
		resp.Body.Close()

		require.NotNil(t, flag)
		assert.False(t, flag.Failed())
	})
}

func TestStreaming(t *testing.T) {
	t.Run("SSE events arrive incrementally", func(t *testing.T) {
		release := make(chan struct{})
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			fl := w.(http.Flusher)
			fmt.Fprint(w, "data: first\n\n")
			fl.Flush()
			<-release
			fmt.Fprint(w, "data: second\n\n")
			fl.Flush()
		}))
		defer backend.Close()

		srv := httptest.NewServer(newTestProxy(t, backend.URL))
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/events")
		require.NoError(t, err)
		defer resp.Body.Close()

		rd := bufio.NewReader(resp.Body)
		line, err := rd.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "data: first\n", line,
			"first event must arrive before the stream finishes")

		close(release)
		_, _ = rd.ReadString('\n')
		line, err = rd.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "data: second\n", line)
	})
}

func TestWebSocket(t *testing.T) {
	t.Run("relays an upgraded connection both ways", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hj := w.(http.Hijacker)
			conn, buf, err := hj.Hijack()
			require.NoError(t, err)
			defer conn.Close()

			_, _ = buf.WriteString("HTTP/1.1 101 Switching Protocols\r\n" +
				"Upgrade: websocket\r\nConnection: Upgrade\r\n\r\n")
			require.NoError(t, buf.Flush())

			// Echo one line back.
			line, err := buf.ReadString('\n')
			require.NoError(t, err)
			_, _ = buf.WriteString("echo:" + line)
			require.NoError(t, buf.Flush())
		}))
		defer backend.Close()

		srv := httptest.NewServer(newTestProxy(t, backend.URL))
		defer srv.Close()

		conn, err := net.Dial("tcp", strings.TrimPrefix(srv.URL, "http://"))
		require.NoError(t, err)
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

		fmt.Fprint(conn, "GET /ws HTTP/1.1\r\nHost: gateway\r\n"+
			"Upgrade: websocket\r\nConnection: Upgrade\r\n\r\n")

		rd := bufio.NewReader(conn)
		status, err := rd.ReadString('\n')
		require.NoError(t, err)
		assert.Contains(t, status, "101")

		// Skip response headers.
		for {
			line, err := rd.ReadString('\n')
			require.NoError(t, err)
			if line == "\r\n" {
				break
			}
		}

		fmt.Fprint(conn, "ping\n")
		echoed, err := rd.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "echo:ping\n", echoed)
	})

	t.Run("unreachable backend fails the upgrade with 500", func(t *testing.T) {
		var flag *ErrorFlag
		srv := httptest.NewServer(flagged(newTestProxy(t, "http://127.0.0.1:1"), &flag))
		defer srv.Close()

		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/ws", nil)
		req.Header.Set("Upgrade", "websocket")
		req.Header.Set("Connection", "Upgrade")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.True(t, flag.Failed())
	})
}

func TestProtocolDetection(t *testing.T) {
	t.Run("grpc by content type prefix", func(t *testing.T) {
		r, _ := http.NewRequest(http.MethodPost, "/svc/Method", nil)
		r.Header.Set("Content-Type", "application/grpc+proto")
		assert.True(t, isGRPC(r))

		r.Header.Set("Content-Type", "application/json")
		assert.False(t, isGRPC(r))
	})

	t.Run("websocket needs both upgrade headers", func(t *testing.T) {
		r, _ := http.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Upgrade", "WebSocket")
		r.Header.Set("Connection", "keep-alive, Upgrade")
		assert.True(t, isWebSocketUpgrade(r))

		r.Header.Del("Connection")
		assert.False(t, isWebSocketUpgrade(r))
	})
}

func TestSingleJoiningSlash(t *testing.T) {
	cases := []struct{ a, b, want string }{
		{"/base", "/path", "/base/path"},
		{"/base/", "/path", "/base/path"},
		{"/base", "path", "/base/path"},
		{"/base/", "path", "/base/path"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, singleJoiningSlash(tc.a, tc.b))
	}
}
