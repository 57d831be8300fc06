package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skilder-ai/toolgate/cache/inmem"
	"github.com/skilder-ai/toolgate/telemetry"
)

func TestMiddlewareDeniesSecondRequest(t *testing.T) {
	l, err := New(inmem.New(), Options{Max: 1, Window: 60 * time.Second})
	require.NoError(t, err)
	metrics := telemetry.NewMemoryMetrics()
	calls := 0
	h := Middleware(l, MiddlewareOptions{Metrics: metrics})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.RemoteAddr = "10.1.2.3:5555"

	first := httptest.NewRecorder()
	h.ServeHTTP(first, req)
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "1", first.Header().Get(HeaderLimit))
	assert.Equal(t, "0", first.Header().Get(HeaderRemaining))

	second := httptest.NewRecorder()
	h.ServeHTTP(second, req)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "0", second.Header().Get(HeaderRemaining))
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &body))
	assert.Equal(t, "Too Many Requests", body["error"])
	assert.EqualValues(t, 429, body["statusCode"])
	assert.NotEmpty(t, body["message"])

	assert.Equal(t, 1, calls, "denied requests never reach the handler")
	assert.Equal(t, float64(1), metrics.Counter(telemetry.MetricRateLimitDenied))
}

func TestMiddlewareSkipsPreflight(t *testing.T) {
	l, err := New(inmem.New(), Options{Max: 1, Window: time.Minute})
	require.NoError(t, err)
	h := Middleware(l, MiddlewareOptions{})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for range 3 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/mcp", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/sse", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1:/sse", ClientKey(req))
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "192.0.2.1:/sse", ClientKey(req), "forwarding headers of untrusted peers are ignored")
}

func TestTrustedProxiesClientIP(t *testing.T) {
	proxies, err := ParseProxies([]string{"10.0.0.0/8", "192.0.2.1"})
	require.NoError(t, err)

	cases := []struct {
		name   string
		remote string
		xff    []string
		want   string
	}{
		{"no header", "10.0.0.5:80", nil, "10.0.0.5"},
		{"single hop", "10.0.0.5:80", []string{"203.0.113.9"}, "203.0.113.9"},
		{"spoofed prefix", "10.0.0.5:80", []string{"198.51.100.1, 203.0.113.9, 10.0.0.7"}, "203.0.113.9"},
		{"repeated headers", "192.0.2.1:80", []string{"198.51.100.1", "203.0.113.9"}, "203.0.113.9"},
		{"all trusted", "10.0.0.5:80", []string{"10.0.0.9"}, "10.0.0.9"},
		{"garbage hop", "10.0.0.5:80", []string{"not-an-ip"}, "10.0.0.5"},
		{"untrusted peer", "203.0.113.7:80", []string{"198.51.100.1"}, "203.0.113.7"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
			req.RemoteAddr = c.remote
			for _, v := range c.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			assert.Equal(t, c.want, proxies.ClientIP(req))
		})
	}

	_, err = ParseProxies([]string{"10.0.0.0/33"})
	assert.Error(t, err)
}

// A client rotating X-Forwarded-For does not get a fresh key per request
// unless it connects through a trusted proxy.
func TestMiddlewareIgnoresSpoofedForwardedFor(t *testing.T) {
	proxies, err := ParseProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	run := func(remote string) []int {
		l, err := New(inmem.New(), Options{Max: 1, Window: time.Minute})
		require.NoError(t, err)
		h := Middleware(l, MiddlewareOptions{TrustedProxies: proxies})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		var codes []int
		for i := range 5 {
			req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			req.RemoteAddr = remote
			req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			codes = append(codes, rec.Code)
		}
		return codes
	}

	assert.Equal(t, []int{200, 429, 429, 429, 429}, run("203.0.113.7:4000"))
	assert.Equal(t, []int{200, 200, 200, 200, 200}, run("10.1.2.3:4000"), "distinct clients behind a trusted proxy")
}
