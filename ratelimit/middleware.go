package ratelimit

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/skilder-ai/toolgate/telemetry"
)

type (
	// KeyFunc derives the caller key of a request.
	KeyFunc func(*http.Request) string

	// Proxies is a set of trusted reverse proxy networks.
	Proxies []netip.Prefix

	// MiddlewareOptions configures Middleware.
	MiddlewareOptions struct {
		// Key defaults to TrustedProxies.ClientKey.
		Key KeyFunc
		// TrustedProxies are the peers whose X-Forwarded-For header is
		// believed. Requests from any other peer are keyed on the
		// connection address.
		TrustedProxies Proxies
		Logger         telemetry.Logger
		Metrics        telemetry.Metrics
		// Now is used to compute Retry-After.
		Now func() time.Time
	}

	errorBody struct {
		Error      string `json:"error"`
		Message    string `json:"message"`
		StatusCode int    `json:"statusCode"`
	}
)

// Rate-limit response headers.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// Middleware rejects requests over the limit with 429 before the wrapped
// handler runs. Admitted responses carry the limit headers. When the cache
// cannot be reached the request is admitted and the failure logged.
func Middleware(l *Limiter, opts MiddlewareOptions) func(http.Handler) http.Handler {
	key := opts.Key
	if key == nil {
		key = opts.TrustedProxies.ClientKey
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			d, err := l.Admit(ctx, PublicScope, key(r))
			if err != nil {
				logger.Error(ctx, "rate limiter unavailable, admitting request", "err", err)
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Set(HeaderLimit, strconv.FormatInt(d.Limit, 10))
			h.Set(HeaderRemaining, strconv.FormatInt(d.Remaining, 10))
			h.Set(HeaderReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			retry := int(math.Ceil(d.ResetAt.Sub(now()).Seconds()))
			if retry < 1 {
				retry = 1
			}
			metrics.IncCounter(telemetry.MetricRateLimitDenied, 1)
			logger.Debug(ctx, "rate limited", "key", key(r), "retry_after", retry)
			h.Set("Retry-After", strconv.Itoa(retry))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(errorBody{
				Error:      "Too Many Requests",
				Message:    fmt.Sprintf("Rate limit of %d requests per %s exceeded, retry in %d seconds.", d.Limit, l.Window(), retry),
				StatusCode: http.StatusTooManyRequests,
			})
		})
	}
}

// ParseProxies parses CIDRs or bare addresses into a Proxies set.
func ParseProxies(cidrs []string) (Proxies, error) {
	ps := make(Proxies, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", c, err)
			}
			ps = append(ps, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", c, err)
		}
		ps = append(ps, p.Masked())
	}
	return ps, nil
}

// Contains reports whether addr belongs to a trusted network.
func (ps Proxies) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range ps {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientKey keys a request by client address and path.
func (ps Proxies) ClientKey(r *http.Request) string {
	return ps.ClientIP(r) + ":" + r.URL.Path
}

// ClientIP returns the address of the client that sent r. The
// X-Forwarded-For chain is only consulted when the connection comes from a
// trusted proxy; it is then walked from the nearest hop and the first
// untrusted address wins.
func (ps Proxies) ClientIP(r *http.Request) string {
	peer := remoteHost(r)
	addr, err := netip.ParseAddr(peer)
	if err != nil || !ps.Contains(addr) {
		return peer
	}
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	client := peer
	for _, hop := range slices.Backward(hops) {
		hop = strings.TrimSpace(hop)
		a, err := netip.ParseAddr(hop)
		if err != nil {
			break
		}
		client = a.Unmap().String()
		if !ps.Contains(a) {
			break
		}
	}
	return client
}

// ClientKey keys a request by its connection address and path, ignoring
// forwarding headers.
func ClientKey(r *http.Request) string {
	return Proxies(nil).ClientKey(r)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
