package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"github.com/skilder-ai/toolgate/bus"
	"github.com/skilder-ai/toolgate/ratelimit"
	"github.com/skilder-ai/toolgate/telemetry"
)

type (
	// Server exposes the SSE and STREAM bindings over HTTP.
	Server struct {
		auth       *Authenticator
		sessions   *Sessions
		dispatcher *Dispatcher
		bus        bus.Bus
		limiter    *ratelimit.Limiter
		proxies    ratelimit.Proxies
		pingers    []health.Pinger
		keepAlive  time.Duration
		debug      bool
		logger     telemetry.Logger
		metrics    telemetry.Metrics

		mu      sync.Mutex
		streams map[string]*sseStream
		wg      sync.WaitGroup
		// ctx ends every open event stream when the server closes.
		ctx    context.Context
		cancel context.CancelFunc
	}

	// Options configures a Server.
	Options struct {
		Authenticator *Authenticator
		Sessions      *Sessions
		Dispatcher    *Dispatcher
		// Bus forwards SSE messages posted to an instance that does not hold
		// the session's event stream.
		Bus bus.Bus
		// Limiter guards every tool protocol route. Nil disables admission
		// control.
		Limiter *ratelimit.Limiter
		// Proxies are the trusted reverse proxies whose X-Forwarded-For
		// header keys the limiter.
		Proxies ratelimit.Proxies
		// Pingers are the dependencies reported by the health endpoints.
		Pingers []health.Pinger
		// KeepAlive is the interval of SSE comment frames. Defaults to 15s.
		KeepAlive time.Duration
		// Debug mounts the pprof and log level endpoints and logs request
		// bodies when debug logs are enabled.
		Debug   bool
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	errorBody struct {
		Error      string `json:"error"`
		Message    string `json:"message"`
		StatusCode int    `json:"statusCode"`
	}
)

// Routes served by the gateway.
const (
	PathSSE      = "/sse"
	PathMessages = "/messages"
	PathStream   = "/mcp"
	PathHealth   = "/healthz"
	PathLive     = "/livez"
)

// maxMessageSize bounds a single envelope.
const maxMessageSize = 4 << 20

// NewServer returns a Server.
func NewServer(opts Options) (*Server, error) {
	if opts.Authenticator == nil || opts.Sessions == nil || opts.Dispatcher == nil {
		return nil, errors.New("gateway: authenticator, sessions and dispatcher are required")
	}
	if opts.Bus == nil {
		return nil, errors.New("gateway: bus is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		auth:       opts.Authenticator,
		sessions:   opts.Sessions,
		dispatcher: opts.Dispatcher,
		bus:        opts.Bus,
		limiter:    opts.Limiter,
		proxies:    opts.Proxies,
		pingers:    opts.Pingers,
		keepAlive:  opts.KeepAlive,
		debug:      opts.Debug,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		streams:    make(map[string]*sseStream),
		ctx:        ctx,
		cancel:     cancel,
	}
	if s.keepAlive <= 0 {
		s.keepAlive = 15 * time.Second
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewNoopMetrics()
	}
	return s, nil
}

// Handler returns the HTTP handler of the gateway. logCtx carries the clue
// logger used for request logs.
//
// The middleware chain is, outermost first: request logging, CORS, rate
// limiting. Health endpoints are not rate limited.
func (s *Server) Handler(logCtx context.Context) http.Handler {
	mux := goahttp.NewMuxer()
	mux.Handle(http.MethodGet, PathSSE, s.limit(s.handleSSE))
	mux.Handle(http.MethodPost, PathMessages, s.limit(s.handleMessage))
	mux.Handle(http.MethodPost, PathStream, s.limit(s.handleStream))
	mux.Handle(http.MethodDelete, PathStream, s.limit(s.handleStreamClose))
	check := health.Handler(health.NewChecker(s.pingers...))
	mux.Handle(http.MethodGet, PathHealth, check)
	mux.Handle(http.MethodGet, PathLive, check)
	if s.debug {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}

	handler := CORS(mux)
	var logged http.Handler = handler
	if s.debug {
		logged = debug.HTTP()(logged)
	}
	logged = log.HTTP(logCtx)(logged)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Long-lived streams skip the request log so that the writer they
		// flush is the connection's own.
		if isLongLived(r) {
			handler.ServeHTTP(w, r.WithContext(log.WithContext(r.Context(), logCtx)))
			return
		}
		logged.ServeHTTP(w, r)
	})
}

// Close ends every open event stream and waits for in-flight requests.
func (s *Server) Close(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) limit(h http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return h
	}
	return ratelimit.Middleware(s.limiter, ratelimit.MiddlewareOptions{
		TrustedProxies: s.proxies,
		Logger:         s.logger,
		Metrics:        s.metrics,
	})(h).ServeHTTP
}

// open records sess and returns its token.
func (s *Server) open(ctx context.Context, sess *Session) (string, error) {
	token, err := s.sessions.Open(ctx, sess)
	if err != nil {
		return "", err
	}
	s.metrics.IncCounter(telemetry.MetricSessionsOpened, 1, "binding", sess.Binding)
	s.logger.Info(ctx, "session opened", "tenant", sess.Scope.Tenant, "session", sess.ID, "binding", sess.Binding)
	return token, nil
}

// end closes the session identified by token on every instance.
func (s *Server) end(ctx context.Context, token string) {
	sess, err := s.sessions.Close(ctx, token)
	if err != nil {
		s.logger.Debug(ctx, "session already closed", "err", err)
		return
	}
	s.dispatcher.Forget(sess.ID)
	s.logger.Info(ctx, "session closed", "tenant", sess.Scope.Tenant, "session", sess.ID, "binding", sess.Binding)
}

// reject ends a handshake that failed authentication. The body never says
// why.
func reject(w http.ResponseWriter) {
	w.Header().Set("Connection", "close")
	writeJSON(w, http.StatusUnauthorized, errorBody{
		Error:      "Unauthorized",
		Message:    "rejected",
		StatusCode: http.StatusUnauthorized,
	})
}

func internalError(w http.ResponseWriter) {
	writeJSON(w, http.StatusInternalServerError, errorBody{
		Error:      "Internal Server Error",
		Message:    "internal error",
		StatusCode: http.StatusInternalServerError,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	var body []byte
	if resp, ok := v.(*Response); ok {
		body = resp.Encode()
	} else {
		var err error
		if body, err = json.Marshal(v); err != nil {
			body = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func isLongLived(r *http.Request) bool {
	switch r.URL.Path {
	case PathSSE:
		return r.Method == http.MethodGet
	case PathStream:
		return r.Method == http.MethodPost && isNDJSON(r)
	}
	return false
}
