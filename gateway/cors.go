package gateway

import (
	"net/http"
	"strings"

	"github.com/skilder-ai/toolgate/ratelimit"
)

var exposedHeaders = strings.Join([]string{
	SessionHeader,
	ratelimit.HeaderLimit,
	ratelimit.HeaderRemaining,
	ratelimit.HeaderReset,
	"Retry-After",
}, ", ")

var allowedHeaders = strings.Join([]string{
	"Content-Type",
	"Authorization",
	"Accept",
	"Last-Event-ID",
	SessionHeader,
	HeaderWorkspaceKey,
	HeaderSkillKey,
	HeaderSkillName,
	"Mcp-Protocol-Version",
}, ", ")

// CORS decorates every response written through it with cross-origin
// headers echoing the caller's Origin (or "*" when none was sent). The
// headers are applied at the ResponseWriter level so no handler can emit a
// response without them. Preflight requests are answered directly.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cw := &corsWriter{ResponseWriter: w, origin: r.Header.Get("Origin")}
		if r.Method == http.MethodOptions {
			cw.apply()
			h := w.Header()
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
				h.Set("Access-Control-Allow-Headers", req)
			} else {
				h.Set("Access-Control-Allow-Headers", allowedHeaders)
			}
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(cw, r)
	})
}

type corsWriter struct {
	http.ResponseWriter
	origin  string
	applied bool
}

func (w *corsWriter) apply() {
	if w.applied {
		return
	}
	w.applied = true
	h := w.ResponseWriter.Header()
	origin := w.origin
	if origin == "" {
		origin = "*"
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Expose-Headers", exposedHeaders)
	h.Add("Vary", "Origin")
}

func (w *corsWriter) WriteHeader(code int) {
	w.apply()
	w.ResponseWriter.WriteHeader(code)
}

func (w *corsWriter) Write(b []byte) (int, error) {
	w.apply()
	return w.ResponseWriter.Write(b)
}

// Flush keeps event streams working through the decorator.
func (w *corsWriter) Flush() {
	w.apply()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *corsWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
