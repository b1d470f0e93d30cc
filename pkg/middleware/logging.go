package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/fileworks/tessera/pkg/audit"
	"github.com/fileworks/tessera/pkg/contextkeys"
	"github.com/fileworks/tessera/pkg/observability"
)

// statusWriter captures the response status for the access log.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Logging writes one access-log line per request and stores a
// request-scoped logger in the context for handlers that need it.
// Probe endpoints under /health are served without logging.
func Logging(base *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/health") {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			reqLog := base.WithFields(map[string]interface{}{
				"request_id": contextkeys.GetRequestID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
			})

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := contextkeys.WithLogger(r.Context(), reqLog)
			next.ServeHTTP(sw, r.WithContext(ctx))

			reqLog.WithFields(map[string]interface{}{
				"status":      sw.status,
				"bytes":       sw.bytes,
				"duration_ms": time.Since(start).Milliseconds(),
				"client_ip":   audit.ClientIP(r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"), r.RemoteAddr),
			}).Info("request completed")
		})
	}
}

// LoggerFrom returns the request-scoped logger set by Logging, or the
// fallback when the middleware did not run (tests, background work).
func LoggerFrom(ctx context.Context, fallback *observability.Logger) *observability.Logger {
	if l, ok := ctx.Value(contextkeys.LoggerKey).(*observability.Logger); ok {
		return l
	}
	return fallback
}
