package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/fileworks/tessera/pkg/contextkeys"
	"github.com/fileworks/tessera/pkg/httputil"
	"github.com/fileworks/tessera/pkg/observability"
)

// Recovery turns a handler panic into a 500 response instead of tearing
// down the connection. The stack goes to the log, never to the client.
func Recovery(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.WithFields(map[string]interface{}{
						"panic":      rec,
						"stack":      string(debug.Stack()),
						"request_id": contextkeys.GetRequestID(r.Context()),
						"method":     r.Method,
						"path":       r.URL.Path,
					}).Error("panic recovered in request handler")

					httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
