package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/fileworks/tessera/pkg/contextkeys"
)

// RequestIDHeader carries the request id in both directions. Inbound
// values are trusted so a gateway can stitch its own ids through.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns every request a UUID, unless the client already sent
// one, and echoes it on the response. Runs first in the chain so every
// later layer can log it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set(RequestIDHeader, requestID)
		ctx := contextkeys.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
