package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/nadmax/queuewatch/internal/logger"
)

const RequestIDHeader = "X-Request-ID"

// RequestID tags the request context logger with an id, reusing the caller's
// X-Request-ID when present, and echoes it back on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		w.Header().Set(RequestIDHeader, id)
		ctx := logger.WithRequestID(r.Context(), id)

		logger.Get(ctx).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request received")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
