package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gwDistSys20/identity-manager/transport"
)

type ctxKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withRequestID tags every request with an X-Request-ID, generating one when
// the caller sent none, and logs the outcome.
func withRequestID(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(transport.HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(transport.HeaderRequestID, id)
		}
		w.Header().Set(transport.HeaderRequestID, id)
		r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, id))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "request",
			"requestID", id, "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	})
}

// requestLogger returns logger with the request id of ctx attached.
func requestLogger(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return logger.With("requestID", id)
	}
	return logger
}
