package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/formsafe/idgen"
	"github.com/hazyhaar/formsafe/kit"
)

var traceIDs = idgen.Prefixed("req_", idgen.UUIDv7())

// Trace gives each request a trace ID, stored under kit.TraceIDKey and
// echoed in X-Trace-ID, and a request-scoped logger under LoggerKey. An
// incoming X-Trace-ID is kept.
func Trace(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get("X-Trace-ID")
			if traceID == "" {
				traceID = traceIDs()
			}
			ctx := kit.WithTraceID(r.Context(), traceID)
			w.Header().Set("X-Trace-ID", traceID)

			logger := base.With(
				"trace_id", traceID,
				"method", r.Method,
				"path", r.URL.Path,
			)
			ctx = context.WithValue(ctx, LoggerKey, logger)
			logger.Debug("shield: request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetLogger returns the request logger, or slog.Default() outside a request.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
