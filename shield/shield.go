// Package shield holds the HTTP middleware in front of the formsafe API:
// security headers, a body limit, request tracing and HEAD handling.
//
//	r := chi.NewRouter()
//	for _, mw := range shield.APIStack(logger) {
//	    r.Use(mw)
//	}
package shield

import (
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultMaxBody bounds request bodies. Messages are a few bytes of JSON.
const DefaultMaxBody = 64 * 1024

// APIStack returns the middleware for the JSON API, outermost first:
// HeadToGet, SecurityHeaders, MaxBody, Trace.
func APIStack(logger *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(APIHeaders()),
		MaxBody(DefaultMaxBody),
		Trace(logger),
	}
}

// HeadToGet serves HEAD through the GET routes, so /healthz and the page
// listing answer HEAD requests. net/http drops the body.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}

// MaxBody rejects requests whose declared length exceeds maxBytes with 413
// and caps undeclared bodies so reads past the limit fail.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.ContentLength > maxBytes:
				http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
				return
			case r.Body != nil && r.Body != http.NoBody:
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
