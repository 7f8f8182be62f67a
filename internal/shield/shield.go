// Package shield is the HTTP middleware stack of the admin endpoint:
// security headers and trace ids with a per-request logger, around chi's
// body limit and panic recovery.
//
//	r := chi.NewRouter()
//	for _, mw := range shield.Stack(logger) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/framepatch/internal/kit"
)

type contextKey string

// LoggerKey is the context key for the per-request logger.
const LoggerKey contextKey = "shield_logger"

// Stack returns the middleware for the admin API, outermost first.
func Stack(logger *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		Headers(DefaultHeaders),
		middleware.RequestSize(64 << 10),
		TraceID(logger),
		middleware.Recoverer,
	}
}

// DefaultHeaders suit a JSON and Markdown API that is never framed or
// rendered as a page.
var DefaultHeaders = map[string]string{
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"X-Frame-Options":         "DENY",
	"X-Content-Type-Options":  "nosniff",
	"Referrer-Policy":         "no-referrer",
	"Cache-Control":           "no-store",
}

// Headers sets fixed response headers before the handler runs. Empty values
// are skipped.
func Headers(set map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range set {
				if v != "" {
					w.Header().Set(k, v)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TraceID tags each request with a random id, echoed in X-Trace-ID and
// attached to a per-request logger.
func TraceID(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var raw [4]byte
			rand.Read(raw[:])
			id := hex.EncodeToString(raw[:])
			w.Header().Set("X-Trace-ID", id)

			reqLog := logger.With("trace_id", id, "method", r.Method, "path", r.URL.Path)
			reqLog.Debug("shield: request", "remote_addr", r.RemoteAddr)

			ctx := context.WithValue(kit.WithTraceID(r.Context(), id), LoggerKey, reqLog)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetLogger returns the per-request logger, or slog.Default.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// HeadToGet serves HEAD through the GET routes, for uptime checks.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		r2 := r.Clone(r.Context())
		r2.Method = http.MethodGet
		next.ServeHTTP(w, r2)
	})
}
