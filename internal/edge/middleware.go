package edge

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type contextKey int

const (
	ctxKeyRequestID contextKey = iota
	ctxKeyLogger
	ctxKeyUserID
)

func loggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKeyLogger).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

func userIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyUserID).(string)
	return id, ok
}

// requestIDMiddleware assigns each request a uuid, stashed in the context
// for every downstream handler/log line to pick up.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggerMiddleware enriches the context with a request-scoped logger
// carrying the request id — every subsequent log line in the request's
// lifetime is traceable back to one request.
func loggerMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := base.With("request_id", requestIDFromContext(r.Context()), "method", r.Method, "path", r.URL.Path)
			ctx := context.WithValue(r.Context(), ctxKeyLogger, l)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// recoveryMiddleware converts a panic in any handler into a 500 response
// instead of crashing the edge process.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				loggerFromContext(r.Context()).Error("panic recovered", "panic", rec)
				writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusCapture struct {
	http.ResponseWriter
	status int
}

func (s *statusCapture) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// metricsMiddleware records request counts and latency by route and status
// class.
func metricsMiddleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc := &statusCapture{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sc, r)
			requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
			requestsTotal.WithLabelValues(route, statusClass(sc.status)).Inc()
		})
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// maxBytesMiddleware caps request body size to guard against an oversized
// push payload exhausting memory.
func maxBytesMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// requireAuth wraps a handler, authenticating the request and injecting the
// resulting user id into the context, enriching the request-scoped logger.
func (s *Server) requireAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.rateLimiter.Allow(r.Header.Get("Authorization")) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}

		userID, err := s.auth.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			if strings.Contains(err.Error(), "no shared secret is configured") || strings.Contains(err.Error(), "no JWKS url is configured") {
				loggerFromContext(r.Context()).Error("auth misconfigured", "err", err)
				writeError(w, http.StatusInternalServerError, "internal_error", "server configuration error")
				return
			}
			writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}

		l := loggerFromContext(r.Context()).With("user_id", userID)
		ctx := context.WithValue(r.Context(), ctxKeyLogger, l)
		ctx = context.WithValue(ctx, ctxKeyUserID, userID)
		handler(w, r.WithContext(ctx))
	}
}

// chain applies middleware in the order given, first-applied-outermost.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
