package httpserver

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
	"github.com/yndnr/vmsnap-go/internal/server/httpserver/handler"
	"github.com/yndnr/vmsnap-go/internal/telemetry/logger"
	"github.com/yndnr/vmsnap-go/internal/telemetry/metric"
)

// maxRequestIDLen bounds caller-supplied request ids.
const maxRequestIDLen = 64

// limiterIdle is how long an unused per-client limiter is kept.
const limiterIdle = 5 * time.Minute

// Middleware wraps an http.Handler with additional functionality.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so that the first one runs first.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// RequestID tags each request with an id, taken from X-Request-ID when the
// caller sent a usable one and generated otherwise. The id is echoed in
// the response header and carried in the request context.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" || len(requestID) > maxRequestIDLen {
				requestID = "req-" + strings.ToLower(ulid.Make().String())
			}
			w.Header().Set("X-Request-ID", requestID)
			ctx := logger.WithRequestID(r.Context(), requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimit limits each client IP to rps requests per second with the
// given burst. Over-limit requests get 429.
func RateLimit(rps float64, burst int) Middleware {
	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu      sync.Mutex
		clients = make(map[string]*client)
		sweep   time.Time
	)
	allow := func(ip string, now time.Time) bool {
		mu.Lock()
		defer mu.Unlock()
		if now.Sub(sweep) > limiterIdle {
			for k, c := range clients {
				if now.Sub(c.lastSeen) > limiterIdle {
					delete(clients, k)
				}
			}
			sweep = now
		}
		c, ok := clients[ip]
		if !ok {
			c = &client{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			clients[ip] = c
		}
		c.lastSeen = now
		return c.limiter.AllowN(now, 1)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allow(getClientIP(r), time.Now()) {
				w.Header().Set("Retry-After", "1")
				handler.WriteError(w, logger.RequestIDFromContext(r.Context()), http.StatusTooManyRequests,
					domain.ErrRateLimited.Code, domain.ErrRateLimited.Message, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AccessLog logs every request and, when metrics is not nil, records its
// count and latency by route pattern. It must wrap the handler that does
// the routing directly so that r.Pattern is visible after the call.
func AccessLog(log *slog.Logger, metrics *metric.Registry) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			elapsed := time.Since(start)
			route := routeOf(r)
			if metrics != nil {
				metrics.RecordRequest(r.Method, route, strconv.Itoa(wrapped.statusCode))
				metrics.ObserveRequestDuration(r.Method, route, elapsed.Seconds())
			}

			attrs := []any{
				"request_id", logger.RequestIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration_ms", elapsed.Milliseconds(),
				"client_ip", getClientIP(r),
			}
			switch {
			case wrapped.statusCode >= 500:
				log.Error("request completed with error", attrs...)
			case wrapped.statusCode >= 400:
				log.Warn("request completed with client error", attrs...)
			default:
				log.Debug("request completed", attrs...)
			}
		})
	}
}

// routeOf returns the matched pattern without its method, so that metric
// labels stay bounded.
func routeOf(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	if _, path, ok := strings.Cut(r.Pattern, " "); ok {
		return path
	}
	return r.Pattern
}

// Recover turns a panic into a 500 response.
func Recover(log *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					requestID := logger.RequestIDFromContext(r.Context())
					log.Error("panic recovered",
						"request_id", requestID,
						"error", err,
						"path", r.URL.Path,
					)
					handler.WriteError(w, requestID, http.StatusInternalServerError,
						domain.ErrInternal.Code, domain.ErrInternal.Message, nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// getClientIP extracts the client IP from the request.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	// SplitHostPort handles IPv6 addresses like [::1]:8080.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
