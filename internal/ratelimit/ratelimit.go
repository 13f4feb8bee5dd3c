package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"otp-service/internal/metrics"
)

// Allower is a shared counter such as the redis sliding window.
type Allower interface {
	Allow(ctx context.Context, key string) (bool, int, error)
	Limit() int
	Window() time.Duration
}

// ByIP limits requests per client IP inside this process. It expects middleware.RealIP upstream.
func ByIP(name string, limit int, window time.Duration, onLimited http.HandlerFunc) func(http.Handler) http.Handler {
	return httprate.Limit(limit, window,
		httprate.WithKeyFuncs(httprate.KeyByRealIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.RateLimitedTotal.WithLabelValues(name).Inc()
			onLimited(w, r)
		}),
	)
}

// Shared limits requests per client IP against a limiter whose state is shared between instances.
// A limiter error admits the request; the per-process ByIP limit still applies in that case.
func Shared(name string, limiter Allower, onLimited http.HandlerFunc, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := name + ":" + clientIP(r)

			allowed, count, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("Shared rate limiter unavailable, admitting request",
					zap.String("limiter", name),
					zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			remaining := limiter.Limit() - count
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(limiter.Window().Seconds())))
				metrics.RateLimitedTotal.WithLabelValues(name).Inc()
				onLimited(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
