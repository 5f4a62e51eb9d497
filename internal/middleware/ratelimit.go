package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/radif/uploader/internal/response"
)

// Limiter is satisfied by ratelimit.TokenBucket.
type Limiter interface {
	Allow(ctx context.Context, client, action string) (bool, int64, error)
	Capacity() int64
	Window() time.Duration
}

// RateLimit returns middleware that limits action per client IP. Run it
// after chi's RealIP so proxies are accounted for. When the limiter backend
// is unavailable requests are let through and the error is logged.
func RateLimit(limiter Limiter, action string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientIP(r)

			allowed, remaining, err := limiter.Allow(r.Context(), client, action)
			if err != nil {
				logger.Warn("rate limit unavailable", slog.String("client", client), slog.Any("error", err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limiter.Capacity(), 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(int64(limiter.Window().Seconds()), 10))

			if !allowed {
				response.TooManyRequests(w, "rate limit exceeded")
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
