package middleware

import (
	"context"
	"log/slog"
	"net/http"
)

// Limiter is the subset of ratelimiter.Limiter/ratelimiter.InProcess this
// middleware needs, so either backing (ephemeral-store-backed, replica-
// consistent, or single-process golang.org/x/time/rate) plugs in the same
// way.
type Limiter interface {
	Allow(ctx context.Context, endpoint, identifier string) (bool, error)
}

// RateLimit enforces endpoint's rule against whichever identifier the
// request carries: the authenticated user_id if AuthMiddleware already
// ran, else the client IP (populated by chi's RealIP ahead of this in the
// middleware chain).
func RateLimit(limiter Limiter, endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := r.RemoteAddr
			if userID, err := GetUserID(r.Context()); err == nil {
				identifier = userID
			}

			ok, err := limiter.Allow(r.Context(), endpoint, identifier)
			if err != nil {
				slog.Error("rate_limiter_error", "error", err, "endpoint", endpoint)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				slog.Warn("rate_limit_exceeded", "endpoint", endpoint, "identifier", identifier, "path", r.URL.Path)
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
