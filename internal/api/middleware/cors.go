package middleware

import (
	"log/slog"
	"net/http"
	"slices"
)

// Cors enforces a statically configured origin allowlist (the service has
// no per-tenant CORS policy table: §6.6's ALLOWED_CORS_ORIGINS is a single
// flat list shared by every organization). Preflight requests are answered
// with 204 and the allowed methods/headers; for both preflight and actual
// requests, Access-Control-Allow-Origin is set only when the origin is on
// the allowlist, so disallowed origins fail the browser's same-origin
// check without the server needing to reject the request outright.
func Cors(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
				if slices.Contains(allowedOrigins, origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if slices.Contains(allowedOrigins, origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			} else {
				slog.Warn("cors_origin_rejected", "origin", origin, "path", r.URL.Path)
			}

			next.ServeHTTP(w, r)
		})
	}
}
