package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/arcforge/authcore/internal/tokenmint"
)

// TokenVerifier is the subset of tokenmint.Provider this middleware needs.
type TokenVerifier interface {
	Verify(ctx context.Context, tokenString string, wantType tokenmint.Kind, opts ...tokenmint.ParseOption) (*tokenmint.Claims, error)
}

// AuthMiddleware validates a first-party access-token Bearer header and
// injects the authenticated user (and org scope, if the token carries one)
// into the request context. Unlike the RLS-era predecessor this replaces,
// there is no X-Tenant-ID header reconciliation: org scope comes from the
// token alone, and every authorization decision downstream goes through
// AuthzEngine rather than a context-carried role.
func AuthMiddleware(tokens TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid authorization format", http.StatusUnauthorized)
				return
			}

			claims, err := tokens.Verify(r.Context(), parts[1], tokenmint.KindAccess)
			if err != nil {
				slog.Warn("invalid_access_token", "error", err, "ip", r.RemoteAddr)
				if errors.Is(err, tokenmint.ErrExpired) {
					http.Error(w, "Token expired", http.StatusUnauthorized)
					return
				}
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, claims.Subject)
			if claims.OrgID != "" {
				ctx = context.WithValue(ctx, OrgIDKey, claims.OrgID)
			}
			SetSentryUser(ctx, claims.Subject, "", r.RemoteAddr)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
