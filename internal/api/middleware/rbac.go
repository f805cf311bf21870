package middleware

import (
	"log/slog"
	"net/http"

	"github.com/arcforge/authcore/internal/authz"
)

// RequirePermission enforces that the authenticated user holds permission
// within the org_id carried by their access token, consulting
// authz.Engine's two-level cache and persistent group/permission graph.
// Unlike the static role-weight hierarchy this replaces, there is no
// claims-carried role: every call is a real decision, not a table lookup.
// Requires AuthMiddleware to have run first; a token with no org scope is
// rejected, since every permission here is organization-scoped.
func RequirePermission(engine *authz.Engine, permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := GetUserID(r.Context())
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			orgID, err := GetOrgID(r.Context())
			if err != nil {
				http.Error(w, "Organization scope required", http.StatusBadRequest)
				return
			}

			decision := engine.Authorize(r.Context(), userID, orgID, permission)
			if !decision.Allowed {
				slog.Warn("permission_denied", "user_id", userID, "org_id", orgID, "permission", permission, "reason", decision.Reason)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
