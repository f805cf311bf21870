package middleware

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// SetSentryOrg adds organization scope to the Sentry scope.
func SetSentryOrg(ctx context.Context, orgID string, source string) {
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("org_id", orgID)
		scope.SetTag("org_source", source)
	})
}

// SetSentryUser adds user context to the Sentry scope.
func SetSentryUser(ctx context.Context, userID string, email string, ip string) {
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetUser(sentry.User{ID: userID, Email: email, IPAddress: ip})
	})
}
