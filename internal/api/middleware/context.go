package middleware

import (
	"context"
	"fmt"
)

// contextKey is a custom type for context keys to avoid collisions.
// This prevents accidental key conflicts with other packages.
type contextKey string

// Context keys for request-scoped values. Unlike the RLS-era predecessor
// this context carried, there is no RoleKey: a bearer token's org_id is
// merely a scope hint, never an authorization decision by itself — every
// decision goes through AuthzEngine.
const (
	UserIDKey contextKey = "user_id"
	OrgIDKey  contextKey = "org_id"
)

// GetUserID safely extracts the authenticated user's ID from context.
// Returns an error if the value is missing or wrong type.
func GetUserID(ctx context.Context) (string, error) {
	val := ctx.Value(UserIDKey)
	if val == nil {
		return "", fmt.Errorf("user_id not found in context")
	}
	id, ok := val.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("user_id has wrong type: %T", val)
	}
	return id, nil
}

// GetOrgID safely extracts the org scope carried by the presented access
// token, if any. Absent for users with no organization membership: see
// loginfsm.selectOrgOrIssue, which scopes a single-membership user's
// tokens to that org and asks a multi-membership user to pick one.
func GetOrgID(ctx context.Context) (string, error) {
	val := ctx.Value(OrgIDKey)
	if val == nil {
		return "", fmt.Errorf("org_id not found in context")
	}
	id, ok := val.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("org_id has wrong type: %T", val)
	}
	return id, nil
}

// MustGetUserID extracts the user ID and panics if not found.
// Use only in contexts where UserID is guaranteed to be set by middleware.
func MustGetUserID(ctx context.Context) string {
	id, err := GetUserID(ctx)
	if err != nil {
		panic(fmt.Sprintf("CRITICAL: %v", err))
	}
	return id
}
