// Package ratelimiter enforces per-window request limits keyed by
// (endpoint, identifier), with identifier precedence: authenticated
// user_id, else client IP. Limiter counts in fixed windows, not sliding
// ones: the first request starts the window's TTL and the count resets
// when it expires, so a burst straddling a window boundary can pass up to
// twice the limit.
package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/arcforge/authcore/internal/ephemeral"
)

// Rule is a single endpoint's limit: N requests per window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules mirrors the service's documented defaults; callers can
// override per-deployment via config.
var DefaultRules = map[string]Rule{
	"register":                {Limit: 3, Window: time.Hour},
	"login":                   {Limit: 5, Window: time.Minute},
	"resend_verification":     {Limit: 1, Window: 5 * time.Minute},
	"request_password_reset":  {Limit: 1, Window: 5 * time.Minute},
}

// Limiter enforces Rules against an ephemeral.Store-backed counter, so the
// limit holds across replicas when the store is Redis-backed.
type Limiter struct {
	store ephemeral.Store
	rules map[string]Rule
}

// New builds a Limiter. A nil or empty rules map falls back to
// DefaultRules.
func New(store ephemeral.Store, rules map[string]Rule) *Limiter {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Limiter{store: store, rules: rules}
}

// Allow increments the counter for (endpoint, identifier) and reports
// whether the request is within the endpoint's configured limit. An
// endpoint with no configured rule is always allowed.
func (l *Limiter) Allow(ctx context.Context, endpoint, identifier string) (bool, error) {
	rule, ok := l.rules[endpoint]
	if !ok {
		return true, nil
	}
	key := fmt.Sprintf("ratelimit:%s:%s", endpoint, identifier)
	count, err := l.store.Incr(ctx, key, rule.Window)
	if err != nil {
		return false, err
	}
	return count <= int64(rule.Limit), nil
}
