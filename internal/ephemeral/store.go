// Package ephemeral provides a TTL-indexed key/value store with atomic
// single-use consume semantics. It backs every short-lived contract in the
// service: verification tokens, reset tokens, login codes, pre-auth
// sessions, refresh-token jti blacklist entries, and the two-level
// authorization cache.
package ephemeral

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("ephemeral: key not found")

// Store is the contract every backend (Redis, in-process) implements.
type Store interface {
	// Set writes value under key with the given TTL, overwriting any
	// existing value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// ConsumeIfEqual atomically deletes key and returns true only if it
	// currently holds a value equal to expected. Used for single-use
	// tokens (verification links, login codes, authorization codes):
	// two concurrent redemptions of the same code must not both succeed.
	ConsumeIfEqual(ctx context.Context, key string, expected []byte) (bool, error)

	// Delete removes key unconditionally. No error if key is absent.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key currently holds an unexpired value.
	// Used for the refresh-jti and access-jti blacklists, where the
	// value itself carries no information.
	Exists(ctx context.Context, key string) (bool, error)

	// Incr atomically increments the integer counter at key, creating it
	// at 1 with the given ttl if absent, and returns the new value. Used
	// by the rate limiter's fixed-window counters and by failed-login
	// attempt tracking.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
