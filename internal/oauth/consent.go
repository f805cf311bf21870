package oauth

import (
	"context"
	"errors"
	"time"

	"github.com/arcforge/authcore/internal/store"
)

// StoreConsent adapts store.Consents to the narrower ConsentChecker
// interface Server depends on.
type StoreConsent struct {
	store store.Consents
}

// NewStoreConsent wraps a store.Consents implementation.
func NewStoreConsent(s store.Consents) *StoreConsent {
	return &StoreConsent{store: s}
}

// HasConsent reports whether a prior consent record covers the
// requested scope. A stored consent satisfies a request if every
// requested scope value is present in the consent's granted scope.
func (c *StoreConsent) HasConsent(ctx context.Context, userID, clientID string, scope []string) (bool, error) {
	consent, err := c.store.GetConsent(ctx, userID, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	granted := make(map[string]bool, len(consent.Scope))
	for _, s := range consent.Scope {
		granted[s] = true
	}
	for _, s := range scope {
		if !granted[s] {
			return false, nil
		}
	}
	return true, nil
}

// RecordConsent persists an approved consent, replacing any prior scope
// for this (user, client) pair.
func (c *StoreConsent) RecordConsent(ctx context.Context, userID, clientID string, scope []string) error {
	return c.store.PutConsent(ctx, store.Consent{
		UserID: userID, ClientID: clientID, Scope: scope, GrantedAt: time.Now(),
	})
}
