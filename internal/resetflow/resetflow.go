// Package resetflow implements the password-reset token lifecycle.
package resetflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arcforge/authcore/internal/credstore"
	"github.com/arcforge/authcore/internal/ephemeral"
	"github.com/arcforge/authcore/internal/notify"
	"github.com/arcforge/authcore/internal/store"
)

const (
	resetTTL   = time.Hour
	tokenBytes = 32
)

// ErrInvalidCode is returned for any reset failure, deliberately generic.
var ErrInvalidCode = errors.New("resetflow: invalid or expired reset code")

// TokenRevoker blacklists every outstanding refresh token for a user,
// called after a successful reset so stolen sessions don't survive a
// password change.
type TokenRevoker interface {
	RevokeAllForUser(ctx context.Context, userID string) error
}

// CacheInvalidator invalidates AuthzEngine's caches for a user. Reset
// itself doesn't change permissions, but the spec requires the call for
// symmetry with other identity-changing operations; AuthzEngine's
// invalidation is a no-op here if permissions are unaffected.
type CacheInvalidator interface {
	InvalidateUser(ctx context.Context, userID string)
}

// Flow drives password-reset requests.
type Flow struct {
	store     store.Users
	ephemeral ephemeral.Store
	hasher    *credstore.Hasher
	mailer    notify.Sender
	revoker   TokenRevoker
	cache     CacheInvalidator
}

// New builds a Flow.
func New(s store.Users, eph ephemeral.Store, hasher *credstore.Hasher, mailer notify.Sender, revoker TokenRevoker, cache CacheInvalidator) *Flow {
	return &Flow{store: s, ephemeral: eph, hasher: hasher, mailer: mailer, revoker: revoker, cache: cache}
}

// Request always responds as if it succeeded, to prevent account
// enumeration; it only does real work (minting a token, sending mail) if
// the email corresponds to an existing user.
func (f *Flow) Request(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := f.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resetflow: looking up user: %w", err)
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("resetflow: generating token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	code, err := randomCode()
	if err != nil {
		return err
	}
	value := []byte(code + ":" + user.ID)

	if prior, err := f.ephemeral.Get(ctx, "reset_user:"+user.ID); err == nil {
		_ = f.ephemeral.Delete(ctx, "reset_token:"+string(prior))
	}

	if err := f.ephemeral.Set(ctx, "reset_token:"+token, value, resetTTL); err != nil {
		return fmt.Errorf("resetflow: storing reset token: %w", err)
	}
	if err := f.ephemeral.Set(ctx, "reset_user:"+user.ID, []byte(token), resetTTL); err != nil {
		return fmt.Errorf("resetflow: storing reverse key: %w", err)
	}

	_ = f.mailer.Send(ctx, email, notify.TemplatePasswordReset, map[string]string{"token": token})
	return nil
}

// Reset consumes a reset token and code, strength-gates and hashes the new
// password, then revokes every outstanding session for the user.
func (f *Flow) Reset(ctx context.Context, token, code, newPassword string) error {
	stored, err := f.ephemeral.Get(ctx, "reset_token:"+token)
	if errors.Is(err, ephemeral.ErrNotFound) {
		return ErrInvalidCode
	}
	if err != nil {
		return fmt.Errorf("resetflow: looking up token: %w", err)
	}

	parts := strings.SplitN(string(stored), ":", 2)
	if len(parts) != 2 || !credstore.SecureCompare(parts[0], code) {
		return ErrInvalidCode
	}
	userID := parts[1]

	ok, err := f.ephemeral.ConsumeIfEqual(ctx, "reset_token:"+token, stored)
	if err != nil {
		return fmt.Errorf("resetflow: consuming token: %w", err)
	}
	if !ok {
		return ErrInvalidCode
	}

	if err := f.hasher.CheckStrength(newPassword); err != nil {
		return err
	}
	hash, err := f.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("resetflow: hashing password: %w", err)
	}

	if err := f.store.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return fmt.Errorf("resetflow: writing password: %w", err)
	}

	_ = f.ephemeral.Delete(ctx, "reset_user:"+userID)

	if f.revoker != nil {
		if err := f.revoker.RevokeAllForUser(ctx, userID); err != nil {
			return fmt.Errorf("resetflow: revoking sessions: %w", err)
		}
	}
	if f.cache != nil {
		f.cache.InvalidateUser(ctx, userID)
	}
	return nil
}

func randomCode() (string, error) {
	const digits = "0123456789"
	raw := make([]byte, 6)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	buf := make([]byte, 6)
	for i, b := range raw {
		buf[i] = digits[int(b)%len(digits)]
	}
	return string(buf), nil
}
