// Package registration implements sign-up and the email-verification
// token lifecycle.
package registration

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
	verificationTTL  = 24 * time.Hour
	verifyAttemptTTL = 5 * time.Minute
	tokenBytes       = 32
)

// ErrInvalidCode is returned for any verification failure, deliberately
// generic so enumeration of valid tokens isn't possible from the error
// shape alone.
var ErrInvalidCode = errors.New("registration: invalid or expired verification code")

// Result is returned from Register. VerificationToken is surfaced only so
// tests and the dev environment can drive the flow without an inbox;
// production handlers must not echo it back to callers.
type Result struct {
	UserID            string
	VerificationToken string
}

// Flow drives registration and verification.
type Flow struct {
	store     store.Users
	ephemeral ephemeral.Store
	hasher    *credstore.Hasher
	mailer    notify.Sender
}

// New builds a Flow.
func New(s store.Users, eph ephemeral.Store, hasher *credstore.Hasher, mailer notify.Sender) *Flow {
	return &Flow{store: s, ephemeral: eph, hasher: hasher, mailer: mailer}
}

// Register creates an unverified user and enqueues a verification email.
// If the email is already registered, it returns a generic success (same
// Result shape, empty VerificationToken) without sending mail, so the
// response can't be used to enumerate existing accounts.
func (f *Flow) Register(ctx context.Context, email, password string) (Result, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	if err := f.hasher.CheckStrength(password, email); err != nil {
		return Result{}, err
	}

	hash, err := f.hasher.Hash(password)
	if err != nil {
		return Result{}, fmt.Errorf("registration: hashing password: %w", err)
	}

	user, err := f.store.CreateUser(ctx, email, hash)
	if errors.Is(err, store.ErrConflict) {
		// Generic success, no email dispatch: account enumeration guard.
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("registration: creating user: %w", err)
	}

	token, err := f.issueVerificationToken(ctx, user.ID)
	if err != nil {
		return Result{}, err
	}

	_ = f.mailer.Send(ctx, email, notify.TemplateEmailVerification, map[string]string{
		"token": token,
	})

	return Result{UserID: user.ID, VerificationToken: token}, nil
}

func (f *Flow) issueVerificationToken(ctx context.Context, userID string) (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("registration: generating token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	code, err := randomCode()
	if err != nil {
		return "", err
	}
	value := []byte(code + ":" + userID)

	if err := f.ephemeral.Set(ctx, "verify_token:"+token, value, verificationTTL); err != nil {
		return "", fmt.Errorf("registration: storing verification token: %w", err)
	}
	// Reverse key records the user's current token, so
	// ResendVerification can delete the prior forward key before minting
	// a new one and only one verification token per user stays active.
	if err := f.ephemeral.Set(ctx, "verify_user:"+userID, []byte(token), verificationTTL); err != nil {
		return "", fmt.Errorf("registration: storing reverse key: %w", err)
	}
	return token, nil
}

// Verify consumes a verification token and code, marking the user
// verified on success. Failures increment a per-user attempt counter
// (purely observational here; RegistrationFlow itself does not lock out,
// LoginFSM's 2FA gate is where repeated failure has a lockout
// consequence).
func (f *Flow) Verify(ctx context.Context, token, code string) error {
	user, err := f.consumeAndLookup(ctx, token, code)
	if err != nil {
		if stored, getErr := f.ephemeral.Get(ctx, "verify_token:"+token); getErr == nil {
			if parts := strings.SplitN(string(stored), ":", 2); len(parts) == 2 {
				_, _ = f.ephemeral.Incr(ctx, "attempts:"+parts[1]+":verify", verifyAttemptTTL)
			}
		}
		return err
	}

	if err := f.store.MarkVerified(ctx, user); err != nil {
		return fmt.Errorf("registration: marking verified: %w", err)
	}
	_ = f.ephemeral.Delete(ctx, "verify_user:"+user)
	return nil
}

func (f *Flow) consumeAndLookup(ctx context.Context, token, code string) (userID string, err error) {
	stored, err := f.ephemeral.Get(ctx, "verify_token:"+token)
	if errors.Is(err, ephemeral.ErrNotFound) {
		return "", ErrInvalidCode
	}
	if err != nil {
		return "", fmt.Errorf("registration: looking up token: %w", err)
	}

	parts := strings.SplitN(string(stored), ":", 2)
	if len(parts) != 2 {
		return "", ErrInvalidCode
	}
	storedCode, uid := parts[0], parts[1]

	if !credstore.SecureCompare(storedCode, code) {
		return "", ErrInvalidCode
	}

	ok, err := f.ephemeral.ConsumeIfEqual(ctx, "verify_token:"+token, stored)
	if err != nil {
		return "", fmt.Errorf("registration: consuming token: %w", err)
	}
	if !ok {
		return "", ErrInvalidCode
	}
	return uid, nil
}

// ResendVerification deletes any outstanding token for the user and mints
// a fresh one. Callers are expected to rate-limit this themselves (1 / 5
// min per the service's defaults).
func (f *Flow) ResendVerification(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := f.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil // generic success, no enumeration
	}
	if err != nil {
		return fmt.Errorf("registration: looking up user: %w", err)
	}
	if user.Verified {
		return nil
	}

	if prior, err := f.ephemeral.Get(ctx, "verify_user:"+user.ID); err == nil {
		_ = f.ephemeral.Delete(ctx, "verify_token:"+string(prior))
	}

	token, err := f.issueVerificationToken(ctx, user.ID)
	if err != nil {
		return err
	}
	_ = f.mailer.Send(ctx, email, notify.TemplateEmailVerification, map[string]string{"token": token})
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
