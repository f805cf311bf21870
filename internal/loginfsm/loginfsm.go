// Package loginfsm drives the multi-step login state machine: password,
// then email code, then TOTP, then organization selection. The email code
// is a single-use short-lived ephemeral key; choosing among several
// organizations is gated by a short-lived pre_auth token. A single
// idempotent entry point inspects whichever fields the caller supplied and
// advances the state machine as far as it can.
package loginfsm

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arcforge/authcore/internal/audit"
	"github.com/arcforge/authcore/internal/credstore"
	"github.com/arcforge/authcore/internal/ephemeral"
	"github.com/arcforge/authcore/internal/notify"
	"github.com/arcforge/authcore/internal/store"
	"github.com/arcforge/authcore/internal/tokenmint"
)

// ErrInvalidCredentials is the single generic failure returned for every
// password/code/TOTP mismatch, absent user, inactive user, or unknown
// org_id — never distinguished, to avoid both account enumeration and a
// timing oracle.
var ErrInvalidCredentials = errors.New("loginfsm: invalid credentials")

// ErrNotVerified is returned, post-password-check, when the account has
// never completed email verification. Unlike ErrInvalidCredentials this
// is specific, because it only fires after a correct password, so it
// carries no enumeration risk.
var ErrNotVerified = errors.New("loginfsm: account not verified")

// ErrLockedOut is returned once the login-code attempt counter trips.
var ErrLockedOut = errors.New("loginfsm: too many attempts, temporarily locked")

const (
	loginCodeTTL     = 5 * time.Minute
	attemptWindow    = 5 * time.Minute
	lockoutTTL       = 5 * time.Minute
	attemptLimit     = 3
	preAuthTTL       = 15 * time.Minute
)

// dummyHash is verified against on every absent-user lookup, so a
// nonexistent email takes the same wall-clock path as a wrong password.
var dummyHash = "$argon2id$v=19$m=65536,t=3,p=2$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// Request carries every field the single /login endpoint can receive.
// Exactly which subset is populated determines how far the attempt
// advances.
type Request struct {
	Email         string
	Password      string
	LoginCode     string
	TOTPCode      string
	BackupCode    string
	OrgID         string
	PreAuthToken  string
}

// Status tags which branch of the state machine a Result represents.
type Status string

const (
	StatusRequiresCode         Status = "requires_code"
	StatusRequiresTOTP         Status = "requires_totp"
	StatusRequiresOrgSelection Status = "requires_org_selection"
	StatusOK                   Status = "ok"
)

// OrgSummary is one entry in the organization-selection list.
type OrgSummary struct {
	OrgID string
	Name  string
}

// Result is the single response shape every branch of Attempt returns.
type Result struct {
	Status          Status
	UserID          string
	ExpiresIn       int
	Organizations   []OrgSummary
	PreAuthToken    string
	AccessToken     string
	RefreshToken    string
	OrgID           string
}

// TwoFactorVerifier is the subset of twofactor.Engine LoginFSM needs.
type TwoFactorVerifier interface {
	VerifyCode(ctx context.Context, userID, purpose, encryptedSecret, code string) (bool, error)
	VerifyBackupCode(code string, storedHashes []string) (bool, []string)
}

// Config toggles the login-code step (dev-only shortcut) per spec's
// documented SKIP_LOGIN_CODE configuration knob.
type Config struct {
	SkipLoginCode bool
}

// FSM drives login attempts.
type FSM struct {
	users         store.Users
	orgs          store.Orgs
	refreshTokens store.RefreshTokens
	ephemeral     ephemeral.Store
	hasher        *credstore.Hasher
	tokens        *tokenmint.Provider
	twoFactor     TwoFactorVerifier
	mailer        notify.Sender
	audit         audit.Logger
	cfg           Config
}

// New builds an FSM.
func New(users store.Users, orgs store.Orgs, refreshTokens store.RefreshTokens, eph ephemeral.Store, hasher *credstore.Hasher,
	tokens *tokenmint.Provider, twoFactor TwoFactorVerifier, mailer notify.Sender, auditLog audit.Logger, cfg Config) *FSM {
	return &FSM{
		users: users, orgs: orgs, refreshTokens: refreshTokens, ephemeral: eph, hasher: hasher,
		tokens: tokens, twoFactor: twoFactor, mailer: mailer, audit: auditLog, cfg: cfg,
	}
}

// Attempt advances the login state machine as far as the supplied fields
// allow. It is safe to call repeatedly with accumulating fields (the
// caller's conversation with the endpoint is itself the state machine;
// this function holds no attempt-scoped memory beyond the ephemeral
// store).
func (m *FSM) Attempt(ctx context.Context, req Request) (Result, error) {
	switch {
	case req.PreAuthToken != "" && req.OrgID != "":
		return m.continueWithOrgSelection(ctx, req)
	case req.Password != "":
		return m.startWithPassword(ctx, req)
	default:
		return Result{}, ErrInvalidCredentials
	}
}

func (m *FSM) startWithPassword(ctx context.Context, req Request) (Result, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	user, err := m.users.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		_ = m.hasher.Compare(req.Password, dummyHash)
		return Result{}, ErrInvalidCredentials
	}
	if err != nil {
		return Result{}, fmt.Errorf("loginfsm: looking up user: %w", err)
	}

	if err := m.hasher.Compare(req.Password, user.PasswordHash); err != nil {
		return Result{}, ErrInvalidCredentials
	}
	if !user.Active {
		return Result{}, ErrInvalidCredentials
	}
	if !user.Verified {
		return Result{}, ErrNotVerified
	}

	if m.hasher.NeedsRehash(user.PasswordHash) {
		if rehashed, err := m.hasher.Hash(req.Password); err == nil {
			_ = m.users.UpdatePasswordHash(ctx, user.ID, rehashed)
		}
	}

	if req.LoginCode != "" && !m.cfg.SkipLoginCode {
		return m.verifyLoginCode(ctx, user, req)
	}

	if m.cfg.SkipLoginCode {
		return m.afterLoginCode(ctx, user, req)
	}

	return m.issueLoginCode(ctx, user)
}

func (m *FSM) issueLoginCode(ctx context.Context, user store.User) (Result, error) {
	code, err := randomDigits(6)
	if err != nil {
		return Result{}, err
	}
	if err := m.ephemeral.Set(ctx, "login_code:"+user.ID, []byte(code), loginCodeTTL); err != nil {
		return Result{}, fmt.Errorf("loginfsm: storing login code: %w", err)
	}
	_ = m.mailer.Send(ctx, user.Email, notify.TemplateLoginCode, map[string]string{"code": code})

	return Result{Status: StatusRequiresCode, UserID: user.ID, ExpiresIn: int(loginCodeTTL.Seconds())}, nil
}

func (m *FSM) verifyLoginCode(ctx context.Context, user store.User, req Request) (Result, error) {
	locked, err := m.ephemeral.Exists(ctx, lockoutKey(user.ID, "login"))
	if err != nil {
		return Result{}, fmt.Errorf("loginfsm: checking lockout: %w", err)
	}
	if locked {
		return Result{}, ErrLockedOut
	}

	ok, err := m.ephemeral.ConsumeIfEqual(ctx, "login_code:"+user.ID, []byte(req.LoginCode))
	if err != nil {
		return Result{}, fmt.Errorf("loginfsm: consuming login code: %w", err)
	}
	if !ok {
		n, err := m.ephemeral.Incr(ctx, attemptKey(user.ID, "login"), attemptWindow)
		if err != nil {
			return Result{}, fmt.Errorf("loginfsm: recording attempt: %w", err)
		}
		if n >= attemptLimit {
			_ = m.ephemeral.Set(ctx, lockoutKey(user.ID, "login"), []byte{1}, lockoutTTL)
		}
		return Result{}, ErrInvalidCredentials
	}

	_ = m.ephemeral.Delete(ctx, attemptKey(user.ID, "login"))
	return m.afterLoginCode(ctx, user, req)
}

func (m *FSM) afterLoginCode(ctx context.Context, user store.User, req Request) (Result, error) {
	if user.TOTPSecret != "" {
		return m.gateTOTP(ctx, user, req)
	}
	return m.selectOrgOrIssue(ctx, user)
}

func (m *FSM) gateTOTP(ctx context.Context, user store.User, req Request) (Result, error) {
	if req.TOTPCode == "" && req.BackupCode == "" {
		return Result{Status: StatusRequiresTOTP, UserID: user.ID}, nil
	}

	if req.BackupCode != "" {
		matched, remaining := m.twoFactor.VerifyBackupCode(req.BackupCode, user.BackupHashes)
		if !matched {
			return Result{}, ErrInvalidCredentials
		}
		if err := m.users.ConsumeBackupCode(ctx, user.ID, remaining); err != nil {
			return Result{}, fmt.Errorf("loginfsm: consuming backup code: %w", err)
		}
		return m.selectOrgOrIssue(ctx, user)
	}

	ok, err := m.twoFactor.VerifyCode(ctx, user.ID, "login", user.TOTPSecret, req.TOTPCode)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Result{}, err
		}
		return Result{}, ErrInvalidCredentials
	}
	if !ok {
		return Result{}, ErrInvalidCredentials
	}
	return m.selectOrgOrIssue(ctx, user)
}

func (m *FSM) selectOrgOrIssue(ctx context.Context, user store.User) (Result, error) {
	memberships, err := m.orgs.ListMembershipsForUser(ctx, user.ID)
	if err != nil {
		return Result{}, fmt.Errorf("loginfsm: listing memberships: %w", err)
	}

	switch len(memberships) {
	case 0:
		return m.issueTokens(ctx, user.ID, "")
	case 1:
		return m.issueTokens(ctx, user.ID, memberships[0].OrgID)
	default:
		return m.issuePreAuthForOrgSelection(ctx, user.ID, memberships)
	}
}

func (m *FSM) issuePreAuthForOrgSelection(ctx context.Context, userID string, memberships []store.Membership) (Result, error) {
	token, _, err := m.tokens.IssuePreAuth(userID)
	if err != nil {
		return Result{}, fmt.Errorf("loginfsm: issuing pre-auth token: %w", err)
	}

	orgs := make([]OrgSummary, 0, len(memberships))
	for _, mem := range memberships {
		org, err := m.orgs.GetOrganization(ctx, mem.OrgID)
		if err != nil {
			continue
		}
		orgs = append(orgs, OrgSummary{OrgID: org.ID, Name: org.Name})
	}

	return Result{
		Status:        StatusRequiresOrgSelection,
		UserID:        userID,
		Organizations: orgs,
		PreAuthToken:  token,
	}, nil
}

func (m *FSM) continueWithOrgSelection(ctx context.Context, req Request) (Result, error) {
	claims, err := m.tokens.Verify(ctx, req.PreAuthToken, tokenmint.KindPreAuth)
	if err != nil {
		return Result{}, ErrInvalidCredentials
	}

	membership, err := m.orgs.GetMembership(ctx, claims.Subject, req.OrgID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, ErrInvalidCredentials
	}
	if err != nil {
		return Result{}, fmt.Errorf("loginfsm: verifying membership: %w", err)
	}

	return m.issueTokens(ctx, claims.Subject, membership.OrgID)
}

func (m *FSM) issueTokens(ctx context.Context, userID, orgID string) (Result, error) {
	access, _, err := m.tokens.IssueAccess(userID, orgID)
	if err != nil {
		return Result{}, fmt.Errorf("loginfsm: issuing access token: %w", err)
	}
	refresh, jti, err := m.tokens.IssueRefresh(userID, orgID)
	if err != nil {
		return Result{}, fmt.Errorf("loginfsm: issuing refresh token: %w", err)
	}
	if err := m.refreshTokens.CreateRefreshToken(ctx, store.RefreshTokenRecord{
		JTI: jti, UserID: userID, OrgID: orgID, ExpiresAt: time.Now().Add(m.tokens.RefreshTTL()),
	}); err != nil {
		return Result{}, fmt.Errorf("loginfsm: persisting refresh token record: %w", err)
	}

	if err := m.users.UpdateLastLogin(ctx, userID); err != nil {
		return Result{}, fmt.Errorf("loginfsm: updating last login: %w", err)
	}

	m.audit.Log(ctx, audit.Entry{EventType: audit.EventLoginSucceeded, UserID: userID, OrgID: orgID})

	return Result{
		Status:       StatusOK,
		UserID:       userID,
		AccessToken:  access,
		RefreshToken: refresh,
		OrgID:        orgID,
	}, nil
}

func randomDigits(n int) (string, error) {
	const digits = "0123456789"
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	for i, b := range raw {
		buf[i] = digits[int(b)%len(digits)]
	}
	return string(buf), nil
}

func attemptKey(userID, purpose string) string { return "attempts:" + userID + ":" + purpose }
func lockoutKey(userID, purpose string) string { return "lockout:" + userID + ":" + purpose }
