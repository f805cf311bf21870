// Package tokenmint issues and verifies the signed tokens used throughout
// the service: first-party access/refresh/pre-auth tokens, and the
// OAuth-flavored access/refresh tokens issued to third-party clients.
package tokenmint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/arcforge/authcore/internal/ephemeral"
)

// Kind identifies which of the five token kinds a claims set represents.
type Kind string

const (
	KindAccess       Kind = "access"
	KindRefresh      Kind = "refresh"
	KindPreAuth      Kind = "pre_auth"
	KindOAuthAccess  Kind = "access"  // distinguished from first-party access by Audience
	KindOAuthRefresh Kind = "refresh" // distinguished from first-party refresh by ClientID
)

var (
	// ErrExpired is returned for a structurally valid but expired token.
	ErrExpired = errors.New("tokenmint: token expired")
	// ErrWrongType is returned when a token of one kind is presented
	// where another kind was expected.
	ErrWrongType = errors.New("tokenmint: unexpected token type")
	// ErrRevoked is returned when the token's jti is on the blacklist.
	ErrRevoked = errors.New("tokenmint: token revoked")
	// ErrInvalid covers any other verification failure (bad signature,
	// malformed claims).
	ErrInvalid = errors.New("tokenmint: invalid token")
)

// Claims is the JWT payload shape shared by every token kind this service
// issues. Unused fields are simply omitted from the JSON body (`omitempty`)
// rather than modeled as five separate claim structs.
type Claims struct {
	jwt.RegisteredClaims
	Type     string `json:"type"`
	OrgID    string `json:"org_id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
}

// Provider issues and verifies tokens with a single shared HMAC secret.
type Provider struct {
	secret []byte
	store  ephemeral.Store

	accessTTL      time.Duration
	refreshTTL     time.Duration
	preAuthTTL     time.Duration
	oauthAccessTTL time.Duration
}

// Config bundles the lifetimes for each token kind.
type Config struct {
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	PreAuthTTL     time.Duration
	OAuthAccessTTL time.Duration
}

// New builds a Provider. secret must be at least 32 bytes; store backs the
// revocation (jti) blacklist.
func New(secret []byte, store ephemeral.Store, cfg Config) (*Provider, error) {
	if len(secret) < 32 {
		return nil, errors.New("tokenmint: secret must be at least 32 bytes")
	}
	return &Provider{
		secret:         secret,
		store:          store,
		accessTTL:      cfg.AccessTTL,
		refreshTTL:     cfg.RefreshTTL,
		preAuthTTL:     cfg.PreAuthTTL,
		oauthAccessTTL: cfg.OAuthAccessTTL,
	}, nil
}

func (p *Provider) sign(claims Claims) (string, string, error) {
	jti := uuid.NewString()
	claims.ID = jti
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", "", fmt.Errorf("tokenmint: signing: %w", err)
	}
	return signed, jti, nil
}

// IssueAccess issues a first-party access token for the given user,
// optionally scoped to an organization.
func (p *Provider) IssueAccess(userID string, orgID string) (string, string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.accessTTL)),
		},
		Type:  string(KindAccess),
		OrgID: orgID,
	}
	return p.sign(claims)
}

// RefreshTTL reports the lifetime a freshly issued refresh token carries,
// so callers persisting a RefreshTokenRecord can compute its expiry
// without duplicating the provider's configuration.
func (p *Provider) RefreshTTL() time.Duration {
	return p.refreshTTL
}

// IssueRefresh issues a first-party refresh token.
func (p *Provider) IssueRefresh(userID, orgID string) (string, string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.refreshTTL)),
		},
		Type:  string(KindRefresh),
		OrgID: orgID,
	}
	return p.sign(claims)
}

// IssuePreAuth issues a short-lived token representing "every login factor
// verified, organization selection outstanding"; LoginFSM issues it when
// the user belongs to several organizations.
func (p *Provider) IssuePreAuth(userID string) (string, string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.preAuthTTL)),
		},
		Type: string(KindPreAuth),
	}
	return p.sign(claims)
}

// IssueOAuthAccess issues an access token on behalf of an OAuth client,
// either representing a user (sub set) or the client itself
// (client_credentials grant, sub empty).
func (p *Provider) IssueOAuthAccess(userID, clientID, scope string) (string, string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.oauthAccessTTL)),
		},
		Type:     string(KindOAuthAccess),
		ClientID: clientID,
		Scope:    scope,
	}
	return p.sign(claims)
}

// IssueOAuthRefresh issues a refresh token scoped to a client and user.
func (p *Provider) IssueOAuthRefresh(userID, clientID, scope string) (string, string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.refreshTTL)),
		},
		Type:     string(KindRefresh),
		ClientID: clientID,
		Scope:    scope,
	}
	return p.sign(claims)
}

// parseOpts controls how strictly Verify checks the token.
type parseOpts struct {
	skipBlacklist bool
}

// ParseOption customizes Verify's behavior.
type ParseOption func(*parseOpts)

// SkipBlacklistCheck skips the jti blacklist lookup. Used for internal
// decode paths that do not represent an authorization decision. Verify
// does not check the audience claim, with or without this option, and no
// caller in the HTTP layer checks it either.
func SkipBlacklistCheck() ParseOption {
	return func(o *parseOpts) { o.skipBlacklist = true }
}

// Verify parses and validates a token, checking signature, expiry,
// expected kind, and (unless skipped) the jti blacklist.
func (p *Provider) Verify(ctx context.Context, tokenString string, wantType Kind, opts ...ParseOption) (*Claims, error) {
	var o parseOpts
	for _, opt := range opts {
		opt(&o)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("tokenmint: unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	if !token.Valid {
		return nil, ErrInvalid
	}
	if claims.Type != string(wantType) {
		return nil, ErrWrongType
	}

	if !o.skipBlacklist && p.store != nil {
		revoked, err := p.store.Exists(ctx, blacklistKey(claims.ID))
		if err != nil {
			return nil, fmt.Errorf("tokenmint: blacklist lookup: %w", err)
		}
		if revoked {
			return nil, ErrRevoked
		}
	}

	return claims, nil
}

// Revoke adds a jti to the blacklist for the remainder of its natural
// lifetime, so a decoded-but-not-yet-expired token is rejected on every
// subsequent verify.
func (p *Provider) Revoke(ctx context.Context, jti string, remainingTTL time.Duration) error {
	if remainingTTL <= 0 {
		return nil
	}
	return p.store.Set(ctx, blacklistKey(jti), []byte{1}, remainingTTL)
}

func blacklistKey(jti string) string {
	return "blacklist_jti:" + jti
}
