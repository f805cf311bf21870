// Package oauth implements the authorization-code+PKCE, refresh_token,
// and client_credentials grants, plus discovery and revocation, per
// RFC 6749 and RFC 7636.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arcforge/authcore/internal/audit"
	"github.com/arcforge/authcore/internal/credstore"
	"github.com/arcforge/authcore/internal/ephemeral"
	"github.com/arcforge/authcore/internal/store"
	"github.com/arcforge/authcore/internal/tokenmint"
)

// Error is an RFC 6749 §5.2 error kind, distinct from transport status:
// the HTTP layer answers 400 for every kind except invalid_client, which
// gets 401.
type Error struct {
	Code        string // invalid_request, invalid_client, invalid_grant, unauthorized_client, unsupported_grant_type, unsupported_response_type, invalid_scope
	Description string
}

func (e *Error) Error() string { return e.Code + ": " + e.Description }

func newErr(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

const (
	codeTTL      = 60 * time.Second
	codeLength   = 32 // 256-bit
	metadataAuth = "client_secret_basic"
)

// ConsentChecker lets the authorize flow consult an already-granted
// consent record without pulling the full store.Consents surface in.
type ConsentChecker interface {
	HasConsent(ctx context.Context, userID, clientID string, scope []string) (bool, error)
	RecordConsent(ctx context.Context, userID, clientID string, scope []string) error
}

// Server is the OAuth authorization server.
type Server struct {
	clients store.OAuthClients
	consent ConsentChecker
	codes   ephemeral.Store
	tokens  *tokenmint.Provider
	hasher  *credstore.Hasher
	events  EventRecorder
	audit   audit.Logger
	issuer  string
}

// New builds a Server.
func New(clients store.OAuthClients, consent ConsentChecker, codes ephemeral.Store, tokens *tokenmint.Provider, hasher *credstore.Hasher, events EventRecorder, auditLog audit.Logger, issuer string) *Server {
	return &Server{clients: clients, consent: consent, codes: codes, tokens: tokens, hasher: hasher, events: events, audit: auditLog, issuer: issuer}
}

// Metadata is the RFC 8414 discovery document.
type Metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// Discovery returns the server's metadata document.
func (s *Server) Discovery(scopes []string) Metadata {
	return Metadata{
		Issuer:                            s.issuer,
		AuthorizationEndpoint:             s.issuer + "/oauth/authorize",
		TokenEndpoint:                     s.issuer + "/oauth/token",
		RevocationEndpoint:                s.issuer + "/oauth/revoke",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token", "client_credentials"},
		ScopesSupported:                   scopes,
		CodeChallengeMethodsSupported:     []string{"S256", "plain"},
		TokenEndpointAuthMethodsSupported: []string{metadataAuth, "none"},
	}
}

// AuthorizeRequest is the validated input to the /authorize endpoint.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              string
}

// AuthorizeResult tells the handler whether to render a consent screen
// or redirect immediately with a code.
type AuthorizeResult struct {
	NeedsConsent bool
	Code         string
	RedirectURI  string
	State        string
}

type authCodeRecord struct {
	ClientID            string   `json:"client_id"`
	UserID              string   `json:"user_id"`
	RedirectURI         string   `json:"redirect_uri"`
	Scope               []string `json:"scope"`
	CodeChallenge       string   `json:"code_challenge"`
	CodeChallengeMethod string   `json:"code_challenge_method"`
}

// Authorize validates an authorization request and either signals that
// consent is required or mints a code and returns the redirect target.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error) {
	client, err := s.clients.GetOAuthClient(ctx, req.ClientID)
	if err != nil {
		return AuthorizeResult{}, newErr("invalid_request", "unknown client_id")
	}
	if req.ResponseType != "code" {
		return AuthorizeResult{}, newErr("unsupported_response_type", "only response_type=code is supported")
	}
	if !containsExact(client.RedirectURIs, req.RedirectURI) {
		return AuthorizeResult{}, newErr("invalid_request", "redirect_uri does not match a registered URI")
	}
	if !scopeSubset(req.Scope, client.AllowedScopes) {
		return AuthorizeResult{}, newErr("invalid_scope", "requested scope exceeds allowed_scopes")
	}
	if client.Type == store.ClientPublic || client.RequirePKCE {
		if req.CodeChallenge == "" {
			return AuthorizeResult{}, newErr("invalid_request", "code_challenge is required")
		}
		if req.CodeChallengeMethod != "S256" && req.CodeChallengeMethod != "plain" {
			return AuthorizeResult{}, newErr("invalid_request", "code_challenge_method must be S256 or plain")
		}
	}

	if client.RequireConsent {
		granted, err := s.consent.HasConsent(ctx, req.UserID, req.ClientID, req.Scope)
		if err != nil {
			return AuthorizeResult{}, fmt.Errorf("oauth: checking consent: %w", err)
		}
		if !granted {
			return AuthorizeResult{NeedsConsent: true, RedirectURI: req.RedirectURI, State: req.State}, nil
		}
	}

	code, err := s.issueCode(ctx, req)
	if err != nil {
		return AuthorizeResult{}, err
	}
	return AuthorizeResult{Code: code, RedirectURI: req.RedirectURI, State: req.State}, nil
}

// ApproveConsent persists consent and mints a code, called after the user
// approves the consent screen rendered for a NeedsConsent result.
func (s *Server) ApproveConsent(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error) {
	if err := s.consent.RecordConsent(ctx, req.UserID, req.ClientID, req.Scope); err != nil {
		return AuthorizeResult{}, fmt.Errorf("oauth: recording consent: %w", err)
	}
	s.audit.Log(ctx, audit.Entry{EventType: audit.EventConsentGranted, UserID: req.UserID, Details: map[string]interface{}{"client_id": req.ClientID, "scope": req.Scope}})
	code, err := s.issueCode(ctx, req)
	if err != nil {
		return AuthorizeResult{}, err
	}
	return AuthorizeResult{Code: code, RedirectURI: req.RedirectURI, State: req.State}, nil
}

func (s *Server) issueCode(ctx context.Context, req AuthorizeRequest) (string, error) {
	raw := make([]byte, codeLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("oauth: generating authorization code: %w", err)
	}
	code := base64.RawURLEncoding.EncodeToString(raw)

	rec := authCodeRecord{
		ClientID: req.ClientID, UserID: req.UserID, RedirectURI: req.RedirectURI,
		Scope: req.Scope, CodeChallenge: req.CodeChallenge, CodeChallengeMethod: req.CodeChallengeMethod,
	}
	payload, err := marshalCode(rec)
	if err != nil {
		return "", err
	}
	if err := s.codes.Set(ctx, codeKey(code), payload, codeTTL); err != nil {
		return "", fmt.Errorf("oauth: storing authorization code: %w", err)
	}
	s.events.Record(ctx, Event{Type: EventCodeIssued, ClientID: req.ClientID, UserID: req.UserID, GrantType: "authorization_code", Scope: req.Scope})
	return code, nil
}

// TokenResponse is the RFC 6749 §5.1 success response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ClientAuth carries how the client authenticated at the token endpoint.
type ClientAuth struct {
	ClientID     string
	ClientSecret string // empty for public clients / no auth
}

// ExchangeCode implements grant_type=authorization_code.
func (s *Server) ExchangeCode(ctx context.Context, auth ClientAuth, code, redirectURI, codeVerifier string, accessTTLSeconds int) (TokenResponse, error) {
	client, err := s.authenticateClient(ctx, auth)
	if err != nil {
		return TokenResponse{}, err
	}

	raw, err := s.codes.Get(ctx, codeKey(code))
	if errors.Is(err, ephemeral.ErrNotFound) {
		return TokenResponse{}, newErr("invalid_grant", "invalid or expired authorization code")
	}
	if err != nil {
		return TokenResponse{}, fmt.Errorf("oauth: looking up authorization code: %w", err)
	}

	rec, err := unmarshalCode(raw)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("oauth: decoding authorization code: %w", err)
	}

	// Single-use: consume before validating so a racing second redemption
	// of the same raw code can never both pass.
	consumed, err := s.codes.ConsumeIfEqual(ctx, codeKey(code), raw)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("oauth: consuming authorization code: %w", err)
	}
	if !consumed {
		s.events.Record(ctx, Event{Type: EventCodeReplay, ClientID: client.ClientID, UserID: rec.UserID, GrantType: "authorization_code"})
		s.audit.Log(ctx, audit.Entry{EventType: audit.EventOAuthCodeReplay, UserID: rec.UserID, Details: map[string]interface{}{"client_id": client.ClientID}})
		return TokenResponse{}, newErr("invalid_grant", "authorization code already used")
	}

	if rec.ClientID != client.ClientID {
		return TokenResponse{}, newErr("invalid_grant", "client_id mismatch")
	}
	if rec.RedirectURI != redirectURI {
		return TokenResponse{}, newErr("invalid_grant", "redirect_uri mismatch")
	}
	if !VerifyPKCE(codeVerifier, rec.CodeChallenge, rec.CodeChallengeMethod) {
		return TokenResponse{}, newErr("invalid_grant", "PKCE verification failed")
	}

	scope := strings.Join(rec.Scope, " ")
	access, _, err := s.tokens.IssueOAuthAccess(rec.UserID, client.ClientID, scope)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("oauth: issuing access token: %w", err)
	}
	refresh, _, err := s.tokens.IssueOAuthRefresh(rec.UserID, client.ClientID, scope)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("oauth: issuing refresh token: %w", err)
	}

	s.events.Record(ctx, Event{Type: EventTokenIssued, ClientID: client.ClientID, UserID: rec.UserID, GrantType: "authorization_code", Scope: rec.Scope})
	return TokenResponse{AccessToken: access, TokenType: "Bearer", ExpiresIn: accessTTLSeconds, RefreshToken: refresh, Scope: scope}, nil
}

// RefreshToken implements grant_type=refresh_token. The new scope may
// only narrow relative to the token being rotated.
func (s *Server) RefreshToken(ctx context.Context, auth ClientAuth, refreshToken, requestedScope string, accessTTLSeconds int) (TokenResponse, error) {
	client, err := s.authenticateClient(ctx, auth)
	if err != nil {
		return TokenResponse{}, err
	}

	claims, err := s.tokens.Verify(ctx, refreshToken, tokenmint.KindRefresh)
	if errors.Is(err, tokenmint.ErrRevoked) {
		if parsed, parseErr := s.tokens.Verify(ctx, refreshToken, tokenmint.KindRefresh, tokenmint.SkipBlacklistCheck()); parseErr == nil {
			s.events.Record(ctx, Event{Type: EventTokenReplay, ClientID: parsed.ClientID, UserID: parsed.Subject, GrantType: "refresh_token"})
			s.audit.Log(ctx, audit.Entry{EventType: audit.EventRefreshReplay, UserID: parsed.Subject, Details: map[string]interface{}{"client_id": parsed.ClientID}})
		}
		return TokenResponse{}, newErr("invalid_grant", "refresh token has been revoked (possible token theft)")
	}
	if err != nil {
		return TokenResponse{}, newErr("invalid_grant", "invalid refresh token")
	}
	if claims.ClientID != client.ClientID {
		return TokenResponse{}, newErr("invalid_grant", "client_id mismatch")
	}

	scope := claims.Scope
	if requestedScope != "" {
		narrowed := strings.Fields(requestedScope)
		if !scopeSubset(narrowed, strings.Fields(claims.Scope)) {
			return TokenResponse{}, newErr("invalid_scope", "refresh may only narrow scope")
		}
		scope = requestedScope
	}

	remaining := time.Until(claims.ExpiresAt.Time)
	if err := s.tokens.Revoke(ctx, claims.ID, remaining); err != nil {
		return TokenResponse{}, fmt.Errorf("oauth: revoking old refresh jti: %w", err)
	}

	access, _, err := s.tokens.IssueOAuthAccess(claims.Subject, client.ClientID, scope)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("oauth: issuing access token: %w", err)
	}
	refresh, _, err := s.tokens.IssueOAuthRefresh(claims.Subject, client.ClientID, scope)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("oauth: issuing refresh token: %w", err)
	}

	s.events.Record(ctx, Event{Type: EventTokenRotated, ClientID: client.ClientID, UserID: claims.Subject, GrantType: "refresh_token", Scope: strings.Fields(scope)})
	return TokenResponse{AccessToken: access, TokenType: "Bearer", ExpiresIn: accessTTLSeconds, RefreshToken: refresh, Scope: scope}, nil
}

// ClientCredentials implements grant_type=client_credentials. Confidential
// clients only; no refresh token is issued.
func (s *Server) ClientCredentials(ctx context.Context, auth ClientAuth, requestedScope string, accessTTLSeconds int) (TokenResponse, error) {
	client, err := s.clients.GetOAuthClient(ctx, auth.ClientID)
	if err != nil {
		return TokenResponse{}, newErr("invalid_client", "unknown client")
	}
	if client.Type != store.ClientConfidential {
		return TokenResponse{}, newErr("unauthorized_client", "client_credentials requires a confidential client")
	}
	if err := s.hasher.Compare(auth.ClientSecret, client.SecretHash); err != nil {
		return TokenResponse{}, newErr("invalid_client", "client authentication failed")
	}

	scope := strings.Fields(requestedScope)
	if !scopeSubset(scope, client.AllowedScopes) {
		return TokenResponse{}, newErr("invalid_scope", "requested scope exceeds allowed_scopes")
	}

	access, _, err := s.tokens.IssueOAuthAccess("", client.ClientID, requestedScope)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("oauth: issuing client_credentials access token: %w", err)
	}

	s.events.Record(ctx, Event{Type: EventTokenIssued, ClientID: client.ClientID, GrantType: "client_credentials", Scope: scope})
	return TokenResponse{AccessToken: access, TokenType: "Bearer", ExpiresIn: accessTTLSeconds, Scope: requestedScope}, nil
}

// Revoke implements RFC 7009: always succeeds from the caller's
// perspective, regardless of whether the token existed or which kind
// it was.
func (s *Server) Revoke(ctx context.Context, token string) {
	for _, kind := range []tokenmint.Kind{tokenmint.KindOAuthAccess, tokenmint.KindOAuthRefresh} {
		claims, err := s.tokens.Verify(ctx, token, kind, tokenmint.SkipBlacklistCheck())
		if err != nil {
			continue
		}
		remaining := time.Until(claims.ExpiresAt.Time)
		_ = s.tokens.Revoke(ctx, claims.ID, remaining)
		s.events.Record(ctx, Event{Type: EventTokenRevoked, ClientID: claims.ClientID, UserID: claims.Subject, GrantType: "revoke"})
		return
	}
}

func (s *Server) authenticateClient(ctx context.Context, auth ClientAuth) (store.OAuthClient, error) {
	client, err := s.clients.GetOAuthClient(ctx, auth.ClientID)
	if err != nil {
		return store.OAuthClient{}, newErr("invalid_client", "unknown client")
	}
	if client.Type == store.ClientConfidential {
		if auth.ClientSecret == "" {
			return store.OAuthClient{}, newErr("invalid_client", "client secret is required")
		}
		if err := s.hasher.Compare(auth.ClientSecret, client.SecretHash); err != nil {
			return store.OAuthClient{}, newErr("invalid_client", "client authentication failed")
		}
	}
	return client, nil
}

func containsExact(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

func scopeSubset(requested, allowed []string) bool {
	if len(requested) == 0 {
		return true
	}
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	for _, r := range requested {
		if !set[r] {
			return false
		}
	}
	return true
}

func codeKey(code string) string {
	return "oauth_code:" + code
}
