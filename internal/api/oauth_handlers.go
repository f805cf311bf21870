package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/arcforge/authcore/internal/api/helpers"
	"github.com/arcforge/authcore/internal/api/middleware"
	"github.com/arcforge/authcore/internal/oauth"
	"github.com/arcforge/authcore/internal/store"
	"github.com/go-chi/chi/v5"
)

const accessTTLSeconds = 3600

// OAuthDiscovery serves the RFC 8414 metadata document.
func (s *Server) OAuthDiscovery(w http.ResponseWriter, r *http.Request) {
	scopes := []string{"profile:read", "groups:read", "groups:write"}
	helpers.RespondJSON(w, http.StatusOK, s.OAuth.Discovery(scopes))
}

func writeOAuthError(w http.ResponseWriter, err error) {
	var oerr *oauth.Error
	if errors.As(err, &oerr) {
		status := http.StatusBadRequest
		if oerr.Code == "invalid_client" {
			status = http.StatusUnauthorized
		}
		helpers.RespondJSON(w, status, map[string]string{"error": oerr.Code, "error_description": oerr.Description})
		return
	}
	helpers.RespondError(w, http.StatusInternalServerError, "oauth request failed")
}

// OAuthAuthorize validates an /authorize request from an already
// authenticated user and either returns NeedsConsent for the frontend to
// render a consent screen, or the authorization code directly for a
// first-party / already-consented client. consent_approved=true resumes
// the flow after the user approves that screen.
func (s *Server) OAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	userID := middleware.MustGetUserID(r.Context())

	if err := r.ParseForm(); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "malformed request")
		return
	}

	req := oauth.AuthorizeRequest{
		ClientID:            r.Form.Get("client_id"),
		RedirectURI:         r.Form.Get("redirect_uri"),
		ResponseType:        r.Form.Get("response_type"),
		Scope:               strings.Fields(r.Form.Get("scope")),
		State:               r.Form.Get("state"),
		CodeChallenge:       r.Form.Get("code_challenge"),
		CodeChallengeMethod: r.Form.Get("code_challenge_method"),
		UserID:              userID,
	}

	if r.Form.Get("consent_approved") == "true" {
		result, err := s.OAuth.ApproveConsent(r.Context(), req)
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		helpers.RespondJSON(w, http.StatusOK, result)
		return
	}

	result, err := s.OAuth.Authorize(r.Context(), req)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, result)
}

// OAuthToken implements the token endpoint's three grant types over a
// form-encoded body, per RFC 6749 §4. Confidential clients may
// authenticate via HTTP Basic instead of body parameters.
func (s *Server) OAuthToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "malformed request")
		return
	}

	clientID, clientSecret := r.Form.Get("client_id"), r.Form.Get("client_secret")
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		clientID, clientSecret = basicID, basicSecret
	}
	auth := oauth.ClientAuth{ClientID: clientID, ClientSecret: clientSecret}

	var (
		resp oauth.TokenResponse
		err  error
	)
	switch r.Form.Get("grant_type") {
	case "authorization_code":
		resp, err = s.OAuth.ExchangeCode(r.Context(), auth, r.Form.Get("code"), r.Form.Get("redirect_uri"), r.Form.Get("code_verifier"), accessTTLSeconds)
	case "refresh_token":
		resp, err = s.OAuth.RefreshToken(r.Context(), auth, r.Form.Get("refresh_token"), r.Form.Get("scope"), accessTTLSeconds)
	case "client_credentials":
		resp, err = s.OAuth.ClientCredentials(r.Context(), auth, r.Form.Get("scope"), accessTTLSeconds)
	default:
		helpers.RespondJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, resp)
}

// OAuthRevoke implements RFC 7009: always 200, regardless of whether the
// token existed.
func (s *Server) OAuthRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "malformed request")
		return
	}
	s.OAuth.Revoke(r.Context(), r.Form.Get("token"))
	w.WriteHeader(http.StatusOK)
}

type createOAuthClientRequest struct {
	Name           string   `json:"name"`
	Type           string   `json:"type"`
	RedirectURIs   []string `json:"redirect_uris"`
	AllowedScopes  []string `json:"allowed_scopes"`
	GrantTypes     []string `json:"grant_types"`
	RequireConsent bool     `json:"require_consent"`
	FirstParty     bool     `json:"first_party"`
}

func clientTypeFromString(v string) store.OAuthClientType {
	if v == string(store.ClientConfidential) {
		return store.ClientConfidential
	}
	return store.ClientPublic
}

// CreateOAuthClient registers a new client, returning its plaintext
// secret once for confidential clients.
func (s *Server) CreateOAuthClient(w http.ResponseWriter, r *http.Request) {
	var req createOAuthClientRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	client, err := s.Clients.Register(r.Context(), req.Name, clientTypeFromString(req.Type),
		req.RedirectURIs, req.AllowedScopes, req.GrantTypes, req.RequireConsent, req.FirstParty)
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, client)
}

// ListOAuthClients lists every registered client.
func (s *Server) ListOAuthClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.Clients.List(r.Context())
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "listing oauth clients")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, clients)
}

// RotateOAuthClientSecret issues a new secret for a confidential client,
// invalidating the old one immediately.
func (s *Server) RotateOAuthClientSecret(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	secret, err := s.Clients.RotateSecret(r.Context(), clientID)
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"client_secret": secret})
}

// DeleteOAuthClient removes a client registration.
func (s *Server) DeleteOAuthClient(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if err := s.Clients.Delete(r.Context(), clientID); err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "deleting oauth client")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
