package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/arcforge/authcore/internal/oauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOAuthClient_WithPermission_ReturnsSecretOnce(t *testing.T) {
	h := newTestHarness(t, true)
	ctx := context.Background()

	org, err := h.Store.CreateOrganization(ctx, "Acme", "acme", "")
	require.NoError(t, err)
	admin, err := h.Store.CreateUser(ctx, "oauth.admin@example.com", "hash")
	require.NoError(t, err)
	grantPermission(t, h, org.ID, admin.ID, "oauth_clients", "write")

	body := `{"name":"Internal Dashboard","type":"confidential","redirect_uris":["https://app.test/callback"],` +
		`"allowed_scopes":["profile:read"],"grant_types":["authorization_code","refresh_token"]}`
	req := authedRequest(t, h, admin.ID, org.ID, http.MethodPost, "/v1/oauth/clients", body)
	rr := httptest.NewRecorder()
	h.Server.Router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code)

	var created oauth.RegisteredClient
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.NotEmpty(t, created.Secret)
	assert.Equal(t, "Internal Dashboard", created.Client.Name)
}

func TestCreateOAuthClient_WithoutPermission_Returns403(t *testing.T) {
	h := newTestHarness(t, true)
	ctx := context.Background()

	org, err := h.Store.CreateOrganization(ctx, "Acme", "acme", "")
	require.NoError(t, err)
	u, err := h.Store.CreateUser(ctx, "no.perm@example.com", "hash")
	require.NoError(t, err)

	req := authedRequest(t, h, u.ID, org.ID, http.MethodPost, "/v1/oauth/clients", `{"name":"x","type":"public"}`)
	rr := httptest.NewRecorder()
	h.Server.Router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestDeleteOAuthClient_RemovesRegistration(t *testing.T) {
	h := newTestHarness(t, true)
	ctx := context.Background()

	org, err := h.Store.CreateOrganization(ctx, "Acme", "acme", "")
	require.NoError(t, err)
	admin, err := h.Store.CreateUser(ctx, "oauth.admin2@example.com", "hash")
	require.NoError(t, err)
	grantPermission(t, h, org.ID, admin.ID, "oauth_clients", "write")

	registered, err := h.Server.Clients.Register(ctx, "Temp Client", "public", []string{"https://app.test/cb"}, nil, nil, false, false)
	require.NoError(t, err)

	req := authedRequest(t, h, admin.ID, org.ID, http.MethodDelete, "/v1/oauth/clients/"+registered.Client.ClientID, "")
	rr := httptest.NewRecorder()
	h.Server.Router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	_, err = h.Store.GetOAuthClient(ctx, registered.Client.ClientID)
	assert.Error(t, err)
}
