package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorizationCheck_GrantedPermission_ReturnsAllowed(t *testing.T) {
	h := newTestHarness(t, true)
	ctx := context.Background()

	org, err := h.Store.CreateOrganization(ctx, "Acme", "acme", "")
	require.NoError(t, err)
	u, err := h.Store.CreateUser(ctx, "checker@example.com", "hash")
	require.NoError(t, err)
	grantPermission(t, h, org.ID, u.ID, "groups", "read")

	req := authedRequest(t, h, u.ID, org.ID, http.MethodPost, "/v1/authorization/check",
		`{"org_id":"`+org.ID+`","permission":"groups:read"}`)
	rr := httptest.NewRecorder()
	h.Server.Router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Allowed bool `json:"allowed"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Allowed)
}

func TestAuthorizationCheck_UngrantedPermission_ReturnsDenied(t *testing.T) {
	h := newTestHarness(t, true)
	ctx := context.Background()

	org, err := h.Store.CreateOrganization(ctx, "Acme", "acme", "")
	require.NoError(t, err)
	u, err := h.Store.CreateUser(ctx, "nope@example.com", "hash")
	require.NoError(t, err)

	req := authedRequest(t, h, u.ID, org.ID, http.MethodPost, "/v1/authorization/check",
		`{"org_id":"`+org.ID+`","permission":"groups:write"}`)
	rr := httptest.NewRecorder()
	h.Server.Router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Allowed bool `json:"allowed"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Allowed)
}

func TestAuthorizationCheck_MissingFields_Returns400(t *testing.T) {
	h := newTestHarness(t, true)
	ctx := context.Background()
	u, err := h.Store.CreateUser(ctx, "incomplete@example.com", "hash")
	require.NoError(t, err)

	req := authedRequest(t, h, u.ID, "", http.MethodPost, "/v1/authorization/check", `{}`)
	rr := httptest.NewRecorder()
	h.Server.Router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
