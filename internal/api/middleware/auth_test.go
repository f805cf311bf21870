package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	customMiddleware "github.com/arcforge/authcore/internal/api/middleware"
	"github.com/arcforge/authcore/internal/tokenmint"
	"github.com/stretchr/testify/assert"
)

type fakeVerifier struct {
	claims *tokenmint.Claims
	err    error
}

func (f *fakeVerifier) Verify(ctx context.Context, tokenString string, wantType tokenmint.Kind, opts ...tokenmint.ParseOption) (*tokenmint.Claims, error) {
	return f.claims, f.err
}

func TestAuthMiddleware_MissingHeader_Returns401(t *testing.T) {
	mw := customMiddleware.AuthMiddleware(&fakeVerifier{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run without an Authorization header")
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/permissions", nil)
	rr := httptest.NewRecorder()
	mw(handler).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthMiddleware_MalformedHeader_Returns401(t *testing.T) {
	mw := customMiddleware.AuthMiddleware(&fakeVerifier{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run for a non-Bearer scheme")
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/permissions", nil)
	req.Header.Set("Authorization", "Basic deadbeef")
	rr := httptest.NewRecorder()
	mw(handler).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthMiddleware_ExpiredToken_Returns401WithExpiredMessage(t *testing.T) {
	mw := customMiddleware.AuthMiddleware(&fakeVerifier{err: tokenmint.ErrExpired})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run for an expired token")
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/permissions", nil)
	req.Header.Set("Authorization", "Bearer expired.token.here")
	rr := httptest.NewRecorder()
	mw(handler).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "expired")
}

func TestAuthMiddleware_InvalidToken_Returns401(t *testing.T) {
	mw := customMiddleware.AuthMiddleware(&fakeVerifier{err: errors.New("bad signature")})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run for an unverifiable token")
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/permissions", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rr := httptest.NewRecorder()
	mw(handler).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthMiddleware_ValidToken_InjectsUserAndOrgIntoContext(t *testing.T) {
	claims := &tokenmint.Claims{Type: string(tokenmint.KindAccess), OrgID: "org-123"}
	claims.Subject = "user-abc"
	mw := customMiddleware.AuthMiddleware(&fakeVerifier{claims: claims})

	var gotUserID, gotOrgID string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID, _ = customMiddleware.GetUserID(r.Context())
		gotOrgID, _ = customMiddleware.GetOrgID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/permissions", nil)
	req.Header.Set("Authorization", "Bearer valid.token.here")
	rr := httptest.NewRecorder()
	mw(handler).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "user-abc", gotUserID)
	assert.Equal(t, "org-123", gotOrgID)
}
