package loginfsm

import (
	"context"
	"testing"

	"github.com/arcforge/authcore/internal/store"
)

func TestRefreshRotatesTokenAndBlacklistsOld(t *testing.T) {
	fsm, fs := newTestFSM(t, true)
	ctx := context.Background()
	hash, _ := fsm.hasher.Hash("correct horse battery staple")
	fs.users["u1"] = store.User{ID: "u1", Email: "user@example.com", PasswordHash: hash, Verified: true, Active: true}

	loginRes, err := fsm.Attempt(ctx, Request{Email: "user@example.com", Password: "correct horse battery staple"})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}

	refreshed, err := fsm.Refresh(ctx, loginRes.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.AccessToken == "" || refreshed.RefreshToken == "" {
		t.Fatalf("expected new token pair, got %+v", refreshed)
	}

	if _, err := fsm.Refresh(ctx, loginRes.RefreshToken); err != ErrReplay {
		t.Fatalf("expected replay detection on reuse, got %v", err)
	}
}

func TestRevokeAllForUser_BlacklistsOutstandingRefreshToken(t *testing.T) {
	fsm, fs := newTestFSM(t, true)
	ctx := context.Background()
	hash, _ := fsm.hasher.Hash("correct horse battery staple")
	fs.users["u1"] = store.User{ID: "u1", Email: "user@example.com", PasswordHash: hash, Verified: true, Active: true}

	loginRes, err := fsm.Attempt(ctx, Request{Email: "user@example.com", Password: "correct horse battery staple"})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}

	if err := fsm.RevokeAllForUser(ctx, "u1", []string{""}); err != nil {
		t.Fatalf("revoke all: %v", err)
	}

	if _, err := fsm.Refresh(ctx, loginRes.RefreshToken); err != ErrReplay {
		t.Fatalf("expected stolen refresh token to be rejected as replay after revocation, got %v", err)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	fsm, fs := newTestFSM(t, true)
	ctx := context.Background()
	hash, _ := fsm.hasher.Hash("correct horse battery staple")
	fs.users["u1"] = store.User{ID: "u1", Email: "user@example.com", PasswordHash: hash, Verified: true, Active: true}

	loginRes, err := fsm.Attempt(ctx, Request{Email: "user@example.com", Password: "correct horse battery staple"})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}

	if err := fsm.Logout(ctx, loginRes.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := fsm.Logout(ctx, loginRes.RefreshToken); err != nil {
		t.Fatalf("second logout should also succeed, got %v", err)
	}
}
