package loginfsm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arcforge/authcore/internal/audit"
	"github.com/arcforge/authcore/internal/store"
	"github.com/arcforge/authcore/internal/tokenmint"
)

// ErrReplay is returned when a refresh token's jti is reused after it was
// already rotated — the chain for that user×org is revoked as hardening.
var ErrReplay = errors.New("loginfsm: refresh token replay detected")

// Refresh rotates a refresh token: the old jti is blacklisted and a fresh
// access/refresh pair is issued. A reused jti (one already blacklisted by
// a prior rotation) is treated as a replay: every refresh token for this
// user×org lineage is revoked and the request fails.
func (m *FSM) Refresh(ctx context.Context, refreshToken string) (Result, error) {
	claims, err := m.tokens.Verify(ctx, refreshToken, tokenmint.KindRefresh)
	if errors.Is(err, tokenmint.ErrRevoked) {
		// The presented jti is already blacklisted: either a legitimate
		// prior rotation (replay) or an already-logged-out session.
		// Either way this refresh attempt is rejected, and since we can't
		// tell the two apart from the blacklist alone, treat it as a
		// potential replay and revoke the rest of the lineage.
		if parsed, parseErr := m.tokens.Verify(ctx, refreshToken, tokenmint.KindRefresh, tokenmint.SkipBlacklistCheck()); parseErr == nil {
			m.audit.Log(ctx, audit.Entry{EventType: audit.EventRefreshReplay, UserID: parsed.Subject, OrgID: parsed.OrgID})
			_ = m.revokeChain(ctx, parsed.Subject, parsed.OrgID)
		}
		return Result{}, ErrReplay
	}
	if err != nil {
		return Result{}, ErrInvalidCredentials
	}

	remaining := time.Until(claims.ExpiresAt.Time)
	if err := m.tokens.Revoke(ctx, claims.ID, remaining); err != nil {
		return Result{}, fmt.Errorf("loginfsm: blacklisting old refresh jti: %w", err)
	}
	_ = m.refreshTokens.RevokeRefreshToken(ctx, claims.ID)

	access, _, err := m.tokens.IssueAccess(claims.Subject, claims.OrgID)
	if err != nil {
		return Result{}, fmt.Errorf("loginfsm: issuing access token: %w", err)
	}
	refresh, jti, err := m.tokens.IssueRefresh(claims.Subject, claims.OrgID)
	if err != nil {
		return Result{}, fmt.Errorf("loginfsm: issuing refresh token: %w", err)
	}
	if err := m.refreshTokens.CreateRefreshToken(ctx, store.RefreshTokenRecord{
		JTI: jti, UserID: claims.Subject, OrgID: claims.OrgID, ExpiresAt: time.Now().Add(m.tokens.RefreshTTL()),
	}); err != nil {
		return Result{}, fmt.Errorf("loginfsm: persisting refresh token record: %w", err)
	}

	return Result{
		Status:       StatusOK,
		UserID:       claims.Subject,
		AccessToken:  access,
		RefreshToken: refresh,
		OrgID:        claims.OrgID,
	}, nil
}

// Logout blacklists the presented refresh token's jti. Idempotent: an
// already-revoked or expired token returns success either way.
func (m *FSM) Logout(ctx context.Context, refreshToken string) error {
	claims, err := m.tokens.Verify(ctx, refreshToken, tokenmint.KindRefresh, tokenmint.SkipBlacklistCheck())
	if err != nil {
		return nil
	}
	remaining := time.Until(claims.ExpiresAt.Time)
	_ = m.refreshTokens.RevokeRefreshToken(ctx, claims.ID)
	return m.tokens.Revoke(ctx, claims.ID, remaining)
}

// RevokeAllForUser revokes every outstanding refresh token the user holds
// in each org, so no refresh issued before this call rotates successfully
// again. Called by the password-reset flow after a credential change.
func (m *FSM) RevokeAllForUser(ctx context.Context, userID string, orgIDs []string) error {
	for _, orgID := range orgIDs {
		if err := m.revokeChain(ctx, userID, orgID); err != nil {
			return err
		}
	}
	return nil
}

// revokeChain is the "nuclear option" hardening named in the design
// decisions: every refresh jti issued to this user×org is enumerated from
// the persisted RefreshTokenRecord index (§3/§4.4) and blacklisted by
// jti, then marked revoked in the store so it drops out of future
// enumerations.
func (m *FSM) revokeChain(ctx context.Context, userID, orgID string) error {
	records, err := m.refreshTokens.ListActiveRefreshTokens(ctx, userID, orgID)
	if err != nil {
		return fmt.Errorf("loginfsm: listing active refresh tokens: %w", err)
	}
	for _, rec := range records {
		remaining := time.Until(rec.ExpiresAt)
		if err := m.tokens.Revoke(ctx, rec.JTI, remaining); err != nil {
			return fmt.Errorf("loginfsm: blacklisting chain jti %s: %w", rec.JTI, err)
		}
		_ = m.refreshTokens.RevokeRefreshToken(ctx, rec.JTI)
	}
	return nil
}
