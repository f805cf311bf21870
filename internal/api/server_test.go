package api_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/arcforge/authcore/internal/api"
	"github.com/arcforge/authcore/internal/audit"
	"github.com/arcforge/authcore/internal/authz"
	"github.com/arcforge/authcore/internal/credstore"
	"github.com/arcforge/authcore/internal/ephemeral"
	"github.com/arcforge/authcore/internal/loginfsm"
	"github.com/arcforge/authcore/internal/notify"
	"github.com/arcforge/authcore/internal/oauth"
	"github.com/arcforge/authcore/internal/registration"
	"github.com/arcforge/authcore/internal/resetflow"
	"github.com/arcforge/authcore/internal/tokenmint"
	"github.com/arcforge/authcore/internal/twofactor"
)

// noopEvents discards OAuth forensic events, standing in for the sqlx-backed
// recorder that needs a real database connection.
type noopEvents struct{}

func (noopEvents) Record(ctx context.Context, e oauth.Event) {}

// testHarness wires every component the same way cmd/api/main.go does, but
// backed by memStore and in-process ephemeral storage, so handler tests run
// without a database.
type testHarness struct {
	Server *api.Server
	Store  *memStore
	Eph    ephemeral.Store
	Hasher *credstore.Hasher
	Tokens *tokenmint.Provider
}

func newTestHarness(t *testing.T, skipLoginCode bool) *testHarness {
	t.Helper()

	st := newMemStore()
	eph := ephemeral.NewMemoryStore(time.Minute)
	t.Cleanup(eph.Close)

	hasher := credstore.New(credstore.HeuristicScorer{}, credstore.NoopBreachChecker{}, false)

	tokens, err := tokenmint.New([]byte("test-signing-secret-0123456789ab"), eph, tokenmint.Config{
		AccessTTL: time.Hour, RefreshTTL: 24 * time.Hour, PreAuthTTL: 5 * time.Minute, OAuthAccessTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("tokenmint.New: %v", err)
	}

	twoFactor, err := twofactor.New("authcore-test", []byte("0123456789abcdef0123456789abcdef"), eph)
	if err != nil {
		t.Fatalf("twofactor.New: %v", err)
	}

	mailer := &notify.DevSender{Logger: slog.Default()}

	authzEngine := authz.New(st, st, eph, audit.MockLogger{}, authz.Config{L1TTL: time.Minute, L2TTL: time.Minute})

	login := loginfsm.New(st, st, st, eph, hasher, tokens, twoFactor, mailer, audit.MockLogger{}, loginfsm.Config{SkipLoginCode: skipLoginCode})

	reg := registration.New(st, eph, hasher, mailer)
	revoker := &revokeAdapter{orgs: st, login: login, authz: authzEngine}
	reset := resetflow.New(st, eph, hasher, mailer, revoker, revoker)

	clients := oauth.NewClientRegistry(st, hasher)
	consent := oauth.NewStoreConsent(st)
	oauthSrv := oauth.New(st, consent, eph, tokens, hasher, noopEvents{}, audit.MockLogger{}, "https://auth.test")

	limiters := map[string]api.RateLimiter{}
	srv := api.NewServer(nil, slog.Default(), []string{"https://app.test"}, limiters,
		reg, reset, login, twoFactor, authzEngine, oauthSrv, clients, tokens, hasher,
		st, st, st, eph)

	return &testHarness{Server: srv, Store: st, Eph: eph, Hasher: hasher, Tokens: tokens}
}

// revokeAdapter adapts loginfsm's per-org refresh-chain revocation and
// authz's per-org cache invalidation to the single-user-ID shape
// resetflow.TokenRevoker/CacheInvalidator expect, mirroring the production
// composition root's identityRevoker.
type revokeAdapter struct {
	orgs  *memStore
	login *loginfsm.FSM
	authz *authz.Engine
}

func (a *revokeAdapter) RevokeAllForUser(ctx context.Context, userID string) error {
	memberships, err := a.orgs.ListMembershipsForUser(ctx, userID)
	if err != nil {
		return err
	}
	orgIDs := make([]string, len(memberships))
	for i, m := range memberships {
		orgIDs[i] = m.OrgID
	}
	return a.login.RevokeAllForUser(ctx, userID, orgIDs)
}

func (a *revokeAdapter) InvalidateUser(ctx context.Context, userID string) {
	memberships, err := a.orgs.ListMembershipsForUser(ctx, userID)
	if err != nil {
		return
	}
	for _, m := range memberships {
		a.authz.InvalidateUser(ctx, userID, m.OrgID)
	}
}
