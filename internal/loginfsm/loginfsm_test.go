package loginfsm

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/arcforge/authcore/internal/audit"
	"github.com/arcforge/authcore/internal/credstore"
	"github.com/arcforge/authcore/internal/ephemeral"
	"github.com/arcforge/authcore/internal/notify"
	"github.com/arcforge/authcore/internal/store"
	"github.com/arcforge/authcore/internal/tokenmint"
)

type fixedScore struct{}

func (fixedScore) Score(string, ...string) int { return 4 }

type fakeStore struct {
	users       map[string]store.User
	memberships map[string][]store.Membership
	orgs        map[string]store.Organization
	refreshToks map[string]store.RefreshTokenRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       map[string]store.User{},
		memberships: map[string][]store.Membership{},
		orgs:        map[string]store.Organization{},
		refreshToks: map[string]store.RefreshTokenRecord{},
	}
}

func (f *fakeStore) CreateRefreshToken(ctx context.Context, rec store.RefreshTokenRecord) error {
	f.refreshToks[rec.JTI] = rec
	return nil
}
func (f *fakeStore) RevokeRefreshToken(ctx context.Context, jti string) error {
	rec, ok := f.refreshToks[jti]
	if !ok {
		return nil
	}
	rec.Revoked = true
	f.refreshToks[jti] = rec
	return nil
}
func (f *fakeStore) ListActiveRefreshTokens(ctx context.Context, userID, orgID string) ([]store.RefreshTokenRecord, error) {
	var out []store.RefreshTokenRecord
	now := time.Now()
	for _, rec := range f.refreshToks {
		if rec.UserID != userID || rec.OrgID != orgID || rec.Revoked || !rec.ExpiresAt.After(now) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeStore) CreateUser(ctx context.Context, email, hash string) (store.User, error) {
	return store.User{}, nil
}
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return store.User{}, store.ErrNotFound
}
func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	u, ok := f.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}
func (f *fakeStore) MarkVerified(ctx context.Context, userID string) error { return nil }
func (f *fakeStore) UpdatePasswordHash(ctx context.Context, userID, newHash string) error {
	u := f.users[userID]
	u.PasswordHash = newHash
	f.users[userID] = u
	return nil
}
func (f *fakeStore) UpdateLastLogin(ctx context.Context, userID string) error { return nil }
func (f *fakeStore) SetTOTPSecret(ctx context.Context, userID, secret string, hashes []string) error {
	return nil
}
func (f *fakeStore) ClearTOTPSecret(ctx context.Context, userID string) error { return nil }
func (f *fakeStore) ConsumeBackupCode(ctx context.Context, userID string, remaining []string) error {
	u := f.users[userID]
	u.BackupHashes = remaining
	f.users[userID] = u
	return nil
}
func (f *fakeStore) DeactivateUser(ctx context.Context, userID string) error { return nil }

func (f *fakeStore) CreateOrganization(ctx context.Context, name, slug, description string) (store.Organization, error) {
	return store.Organization{}, nil
}
func (f *fakeStore) GetOrganization(ctx context.Context, id string) (store.Organization, error) {
	o, ok := f.orgs[id]
	if !ok {
		return store.Organization{}, store.ErrNotFound
	}
	return o, nil
}
func (f *fakeStore) GetOrganizationBySlug(ctx context.Context, slug string) (store.Organization, error) {
	return store.Organization{}, store.ErrNotFound
}
func (f *fakeStore) ListMembershipsForUser(ctx context.Context, userID string) ([]store.Membership, error) {
	return f.memberships[userID], nil
}
func (f *fakeStore) GetMembership(ctx context.Context, userID, orgID string) (store.Membership, error) {
	for _, m := range f.memberships[userID] {
		if m.OrgID == orgID {
			return m, nil
		}
	}
	return store.Membership{}, store.ErrNotFound
}
func (f *fakeStore) UpsertMembership(ctx context.Context, userID, orgID string, role store.Role, invitedBy *string) error {
	return nil
}
func (f *fakeStore) RemoveMembership(ctx context.Context, userID, orgID string) error { return nil }

type noopTwoFactor struct{}

func (noopTwoFactor) VerifyCode(ctx context.Context, userID, purpose, secret, code string) (bool, error) {
	return false, nil
}
func (noopTwoFactor) VerifyBackupCode(code string, hashes []string) (bool, []string) {
	return false, hashes
}

func newTestFSM(t *testing.T, skipCode bool) (*FSM, *fakeStore) {
	t.Helper()
	fs := newFakeStore()
	eph := ephemeral.NewMemoryStore(time.Minute)
	t.Cleanup(eph.Close)
	hasher := credstore.New(fixedScore{}, nil, false)
	tokens, err := tokenmint.New([]byte("0123456789abcdef0123456789abcdef"), eph, tokenmint.Config{
		AccessTTL: 15 * time.Minute, RefreshTTL: 30 * 24 * time.Hour, PreAuthTTL: 15 * time.Minute, OAuthAccessTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("tokenmint: %v", err)
	}
	mailer := &notify.DevSender{Logger: slog.Default()}
	fsm := New(fs, fs, fs, eph, hasher, tokens, noopTwoFactor{}, mailer, audit.MockLogger{}, Config{SkipLoginCode: skipCode})
	return fsm, fs
}

func TestLoginWithNoOrgsIssuesTokensDirectly(t *testing.T) {
	fsm, fs := newTestFSM(t, true)
	ctx := context.Background()

	hash, _ := credstore.New(fixedScore{}, nil, false).Hash("correct horse battery staple")
	fs.users["u1"] = store.User{ID: "u1", Email: "user@example.com", PasswordHash: hash, Verified: true, Active: true}

	res, err := fsm.Attempt(ctx, Request{Email: "user@example.com", Password: "correct horse battery staple"})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if res.Status != StatusOK || res.AccessToken == "" || res.RefreshToken == "" {
		t.Fatalf("expected immediate tokens, got %+v", res)
	}
}

func TestLoginWrongPasswordIsGeneric(t *testing.T) {
	fsm, fs := newTestFSM(t, true)
	ctx := context.Background()
	hash, _ := credstore.New(fixedScore{}, nil, false).Hash("correct horse battery staple")
	fs.users["u1"] = store.User{ID: "u1", Email: "user@example.com", PasswordHash: hash, Verified: true, Active: true}

	_, err := fsm.Attempt(ctx, Request{Email: "user@example.com", Password: "wrong password"})
	if err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginUnknownEmailIsGeneric(t *testing.T) {
	fsm, _ := newTestFSM(t, true)
	ctx := context.Background()
	_, err := fsm.Attempt(ctx, Request{Email: "nobody@example.com", Password: "whatever password"})
	if err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginWithMultipleOrgsRequiresSelection(t *testing.T) {
	fsm, fs := newTestFSM(t, true)
	ctx := context.Background()
	hash, _ := credstore.New(fixedScore{}, nil, false).Hash("correct horse battery staple")
	fs.users["u1"] = store.User{ID: "u1", Email: "user@example.com", PasswordHash: hash, Verified: true, Active: true}
	fs.memberships["u1"] = []store.Membership{{UserID: "u1", OrgID: "org-a"}, {UserID: "u1", OrgID: "org-b"}}
	fs.orgs["org-a"] = store.Organization{ID: "org-a", Name: "Org A"}
	fs.orgs["org-b"] = store.Organization{ID: "org-b", Name: "Org B"}

	res, err := fsm.Attempt(ctx, Request{Email: "user@example.com", Password: "correct horse battery staple"})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if res.Status != StatusRequiresOrgSelection || res.PreAuthToken == "" || len(res.Organizations) != 2 {
		t.Fatalf("expected org selection, got %+v", res)
	}

	final, err := fsm.Attempt(ctx, Request{PreAuthToken: res.PreAuthToken, OrgID: "org-b"})
	if err != nil {
		t.Fatalf("org selection: %v", err)
	}
	if final.Status != StatusOK || final.OrgID != "org-b" {
		t.Fatalf("expected final tokens for org-b, got %+v", final)
	}
}

func TestLoginRequiresCodeUnlessSkipped(t *testing.T) {
	fsm, fs := newTestFSM(t, false)
	ctx := context.Background()
	hash, _ := credstore.New(fixedScore{}, nil, false).Hash("correct horse battery staple")
	fs.users["u1"] = store.User{ID: "u1", Email: "user@example.com", PasswordHash: hash, Verified: true, Active: true}

	res, err := fsm.Attempt(ctx, Request{Email: "user@example.com", Password: "correct horse battery staple"})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if res.Status != StatusRequiresCode {
		t.Fatalf("expected requires_code, got %+v", res)
	}
}
