package registration

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/arcforge/authcore/internal/credstore"
	"github.com/arcforge/authcore/internal/ephemeral"
	"github.com/arcforge/authcore/internal/notify"
	"github.com/arcforge/authcore/internal/store"
)

type fakeUsers struct {
	byEmail map[string]store.User
	byID    map[string]store.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byEmail: map[string]store.User{}, byID: map[string]store.User{}}
}

func (f *fakeUsers) CreateUser(ctx context.Context, email, hash string) (store.User, error) {
	if _, exists := f.byEmail[email]; exists {
		return store.User{}, store.ErrConflict
	}
	u := store.User{ID: "user-" + email, Email: email, PasswordHash: hash}
	f.byEmail[email] = u
	f.byID[u.ID] = u
	return u, nil
}

func (f *fakeUsers) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	u, ok := f.byEmail[email]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) GetUserByID(ctx context.Context, id string) (store.User, error) {
	u, ok := f.byID[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) MarkVerified(ctx context.Context, userID string) error {
	u := f.byID[userID]
	u.Verified = true
	f.byID[userID] = u
	f.byEmail[u.Email] = u
	return nil
}

func (f *fakeUsers) UpdatePasswordHash(ctx context.Context, userID, newHash string) error {
	u := f.byID[userID]
	u.PasswordHash = newHash
	f.byID[userID] = u
	f.byEmail[u.Email] = u
	return nil
}

func (f *fakeUsers) UpdateLastLogin(ctx context.Context, userID string) error { return nil }
func (f *fakeUsers) SetTOTPSecret(ctx context.Context, userID, secret string, hashes []string) error {
	return nil
}
func (f *fakeUsers) ClearTOTPSecret(ctx context.Context, userID string) error { return nil }
func (f *fakeUsers) ConsumeBackupCode(ctx context.Context, userID string, remaining []string) error {
	return nil
}
func (f *fakeUsers) DeactivateUser(ctx context.Context, userID string) error { return nil }

type fixedScore struct{}

func (fixedScore) Score(password string, userInputs ...string) int { return 4 }

func newTestFlow(t *testing.T) (*Flow, *fakeUsers, *ephemeral.MemoryStore) {
	t.Helper()
	users := newFakeUsers()
	eph := ephemeral.NewMemoryStore(time.Minute)
	t.Cleanup(eph.Close)
	hasher := credstore.New(fixedScore{}, nil, false)
	mailer := &notify.DevSender{Logger: slog.Default()}
	return New(users, eph, hasher, mailer), users, eph
}

func TestRegisterThenVerifySucceeds(t *testing.T) {
	f, _, eph := newTestFlow(t)
	ctx := context.Background()

	result, err := f.Register(ctx, "User@Example.com", "correct horse battery staple")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if result.UserID == "" || result.VerificationToken == "" {
		t.Fatalf("expected user id and token, got %+v", result)
	}

	stored, err := eph.Get(ctx, "verify_token:"+result.VerificationToken)
	if err != nil {
		t.Fatalf("get stored token: %v", err)
	}
	code := strings.SplitN(string(stored), ":", 2)[0]

	if err := f.Verify(ctx, result.VerificationToken, code); err != nil {
		t.Fatalf("verify: %v", err)
	}

	u, _ := f.store.GetUserByEmail(ctx, "user@example.com")
	if !u.Verified {
		t.Fatal("expected user to be verified")
	}
}

func TestVerifyIsSingleUse(t *testing.T) {
	f, _, eph := newTestFlow(t)
	ctx := context.Background()
	result, _ := f.Register(ctx, "a@example.com", "correct horse battery staple")
	stored, _ := eph.Get(ctx, "verify_token:"+result.VerificationToken)
	code := strings.SplitN(string(stored), ":", 2)[0]

	if err := f.Verify(ctx, result.VerificationToken, code); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if err := f.Verify(ctx, result.VerificationToken, code); err != ErrInvalidCode {
		t.Fatalf("expected replay to fail, got %v", err)
	}
}

func TestRegisterDuplicateEmailReturnsGenericSuccess(t *testing.T) {
	f, _, _ := newTestFlow(t)
	ctx := context.Background()
	_, err := f.Register(ctx, "dupe@example.com", "correct horse battery staple")
	if err != nil {
		t.Fatalf("first register: %v", err)
	}

	result, err := f.Register(ctx, "dupe@example.com", "another password entirely")
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if result.VerificationToken != "" {
		t.Fatal("expected no verification token leaked on duplicate registration")
	}
}
