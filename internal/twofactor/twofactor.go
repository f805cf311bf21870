// Package twofactor manages TOTP secrets, backup codes, and the
// per-attempt lockout that guards them.
package twofactor

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/arcforge/authcore/internal/ephemeral"
)

var (
	ErrLockedOut    = errors.New("twofactor: too many failed attempts, temporarily locked")
	ErrInvalidCode  = errors.New("twofactor: invalid code")
	ErrNotEnrolled  = errors.New("twofactor: no TOTP secret on file")
	ErrAlreadyUsed  = errors.New("twofactor: backup code already used")
)

const (
	backupCodeCount  = 8
	backupCodeDigits = 8
	attemptLimit     = 3
	attemptWindow    = 5 * time.Minute
	lockoutTTL       = 5 * time.Minute
)

// Engine issues and verifies TOTP secrets and backup codes.
type Engine struct {
	issuer string
	aead   cipher.AEAD
	store  ephemeral.Store
}

// New builds an Engine. encryptionKey must be exactly 32 bytes (AES-256).
func New(issuer string, encryptionKey []byte, store ephemeral.Store) (*Engine, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("twofactor: encryption key must be 32 bytes")
	}
	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("twofactor: building cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("twofactor: building gcm: %w", err)
	}
	return &Engine{issuer: issuer, aead: gcm, store: store}, nil
}

// Setup generates a new TOTP secret and a fresh set of backup codes. The
// secret is returned encrypted (for storage) and in plaintext (for the QR
// payload); backup codes are returned in plaintext once and as hashes (for
// storage). The secret does not become active until VerifySetup succeeds.
type Setup struct {
	EncryptedSecret string   // store this
	QRPayload       string   // show once, never store
	BackupCodes     []string // show once, never store
	BackupHashes    []string // store these
}

func (e *Engine) Setup(email string) (*Setup, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: email,
		SecretSize:  20, // 160 bits
	})
	if err != nil {
		return nil, fmt.Errorf("twofactor: generating secret: %w", err)
	}

	encrypted, err := e.encrypt(key.Secret())
	if err != nil {
		return nil, err
	}

	codes, hashes, err := generateBackupCodes()
	if err != nil {
		return nil, err
	}

	return &Setup{
		EncryptedSecret: encrypted,
		QRPayload:       key.URL(),
		BackupCodes:     codes,
		BackupHashes:    hashes,
	}, nil
}

// VerifySetup checks a fresh TOTP code against the not-yet-activated
// secret, confirming the user copied it into an authenticator app.
func (e *Engine) VerifySetup(encryptedSecret, code string) (bool, error) {
	secret, err := e.decrypt(encryptedSecret)
	if err != nil {
		return false, err
	}
	return totp.Validate(code, secret), nil
}

// VerifyCode checks a TOTP code against an active secret, subject to the
// per-(user,purpose) attempt lockout.
func (e *Engine) VerifyCode(ctx context.Context, userID, purpose, encryptedSecret, code string) (bool, error) {
	locked, err := e.isLockedOut(ctx, userID, purpose)
	if err != nil {
		return false, err
	}
	if locked {
		return false, ErrLockedOut
	}

	secret, err := e.decrypt(encryptedSecret)
	if err != nil {
		return false, err
	}

	if totp.Validate(code, secret) {
		return true, nil
	}

	if err := e.recordFailure(ctx, userID, purpose); err != nil {
		return false, err
	}
	return false, nil
}

// VerifyBackupCode checks code against the stored hash set, consuming it
// on success so it cannot be reused. storedHashes is the caller's current
// set; the returned remaining slice has the matched hash removed and
// should be persisted by the caller.
func (e *Engine) VerifyBackupCode(code string, storedHashes []string) (matched bool, remaining []string) {
	digest := hashBackupCode(code)
	remaining = make([]string, 0, len(storedHashes))
	for _, h := range storedHashes {
		if !matched && subtle.ConstantTimeCompare([]byte(h), []byte(digest)) == 1 {
			matched = true
			continue
		}
		remaining = append(remaining, h)
	}
	return matched, remaining
}

func (e *Engine) isLockedOut(ctx context.Context, userID, purpose string) (bool, error) {
	return e.store.Exists(ctx, lockoutKey(userID, purpose))
}

func (e *Engine) recordFailure(ctx context.Context, userID, purpose string) error {
	n, err := e.store.Incr(ctx, attemptKey(userID, purpose), attemptWindow)
	if err != nil {
		return err
	}
	if n >= attemptLimit {
		return e.store.Set(ctx, lockoutKey(userID, purpose), []byte{1}, lockoutTTL)
	}
	return nil
}

func (e *Engine) encrypt(secret string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ciphertext := e.aead.Seal(nonce, nonce, []byte(secret), nil)
	return base64.RawURLEncoding.EncodeToString(ciphertext), nil
}

func (e *Engine) decrypt(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("twofactor: malformed secret: %w", err)
	}
	nonceSize := e.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("twofactor: malformed secret")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plain, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("twofactor: decrypting secret: %w", err)
	}
	return string(plain), nil
}

func generateBackupCodes() (codes []string, hashes []string, err error) {
	for i := 0; i < backupCodeCount; i++ {
		code, err := randomDecimalDigits(backupCodeDigits)
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, hashBackupCode(code))
	}
	return codes, hashes, nil
}

func randomDecimalDigits(n int) (string, error) {
	const digits = "0123456789"
	buf := make([]byte, n)
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	for i, b := range raw {
		buf[i] = digits[int(b)%len(digits)]
	}
	return string(buf), nil
}

func hashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func attemptKey(userID, purpose string) string {
	return "2fa_attempts:" + userID + ":" + purpose
}

func lockoutKey(userID, purpose string) string {
	return "2fa_lockout:" + userID + ":" + purpose
}
