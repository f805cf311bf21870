// Package credstore hashes and verifies passwords, and gates weak or
// breached ones at the door.
package credstore

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
)

// ErrMismatch is returned by Compare when the password does not match the
// stored hash. It is also returned (deliberately, not distinguished) on
// malformed stored hashes, so callers can't use error shape to probe
// storage corruption.
var ErrMismatch = errors.New("credstore: password does not match")

// Params are the Argon2id cost parameters embedded in every hash produced
// by Hash. They satisfy the floors: memory >= 64 MiB, parallelism >= 2,
// time >= 3.
type Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams is the policy used for new hashes.
var DefaultParams = Params{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 2,
	SaltLength:  16,
	KeyLength:   32,
}

const maxPasswordBytes = 4096

// verifyCeiling bounds how long Compare and Hash are allowed to take before
// they give up and return a failure, so neither a pathological stored hash
// nor a slow hashing run can hang a request indefinitely.
const verifyCeiling = 5 * time.Second

// BreachChecker looks up how many times a password has appeared in known
// breach corpora. Implementations typically wrap a k-anonymity HIBP-style
// API. A network failure must return (0, err) so the caller can degrade
// open rather than lock out legitimate users over an outage.
type BreachChecker interface {
	Count(password string) (int, error)
}

// NoopBreachChecker always reports zero matches. Used when breach checking
// is disabled.
type NoopBreachChecker struct{}

func (NoopBreachChecker) Count(string) (int, error) { return 0, nil }

// ScoreEstimator rates password strength on a 0-4 scale (zxcvbn-equivalent).
type ScoreEstimator interface {
	Score(password string, userInputs ...string) int
}

// Hasher hashes, verifies and rehashes passwords, and enforces the
// strength gate ahead of hashing.
type Hasher struct {
	params        Params
	breach        BreachChecker
	score         ScoreEstimator
	enableBreach  bool
	minScore      int
}

// New builds a Hasher. enableBreach toggles the k-anonymity lookup; when
// false, breach is never consulted regardless of the checker passed in.
func New(score ScoreEstimator, breach BreachChecker, enableBreach bool) *Hasher {
	if breach == nil {
		breach = NoopBreachChecker{}
	}
	return &Hasher{
		params:       DefaultParams,
		breach:       breach,
		score:        score,
		enableBreach: enableBreach,
		minScore:     3,
	}
}

// CheckStrength runs the DoS length cap, the score gate, and (if enabled)
// the breach lookup. It returns a user-facing error describing the first
// failure encountered, in that order.
func (h *Hasher) CheckStrength(password string, userInputs ...string) error {
	if len(password) == 0 {
		return errors.New("password required")
	}
	if len(password) > maxPasswordBytes {
		return errors.New("password too long")
	}
	if h.score != nil && h.score.Score(password, userInputs...) < h.minScore {
		return errors.New("password too weak")
	}
	if h.enableBreach {
		count, err := h.breach.Count(password)
		if err != nil {
			// Degrade open: a breach-database outage must not block
			// registration or password changes.
			return nil
		}
		if count > 0 {
			return errors.New("password has appeared in a known data breach")
		}
	}
	return nil
}

// Hash produces a self-describing Argon2id PHC string using DefaultParams.
// It returns an error if hashing does not finish within verifyCeiling.
func (h *Hasher) Hash(password string) (string, error) {
	if len(password) > maxPasswordBytes {
		return "", errors.New("password too long")
	}
	type result struct {
		encoded string
		err     error
	}
	done := make(chan result, 1)
	go func() {
		encoded, err := hashWithParams(password, h.params)
		done <- result{encoded, err}
	}()
	select {
	case res := <-done:
		return res.encoded, res.err
	case <-time.After(verifyCeiling):
		return "", errors.New("credstore: hashing exceeded its time ceiling")
	}
}

func hashWithParams(password string, p Params) (string, error) {
	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("credstore: generating salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)

	encoded := fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Iterations, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
	return encoded, nil
}

// Compare reports whether password matches the PHC-encoded hash. It always
// runs to completion or returns ErrMismatch at the ceiling; it never
// distinguishes "wrong password" from "malformed hash" in its return
// value.
func (h *Hasher) Compare(password, encoded string) error {
	done := make(chan error, 1)
	go func() {
		done <- compare(password, encoded)
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(verifyCeiling):
		return ErrMismatch
	}
}

func compare(password, encoded string) error {
	p, salt, key, err := decode(encoded)
	if err != nil {
		return ErrMismatch
	}
	candidate := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, uint32(len(key)))
	if subtle.ConstantTimeCompare(candidate, key) != 1 {
		return ErrMismatch
	}
	return nil
}

// NeedsRehash reports whether encoded was produced under parameters weaker
// than the Hasher's current policy, so the caller can rehash and persist
// on a successful login.
func (h *Hasher) NeedsRehash(encoded string) bool {
	p, _, _, err := decode(encoded)
	if err != nil {
		return true
	}
	return p.Memory < h.params.Memory || p.Iterations < h.params.Iterations || p.Parallelism < h.params.Parallelism
}

func decode(encoded string) (Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return Params{}, nil, nil, errors.New("credstore: malformed hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return Params{}, nil, nil, err
	}

	var p Params
	memIter := strings.Split(parts[3], ",")
	if len(memIter) != 3 {
		return Params{}, nil, nil, errors.New("credstore: malformed params")
	}
	for _, kv := range memIter {
		pair := strings.SplitN(kv, "=", 2)
		if len(pair) != 2 {
			return Params{}, nil, nil, errors.New("credstore: malformed params")
		}
		v, err := strconv.ParseUint(pair[1], 10, 32)
		if err != nil {
			return Params{}, nil, nil, err
		}
		switch pair[0] {
		case "m":
			p.Memory = uint32(v)
		case "t":
			p.Iterations = uint32(v)
		case "p":
			p.Parallelism = uint8(v)
		}
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Params{}, nil, nil, err
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return Params{}, nil, nil, err
	}
	p.SaltLength = uint32(len(salt))
	p.KeyLength = uint32(len(key))
	return p, salt, key, nil
}

// HashOpaqueToken produces a deterministic non-reversible digest for
// random, already high-entropy tokens (email verification links, password
// reset links) where the lookup needs to stay O(1) and Argon2id's
// deliberate slowness would only hurt. OAuth client secrets are not opaque
// tokens in this sense and go through Hash/Compare instead, per the
// Argon2id requirement on client authentication.
func HashOpaqueToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// SecureCompare performs a constant-time comparison of two ASCII strings.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
