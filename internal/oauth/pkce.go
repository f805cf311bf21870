package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// VerifyPKCE checks a code_verifier against a stored challenge, per
// RFC 7636 §4.6. method is "S256" (base64url(sha256(verifier)), no
// padding) or "plain" (verifier == challenge, constant-time).
func VerifyPKCE(verifier, challenge, method string) bool {
	if challenge == "" {
		// No PKCE was bound to this code (confidential client, PKCE not
		// required) — nothing to verify.
		return true
	}
	switch method {
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
	case "plain":
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	default:
		return false
	}
}
