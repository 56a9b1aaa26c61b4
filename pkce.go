package oauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// PKCE verifier length bounds per RFC 7636 section 4.1.
const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// CodeChallengeMethodS256 is the only supported challenge method.
const CodeChallengeMethodS256 = "S256"

// hashCodeVerifier computes the S256 challenge for a verifier: SHA-256 of
// the ASCII verifier, base64url-encoded without padding.
func hashCodeVerifier(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// validCodeVerifier reports whether the verifier has the RFC 7636 shape:
// 43-128 characters from the unreserved set.
func validCodeVerifier(verifier string) bool {
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return false
	}
	for _, c := range verifier {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}

// timingSafeEqual compares two strings in constant time by blinding both
// through an HMAC under a fresh random key. Unlike a direct byte compare,
// the MACs have fixed length, so neither the length nor the content of the
// inputs shows up in timing.
func timingSafeEqual(a, b string) bool {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		// Failing closed on entropy exhaustion is the only safe answer.
		return false
	}
	macA := hmac.New(sha256.New, key)
	macA.Write([]byte(a))
	macB := hmac.New(sha256.New, key)
	macB.Write([]byte(b))
	return hmac.Equal(macA.Sum(nil), macB.Sum(nil))
}

// verifyPKCE checks the supplied code verifier against the stored S256
// challenge. Malformed verifiers and hash mismatches read identically.
func verifyPKCE(challenge, verifier string) bool {
	if !validCodeVerifier(verifier) {
		return false
	}
	return timingSafeEqual(hashCodeVerifier(verifier), challenge)
}
