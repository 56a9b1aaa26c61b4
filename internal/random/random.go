// Package random generates the opaque credential material used across the
// authorization server: token values, authorization codes, and the
// human-typed user codes of the device flow.
package random

import (
	"crypto/rand"
	"encoding/base64"
	"io"

	"golang.org/x/oauth2"
)

// userCodeAlphabet deliberately contains no vowels, so a generated code can
// never spell an actual (cuss) word, and none of the characters that are
// easily confused on low-quality displays (no i/l/1, no 0/o).
const userCodeAlphabet = "bcdfghjklmnpqrstvwxz"

// UserCodeLength is the number of characters in a device flow user code.
const UserCodeLength = 6

// Token returns a cryptographically random, URL-safe opaque value suitable
// for access tokens, refresh tokens, and device codes. It uses the same
// generation quality as oauth2.GenerateVerifier (32 bytes of entropy,
// base64url without padding).
func Token() string {
	return oauth2.GenerateVerifier()
}

// Code returns a random URL-safe authorization code. Codes carry the same
// entropy as tokens but are generated separately so the two can diverge
// independently if either encoding ever has to change.
func Code() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms; if it does, the
		// process cannot safely issue credentials at all.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// UserCode returns a device flow user code: UserCodeLength characters drawn
// uniformly from the vowel-free alphabet.
func UserCode() string {
	code, err := readUserCode(rand.Reader)
	if err != nil {
		panic(err)
	}
	return code
}

func readUserCode(r io.Reader) (string, error) {
	// Bytes at or past the largest multiple of the alphabet size are
	// redrawn; reducing them modulo the size would favor the leading
	// letters.
	const limit = 256 - 256%len(userCodeAlphabet)
	b := make([]byte, 0, UserCodeLength)
	var buf [1]byte
	for len(b) < UserCodeLength {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return "", err
		}
		if int(buf[0]) >= limit {
			continue
		}
		b = append(b, userCodeAlphabet[int(buf[0])%len(userCodeAlphabet)])
	}
	return string(b), nil
}
