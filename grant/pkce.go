package grant

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// RFC 7636 section 4.1
const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// validPKCEValue reports whether v is 43-128 characters of the unreserved set
// [A-Z a-z 0-9 - . _ ~]. Challenges and verifiers share the rule.
func validPKCEValue(v string) bool {
	if len(v) < minVerifierLength || len(v) > maxVerifierLength {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}

// s256Challenge computes BASE64URL(SHA256(verifier)).
func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// verifyPKCE checks verifier against an S256 challenge in constant time.
func verifyPKCE(challenge, verifier string) bool {
	if !validPKCEValue(verifier) {
		return false
	}
	computed := s256Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
