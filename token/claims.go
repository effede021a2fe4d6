package token

import (
	"crypto/sha256"
	"encoding/base64"
	"maps"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims are the claims of a JWT access token (RFC 9068).
type AccessClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
}

// RefreshClaims are the claims of a refresh token.
type RefreshClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
	AuthTime int64  `json:"auth_time,omitempty"`
	Nonce    string `json:"nonce,omitempty"`
	User     bool   `json:"usr,omitempty"`
}

// reservedAccessClaims cannot be set by the host's claim callback
var reservedAccessClaims = []string{"iss", "sub", "aud", "exp", "iat", "nbf", "jti", "client_id", "scope"}

// reservedIDClaims cannot be set by the host's user claim callback
var reservedIDClaims = []string{"iss", "sub", "aud", "exp", "iat", "nbf", "jti", "auth_time", "nonce", "at_hash", "azp"}

// mergeClaims returns custom overlaid with reserved; keys in reservedNames are
// never taken from custom.
func mergeClaims(custom map[string]any, reservedNames []string, reserved jwt.MapClaims) jwt.MapClaims {
	out := make(jwt.MapClaims, len(custom)+len(reserved))
	for k, v := range custom {
		out[k] = v
	}
	for _, k := range reservedNames {
		delete(out, k)
	}
	maps.Copy(out, reserved)
	return out
}

// accessTokenHash computes at_hash (OpenID Connect Core 3.1.3.6) for RS256 and
// ES256, which both use SHA-256.
func accessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
