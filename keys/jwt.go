package keys

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Token type headers. Every kind of signed value carries its own type so that
// one can never be accepted where another is expected.
const (
	TypeAccessToken       = "at+jwt"
	TypeRefreshToken      = "refresh+jwt"
	TypeAuthorizationCode = "code+jwt"
	TypeDeviceCode        = "device+jwt"
	TypeIDToken           = "JWT"
)

// Parse errors
var (
	ErrTokenTypeMismatch = errors.New("unexpected token type")
	ErrUnknownKeyID      = errors.New("unknown signing key id")
)

// Sign signs claims with the current key. The token carries the key's kid and
// typ as its type header.
func (s *Store) Sign(ctx context.Context, claims jwt.Claims, typ string) (string, error) {
	pair, err := s.SigningKey(ctx)
	if err != nil {
		return "", err
	}
	method, err := signingMethod(pair.Algorithm)
	if err != nil {
		return "", err
	}

	tok := jwt.NewWithClaims(method, claims)
	tok.Header["kid"] = pair.KeyID
	if typ != "" {
		tok.Header["typ"] = typ
	}

	signed, err := tok.SignedString(pair.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies raw against the retained keys and decodes it into claims. The
// typ header must match typ (case-insensitively) and an exp claim is required.
// Failures to reach the backing store are reported as
// storage.ErrKeyStoreUnavailable; every other error means the token is invalid.
func (s *Store) Parse(ctx context.Context, raw string, claims jwt.Claims, typ string) (*jwt.Token, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{AlgorithmRS256, AlgorithmES256}),
		jwt.WithTimeFunc(s.cfg.Now),
		jwt.WithExpirationRequired(),
	)

	return parser.ParseWithClaims(raw, claims, func(tok *jwt.Token) (any, error) {
		if got, _ := tok.Header["typ"].(string); !strings.EqualFold(got, typ) {
			return nil, fmt.Errorf("%w: got %q, want %q", ErrTokenTypeMismatch, got, typ)
		}
		kid, _ := tok.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid header", ErrUnknownKeyID)
		}
		pk, err := s.verificationKey(ctx, kid)
		if err != nil {
			return nil, err
		}
		if pk.Algorithm != tok.Method.Alg() {
			return nil, fmt.Errorf("key %s is %s, token uses %s", kid, pk.Algorithm, tok.Method.Alg())
		}
		return pk.Key, nil
	})
}

// verificationKey resolves kid, reloading the key set once on a miss so keys
// elected by another process are found before the refresh interval elapses.
func (s *Store) verificationKey(ctx context.Context, kid string) (*PublicKey, error) {
	pubs, err := s.VerificationKeys(ctx)
	if err != nil {
		return nil, err
	}
	if pk := findKey(pubs, kid); pk != nil {
		return pk, nil
	}

	if pubs, err = s.reloadVerification(ctx, s.cfg.Now()); err != nil {
		return nil, err
	}
	if pk := findKey(pubs, kid); pk != nil {
		return pk, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKeyID, kid)
}

func findKey(keys []PublicKey, kid string) *PublicKey {
	for i := range keys {
		if keys[i].KeyID == kid {
			return &keys[i]
		}
	}
	return nil
}
