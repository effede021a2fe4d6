package clientauth

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/internal/util"
	"github.com/giantswarm/oauth-engine/protocol"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
)

// assertionNoncePrefix namespaces assertion jti values in the replay store
const assertionNoncePrefix = "assertion:"

// Assertion authenticates with a JWT client assertion (RFC 7523). As
// private_key_jwt it verifies RS256/ES256 signatures against the client's JWKS;
// as client_secret_jwt it verifies HS256 signatures with the shared secret.
type Assertion struct {
	method       Method
	cfg          Config
	validMethods []string
}

// NewAssertion creates an authenticator for private_key_jwt or client_secret_jwt
func NewAssertion(method Method, cfg Config) (*Assertion, error) {
	if cfg.Lookup == nil {
		return nil, fmt.Errorf("client lookup is required")
	}
	if cfg.Nonces == nil {
		return nil, fmt.Errorf("%s requires a replay store", method)
	}
	if len(cfg.Audiences) == 0 {
		return nil, fmt.Errorf("%s requires at least one accepted audience", method)
	}
	cfg.applyDefaults()

	a := &Assertion{method: method, cfg: cfg}
	switch method {
	case MethodPrivateKeyJWT:
		a.validMethods = []string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()}
	case MethodClientSecretJWT:
		a.validMethods = []string{jwt.SigningMethodHS256.Alg()}
	default:
		return nil, fmt.Errorf("%q is not an assertion method", method)
	}
	return a, nil
}

// Method implements Authenticator
func (a *Assertion) Method() Method { return a.method }

func (a *Assertion) observe(inst *instrumentation.Instrumentation, auditor *security.Auditor) {
	if a.cfg.Instrumentation == nil {
		a.cfg.Instrumentation = inst
	}
	if a.cfg.Auditor == nil {
		a.cfg.Auditor = auditor
	}
}

// Applies implements Authenticator. The assertion's alg header decides between
// the asymmetric and the shared-secret variant.
func (a *Assertion) Applies(creds *Credentials) bool {
	if creds.ClientAssertion == "" {
		return false
	}
	tok, _, err := jwt.NewParser().ParseUnverified(creds.ClientAssertion, &jwt.RegisteredClaims{})
	if err != nil {
		// malformed assertions are rejected by the first assertion authenticator
		return a.method == MethodPrivateKeyJWT
	}
	return slices.Contains(a.validMethods, tok.Method.Alg())
}

// Authenticate implements Authenticator
func (a *Assertion) Authenticate(ctx context.Context, creds *Credentials) (*Identity, error) {
	if creds.ClientAssertionType != protocol.ClientAssertionTypeJWTBearer {
		return nil, &Error{ClientID: creds.ClientID, Method: a.method, Reason: "unsupported client_assertion_type"}
	}

	var (
		client   *storage.Client
		infraErr error
	)
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods(a.validMethods),
		jwt.WithTimeFunc(a.cfg.Now),
		jwt.WithLeeway(a.cfg.Leeway),
		jwt.WithExpirationRequired(),
	)

	_, err := parser.ParseWithClaims(creds.ClientAssertion, claims, func(tok *jwt.Token) (any, error) {
		if claims.Issuer == "" || claims.Issuer != claims.Subject {
			return nil, &Error{ClientID: claims.Subject, Method: a.method, Reason: "iss and sub must both be the client_id"}
		}
		if creds.ClientID != "" && creds.ClientID != claims.Subject {
			return nil, &Error{ClientID: creds.ClientID, Method: a.method, Reason: "client_id does not match assertion subject"}
		}

		c, err := lookupClient(ctx, a.cfg.Lookup, claims.Subject, a.method)
		if err != nil {
			if !IsAuthenticationFailure(err) {
				infraErr = err
			}
			return nil, err
		}
		client = c
		return a.verificationKey(c, tok)
	})
	if infraErr != nil {
		return nil, infraErr
	}
	if err != nil {
		var ae *Error
		if errors.As(err, &ae) {
			return nil, ae
		}
		return nil, &Error{ClientID: claims.Subject, Method: a.method, Reason: fmt.Sprintf("invalid assertion: %v", err)}
	}

	if !matchesAudience(claims.Audience, a.cfg.Audiences) {
		return nil, &Error{ClientID: client.ClientID, Method: a.method, Reason: "assertion audience is not this server"}
	}
	if claims.ID == "" {
		return nil, &Error{ClientID: client.ClientID, Method: a.method, Reason: "assertion has no jti"}
	}

	ttl := claims.ExpiresAt.Sub(a.cfg.Now()) + a.cfg.Leeway
	if ttl < time.Second {
		ttl = time.Second
	}
	claimed, err := a.cfg.Nonces.ClaimNonce(ctx, assertionNoncePrefix+client.ClientID+":"+claims.ID, ttl)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrReplayStoreUnavailable, err)
	}
	if !claimed {
		a.cfg.Auditor.LogReuseDetected(security.EventAssertionReplayDetected, client.ClientID, "", claims.ID)
		a.cfg.Instrumentation.Metrics().RecordReuseDetected(ctx, "assertion")
		return nil, &Error{ClientID: client.ClientID, Method: a.method, Reason: "assertion jti already used"}
	}

	return &Identity{Client: client, Method: a.method}, nil
}

func (a *Assertion) verificationKey(client *storage.Client, tok *jwt.Token) (any, error) {
	fail := func(reason string) error {
		return &Error{ClientID: client.ClientID, Method: a.method, Reason: reason}
	}

	if a.method == MethodClientSecretJWT {
		if client.IsPublic() || client.ClientSecret == "" {
			return nil, fail("client has no shared secret for client_secret_jwt")
		}
		return []byte(client.ClientSecret), nil
	}

	if client.JWKS == nil || len(client.JWKS.Keys) == 0 {
		return nil, fail("client has no registered JWKS")
	}

	candidates := client.JWKS.Keys
	if kid, _ := tok.Header["kid"].(string); kid != "" {
		candidates = client.JWKS.Key(kid)
	}
	alg := tok.Method.Alg()
	for _, jwk := range candidates {
		if jwk.Algorithm != "" && jwk.Algorithm != alg {
			continue
		}
		if jwk.Use != "" && jwk.Use != "sig" {
			continue
		}
		if key := publicKeyFor(jwk, alg); key != nil {
			return key, nil
		}
	}
	return nil, fail("no matching key in client JWKS")
}

func publicKeyFor(jwk jose.JSONWebKey, alg string) any {
	key := jwk.Key
	if !jwk.IsPublic() {
		key = jwk.Public().Key
	}
	switch k := key.(type) {
	case *rsa.PublicKey:
		if alg == jwt.SigningMethodRS256.Alg() {
			return k
		}
	case *ecdsa.PublicKey:
		if alg == jwt.SigningMethodES256.Alg() {
			return k
		}
	}
	return nil
}

func matchesAudience(got jwt.ClaimStrings, accepted []string) bool {
	for _, aud := range got {
		for _, want := range accepted {
			if util.NormalizeURL(aud) == util.NormalizeURL(want) {
				return true
			}
		}
	}
	return false
}
