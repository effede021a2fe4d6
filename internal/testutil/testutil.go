package testutil

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-engine/storage"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// DiscardLogger returns a logger that drops everything
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// GenerateRandomString generates a random URL-safe string of roughly the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair returns an S256 code challenge and its verifier
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// HashSecret returns a bcrypt hash of secret at minimum cost
func HashSecret(t testing.TB, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash secret: %v", err)
	}
	return string(hash)
}

// ConfidentialClient returns a confidential client whose secret hashes to secret.
// The plain secret is kept too so client_secret_jwt assertions can be verified.
func ConfidentialClient(t testing.TB, clientID, secret string, scopes ...string) *storage.Client {
	t.Helper()
	return &storage.Client{
		ClientID:         clientID,
		ClientSecretHash: HashSecret(t, secret),
		ClientSecret:     secret,
		ClientType:       storage.ClientTypeConfidential,
		ClientName:       "Test Client " + clientID,
		RedirectURIs:     []string{"https://app.example.com/callback"},
		Scopes:           scopes,
		CreatedAt:        time.Now(),
	}
}

// PublicClient returns a public client registered for redirectURIs
func PublicClient(clientID string, redirectURIs ...string) *storage.Client {
	if len(redirectURIs) == 0 {
		redirectURIs = []string{"https://app.example.com/callback"}
	}
	return &storage.Client{
		ClientID:     clientID,
		ClientType:   storage.ClientTypePublic,
		ClientName:   "Test Public Client " + clientID,
		RedirectURIs: redirectURIs,
		CreatedAt:    time.Now(),
	}
}

// ClientLookup returns a lookup callback over a fixed set of clients
func ClientLookup(clients ...*storage.Client) func(context.Context, string) (*storage.Client, error) {
	byID := make(map[string]*storage.Client, len(clients))
	for _, c := range clients {
		byID[c.ClientID] = c
	}
	return func(_ context.Context, clientID string) (*storage.Client, error) {
		c, ok := byID[clientID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return c, nil
	}
}

// ClientKey is a client's private key with its published JWKS
type ClientKey struct {
	KeyID   string
	Private any
	Method  jwt.SigningMethod
	JWKS    *jose.JSONWebKeySet
}

// NewRSAClientKey generates an RS256 key pair for private_key_jwt
func NewRSAClientKey(t testing.TB) *ClientKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	return newClientKey(key, &key.PublicKey, jwt.SigningMethodRS256)
}

// NewECClientKey generates an ES256 key pair for private_key_jwt
func NewECClientKey(t testing.TB) *ClientKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate EC key: %v", err)
	}
	return newClientKey(key, &key.PublicKey, jwt.SigningMethodES256)
}

func newClientKey(private, public any, method jwt.SigningMethod) *ClientKey {
	kid := uuid.NewString()
	return &ClientKey{
		KeyID:   kid,
		Private: private,
		Method:  method,
		JWKS: &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       public,
			KeyID:     kid,
			Algorithm: method.Alg(),
			Use:       "sig",
		}}},
	}
}

// AssertionClaims returns well-formed client assertion claims valid for a minute
func AssertionClaims(clientID, audience string) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}
}

// Sign signs claims as a client assertion with the client's key
func (k *ClientKey) Sign(t testing.TB, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(k.Method, claims)
	tok.Header["kid"] = k.KeyID
	signed, err := tok.SignedString(k.Private)
	if err != nil {
		t.Fatalf("failed to sign assertion: %v", err)
	}
	return signed
}

// SignHMAC signs claims as a client_secret_jwt assertion
func SignHMAC(t testing.TB, secret string, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign assertion: %v", err)
	}
	return signed
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual[T comparable](t testing.TB, got, want T, msg string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %v, want %v", msg, got, want)
	}
}
