package clientauth

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oauth-engine/internal/testutil"
	"github.com/giantswarm/oauth-engine/protocol"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
	"github.com/giantswarm/oauth-engine/storage/memory"
)

const (
	testIssuer        = "https://auth.example.com"
	testTokenEndpoint = "https://auth.example.com/oauth/token"
	testSecret        = "s3cret-value"
)

type fixture struct {
	cfg      Config
	nonces   *memory.Store
	rsaKey   *testutil.ClientKey
	ecKey    *testutil.ClientKey
	resolver *Resolver
	audit    *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		nonces: memory.New(),
		rsaKey: testutil.NewRSAClientKey(t),
		ecKey:  testutil.NewECClientKey(t),
		audit:  &bytes.Buffer{},
	}
	t.Cleanup(f.nonces.Stop)

	confidential := testutil.ConfidentialClient(t, "confidential", testSecret)
	rsaClient := testutil.ConfidentialClient(t, "rsa-client", "unused")
	rsaClient.JWKS = f.rsaKey.JWKS
	ecClient := testutil.ConfidentialClient(t, "ec-client", "unused")
	ecClient.JWKS = f.ecKey.JWKS
	public := testutil.PublicClient("public")

	f.cfg = Config{
		Lookup:    testutil.ClientLookup(confidential, rsaClient, ecClient, public),
		Nonces:    f.nonces,
		Audiences: []string{testIssuer, testTokenEndpoint},
		Logger:    testutil.DiscardLogger(),
	}

	var authenticators []Authenticator
	for _, m := range []Method{MethodClientSecretBasic, MethodClientSecretPost, MethodPrivateKeyJWT, MethodClientSecretJWT, MethodNone} {
		a, err := New(m, f.cfg)
		if err != nil {
			t.Fatalf("New(%s) error = %v", m, err)
		}
		authenticators = append(authenticators, a)
	}
	f.resolver = NewResolver(authenticators...)
	f.resolver.SetLogger(testutil.DiscardLogger())
	f.resolver.SetAuditor(security.NewAuditor(slog.New(slog.NewJSONHandler(f.audit, nil)), true))
	return f
}

func assertionCreds(assertion string) *Credentials {
	return &Credentials{
		ClientAssertion:     assertion,
		ClientAssertionType: protocol.ClientAssertionTypeJWTBearer,
	}
}

func TestNew_UnknownMethod(t *testing.T) {
	if _, err := New("tls_client_auth", Config{Lookup: testutil.ClientLookup()}); err == nil {
		t.Error("New() should reject unsupported methods")
	}
	if _, err := NewAssertion(MethodPrivateKeyJWT, Config{Lookup: testutil.ClientLookup()}); err == nil {
		t.Error("NewAssertion() should require a replay store")
	}
	if _, err := NewSecretPost(Config{}); err == nil {
		t.Error("NewSecretPost() should require a lookup")
	}
}

func TestResolve_Secrets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		creds      *Credentials
		wantMethod Method
		wantErr    bool
	}{
		{
			name:       "client_secret_post",
			creds:      &Credentials{ClientID: "confidential", ClientSecret: testSecret},
			wantMethod: MethodClientSecretPost,
		},
		{
			name:       "client_secret_basic",
			creds:      &Credentials{HasBasic: true, BasicUsername: "confidential", BasicPassword: url.QueryEscape(testSecret)},
			wantMethod: MethodClientSecretBasic,
		},
		{
			name:    "wrong secret",
			creds:   &Credentials{ClientID: "confidential", ClientSecret: "nope"},
			wantErr: true,
		},
		{
			name:    "unknown client",
			creds:   &Credentials{ClientID: "ghost", ClientSecret: testSecret},
			wantErr: true,
		},
		{
			name:    "public client with a secret",
			creds:   &Credentials{ClientID: "public", ClientSecret: "anything"},
			wantErr: true,
		},
		{
			name:    "basic with mismatching client_id parameter",
			creds:   &Credentials{ClientID: "other", HasBasic: true, BasicUsername: "confidential", BasicPassword: testSecret},
			wantErr: true,
		},
		{
			name:    "nothing presented",
			creds:   &Credentials{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := f.resolver.Resolve(ctx, tt.creds)
			if tt.wantErr {
				if !IsAuthenticationFailure(err) {
					t.Fatalf("Resolve() error = %v, want authentication failure", err)
				}
				var ae *Error
				errors.As(err, &ae)
				if ae.ProtocolError().Code != protocol.ErrorCodeInvalidClient {
					t.Errorf("ProtocolError().Code = %q", ae.ProtocolError().Code)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if id.Method != tt.wantMethod {
				t.Errorf("Method = %q, want %q", id.Method, tt.wantMethod)
			}
			if id.ClientID() != "confidential" {
				t.Errorf("ClientID() = %q", id.ClientID())
			}
		})
	}
}

func TestResolve_MultipleMethodsIsInvalidRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.resolver.Resolve(context.Background(), &Credentials{
		ClientID:      "confidential",
		ClientSecret:  testSecret,
		HasBasic:      true,
		BasicUsername: "confidential",
		BasicPassword: testSecret,
	})
	pe, ok := protocol.AsError(err)
	if !ok || pe.Code != protocol.ErrorCodeInvalidRequest {
		t.Errorf("Resolve() error = %v, want invalid_request", err)
	}
}

func TestResolve_None(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.resolver.Resolve(ctx, &Credentials{ClientID: "public"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if id.Method != MethodNone {
		t.Errorf("Method = %q, want none", id.Method)
	}

	_, err = f.resolver.Resolve(ctx, &Credentials{ClientID: "confidential"})
	if !IsAuthenticationFailure(err) {
		t.Errorf("confidential client without credentials: error = %v, want failure", err)
	}
}

func TestResolve_PrivateKeyJWT(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, tc := range []struct {
		clientID string
		key      *testutil.ClientKey
	}{
		{"rsa-client", f.rsaKey},
		{"ec-client", f.ecKey},
	} {
		t.Run(tc.clientID, func(t *testing.T) {
			assertion := tc.key.Sign(t, testutil.AssertionClaims(tc.clientID, testTokenEndpoint))

			id, err := f.resolver.Resolve(ctx, assertionCreds(assertion))
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if id.Method != MethodPrivateKeyJWT || id.ClientID() != tc.clientID {
				t.Errorf("identity = %s/%s", id.ClientID(), id.Method)
			}

			_, err = f.resolver.Resolve(ctx, assertionCreds(assertion))
			if !IsAuthenticationFailure(err) {
				t.Errorf("replayed assertion: error = %v, want failure", err)
			}
		})
	}

	if !strings.Contains(f.audit.String(), security.EventAssertionReplayDetected) {
		t.Error("replay should be audited")
	}
}

func TestResolve_AssertionRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := testutil.NewRSAClientKey(t)

	tests := []struct {
		name      string
		assertion func() string
		assertTyp string
	}{
		{
			name: "wrong audience",
			assertion: func() string {
				return f.rsaKey.Sign(t, testutil.AssertionClaims("rsa-client", "https://elsewhere.example.com"))
			},
		},
		{
			name: "iss differs from sub",
			assertion: func() string {
				c := testutil.AssertionClaims("rsa-client", testIssuer)
				c.Issuer = "someone-else"
				return f.rsaKey.Sign(t, c)
			},
		},
		{
			name: "expired",
			assertion: func() string {
				c := testutil.AssertionClaims("rsa-client", testIssuer)
				c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
				return f.rsaKey.Sign(t, c)
			},
		},
		{
			name: "missing exp",
			assertion: func() string {
				c := testutil.AssertionClaims("rsa-client", testIssuer)
				c.ExpiresAt = nil
				return f.rsaKey.Sign(t, c)
			},
		},
		{
			name: "missing jti",
			assertion: func() string {
				c := testutil.AssertionClaims("rsa-client", testIssuer)
				c.ID = ""
				return f.rsaKey.Sign(t, c)
			},
		},
		{
			name: "signed with an unregistered key",
			assertion: func() string {
				return other.Sign(t, testutil.AssertionClaims("rsa-client", testIssuer))
			},
		},
		{
			name: "wrong assertion type",
			assertion: func() string {
				return f.rsaKey.Sign(t, testutil.AssertionClaims("rsa-client", testIssuer))
			},
			assertTyp: "urn:example:saml",
		},
		{
			name:      "garbage",
			assertion: func() string { return "not.a.jwt" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds := assertionCreds(tt.assertion())
			if tt.assertTyp != "" {
				creds.ClientAssertionType = tt.assertTyp
			}
			_, err := f.resolver.Resolve(ctx, creds)
			if !IsAuthenticationFailure(err) {
				t.Errorf("Resolve() error = %v, want authentication failure", err)
			}
		})
	}
}

func TestResolve_ClientSecretJWT(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assertion := testutil.SignHMAC(t, testSecret, testutil.AssertionClaims("confidential", testIssuer+"/"))
	id, err := f.resolver.Resolve(ctx, assertionCreds(assertion))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if id.Method != MethodClientSecretJWT {
		t.Errorf("Method = %q, want client_secret_jwt", id.Method)
	}

	forged := testutil.SignHMAC(t, "wrong-secret", testutil.AssertionClaims("confidential", testIssuer))
	if _, err := f.resolver.Resolve(ctx, assertionCreds(forged)); !IsAuthenticationFailure(err) {
		t.Errorf("forged HMAC assertion: error = %v, want failure", err)
	}
}

func TestResolve_LookupFailurePropagates(t *testing.T) {
	boom := errors.New("database down")
	cfg := Config{
		Lookup: func(context.Context, string) (*storage.Client, error) { return nil, boom },
		Logger: testutil.DiscardLogger(),
	}
	a, err := NewSecretPost(cfg)
	if err != nil {
		t.Fatalf("NewSecretPost() error = %v", err)
	}

	_, err = NewResolver(a).Resolve(context.Background(), &Credentials{ClientID: "x", ClientSecret: "y"})
	if !errors.Is(err, boom) {
		t.Errorf("Resolve() error = %v, want lookup failure", err)
	}
	if IsAuthenticationFailure(err) {
		t.Error("infrastructure errors must not be masked as invalid_client")
	}
}

func TestResolve_ReplayStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.nonces.Stop()

	failing := &failingNonces{err: errors.New("valkey unreachable")}
	cfg := f.cfg
	cfg.Nonces = failing
	a, err := NewAssertion(MethodPrivateKeyJWT, cfg)
	if err != nil {
		t.Fatalf("NewAssertion() error = %v", err)
	}

	assertion := f.rsaKey.Sign(t, testutil.AssertionClaims("rsa-client", testIssuer))
	_, err = NewResolver(a).Resolve(context.Background(), assertionCreds(assertion))
	if !errors.Is(err, storage.ErrReplayStoreUnavailable) {
		t.Errorf("Resolve() error = %v, want ErrReplayStoreUnavailable", err)
	}
}

func TestResolver_Methods(t *testing.T) {
	f := newFixture(t)
	got := f.resolver.Methods()
	if len(got) != 5 || got[0] != MethodClientSecretBasic || got[4] != MethodNone {
		t.Errorf("Methods() = %v", got)
	}
	if !KnownMethod(MethodPrivateKeyJWT) || KnownMethod("tls_client_auth") {
		t.Error("KnownMethod() mismatch")
	}
}

type failingNonces struct {
	storage.NonceStore
	err error
}

func (f *failingNonces) ClaimNonce(context.Context, string, time.Duration) (bool, error) {
	return false, f.err
}
