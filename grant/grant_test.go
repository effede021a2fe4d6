package grant

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/giantswarm/oauth-engine/clientauth"
	"github.com/giantswarm/oauth-engine/internal/testutil"
	"github.com/giantswarm/oauth-engine/keys"
	"github.com/giantswarm/oauth-engine/protocol"
	"github.com/giantswarm/oauth-engine/storage"
	"github.com/giantswarm/oauth-engine/storage/memory"
	"github.com/giantswarm/oauth-engine/token"
)

const (
	testIssuer   = "https://auth.example.com"
	testRedirect = "https://app.example.com/callback"
	testSecret   = "service-secret"
)

// harness wires the collaborators every handler needs over one memory store
type harness struct {
	store  *memory.Store
	clock  *testutil.MockTime
	issuer *token.Issuer
	lookup clientauth.ClientLookup
	cfg    Config
}

func newHarness(t *testing.T, clients ...*storage.Client) *harness {
	t.Helper()
	clock := testutil.NewMockTime(time.Now())
	store := memory.New()
	store.SetClock(clock.Now)
	t.Cleanup(store.Stop)

	ks, err := keys.New(store, keys.Config{Now: clock.Now, Logger: testutil.DiscardLogger()})
	if err != nil {
		t.Fatalf("keys.New() error = %v", err)
	}
	issuer, err := token.NewIssuer(token.IssuerConfig{
		Issuer: testIssuer,
		Keys:   ks,
		Nonces: store,
		Logger: testutil.DiscardLogger(),
		Now:    clock.Now,
	})
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}

	lookup := clientauth.ClientLookup(testutil.ClientLookup(clients...))
	authCfg := clientauth.Config{Lookup: lookup, Logger: testutil.DiscardLogger(), Now: clock.Now}
	var auths []clientauth.Authenticator
	for _, m := range []clientauth.Method{clientauth.MethodClientSecretBasic, clientauth.MethodClientSecretPost, clientauth.MethodNone} {
		a, err := clientauth.New(m, authCfg)
		if err != nil {
			t.Fatalf("clientauth.New(%s) error = %v", m, err)
		}
		auths = append(auths, a)
	}
	resolver := clientauth.NewResolver(auths...)
	resolver.SetLogger(testutil.DiscardLogger())

	return &harness{
		store:  store,
		clock:  clock,
		issuer: issuer,
		lookup: lookup,
		cfg: Config{
			Issuer:       issuer,
			Clients:      resolver,
			TokenOptions: token.Options{IssueRefreshToken: true},
			Logger:       testutil.DiscardLogger(),
		},
	}
}

func secretPost(clientID, secret string) protocol.ClientCredentials {
	return protocol.ClientCredentials{ClientID: clientID, ClientSecret: secret}
}

// wantProtocolError fails unless err is a protocol error with code
func wantProtocolError(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got success", code)
	}
	pe, ok := protocol.AsError(err)
	if !ok {
		t.Fatalf("expected protocol error %s, got %v", code, err)
	}
	if pe.Code != code {
		t.Fatalf("error code = %q (%s), want %q", pe.Code, pe.Description, code)
	}
}

func TestNegotiateScope(t *testing.T) {
	tests := []struct {
		name       string
		requested  []string
		client     []string
		advertised []string
		defaults   []string
		want       []string
		wantErr    bool
	}{
		{name: "unrestricted", requested: []string{"anything"}, want: []string{"anything"}},
		{name: "unrestricted defaults", defaults: []string{"read"}, want: []string{"read"}},
		{name: "within client scopes", requested: []string{"read"}, client: []string{"read", "write"}, want: []string{"read"}},
		{name: "outside client scopes", requested: []string{"admin"}, client: []string{"read"}, wantErr: true},
		{name: "client scope not advertised", requested: []string{"write"}, client: []string{"read", "write"}, advertised: []string{"read"}, wantErr: true},
		{name: "advertised only", requested: []string{"read"}, advertised: []string{"read"}, want: []string{"read"}},
		{name: "defaults filtered", client: []string{"read"}, defaults: []string{"read", "write"}, want: []string{"read"}},
		{name: "no allowed default", client: []string{"read"}, defaults: []string{"write"}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := negotiateScope(tt.requested, tt.client, tt.advertised, tt.defaults)
			if tt.wantErr {
				wantProtocolError(t, err, protocol.ErrorCodeInvalidScope)
				return
			}
			if err != nil {
				t.Fatalf("negotiateScope() error = %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("negotiateScope() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNarrowScope(t *testing.T) {
	granted := []string{"openid", "offline_access", "read"}

	got, missing := narrowScope(nil, granted)
	if !slices.Equal(got, granted) || len(missing) != 0 {
		t.Errorf("empty request should keep the grant, got %v missing %v", got, missing)
	}

	got, missing = narrowScope([]string{"read"}, granted)
	if !slices.Equal(got, []string{"read"}) || len(missing) != 0 {
		t.Errorf("narrowing failed: %v missing %v", got, missing)
	}

	_, missing = narrowScope([]string{"read", "admin"}, granted)
	if !slices.Equal(missing, []string{"admin"}) {
		t.Errorf("missing = %v, want [admin]", missing)
	}
}

func TestPKCE(t *testing.T) {
	// RFC 7636 appendix B
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	if got := s256Challenge(verifier); got != challenge {
		t.Errorf("s256Challenge() = %q, want %q", got, challenge)
	}
	if !verifyPKCE(challenge, verifier) {
		t.Error("verifyPKCE() rejected the RFC example")
	}
	if verifyPKCE(challenge, verifier[:42]) {
		t.Error("verifyPKCE() accepted a short verifier")
	}
	if verifyPKCE(challenge, "eBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk") {
		t.Error("verifyPKCE() accepted a wrong verifier")
	}

	tests := []struct {
		value string
		valid bool
	}{
		{value: verifier, valid: true},
		{value: testutil.GenerateRandomString(128), valid: true},
		{value: testutil.GenerateRandomString(129), valid: false},
		{value: testutil.GenerateRandomString(42), valid: false},
		{value: verifier[:42] + "!", valid: false},
		{value: verifier[:42] + "~", valid: true},
	}
	for _, tt := range tests {
		if got := validPKCEValue(tt.value); got != tt.valid {
			t.Errorf("validPKCEValue(%q) = %v, want %v", tt.value, got, tt.valid)
		}
	}
}

func TestClientCredentials(t *testing.T) {
	ctx := context.Background()
	service := testutil.ConfidentialClient(t, "service", testSecret, "read", "write", "offline_access", "openid")
	h := newHarness(t, service, testutil.PublicClient("cli"))

	cc, err := NewClientCredentials(h.cfg)
	if err != nil {
		t.Fatalf("NewClientCredentials() error = %v", err)
	}

	resp, err := cc.Token(ctx, &protocol.TokenRequest{
		GrantType: protocol.GrantTypeClientCredentials,
		Scope:     "read offline_access openid",
		Client:    secretPost("service", testSecret),
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if resp.RefreshToken != "" || resp.IDToken != "" {
		t.Error("client_credentials must not issue refresh or ID tokens")
	}
	claims, err := h.issuer.ParseAccessToken(ctx, resp.AccessToken)
	if err != nil {
		t.Fatalf("ParseAccessToken() error = %v", err)
	}
	if claims.Subject != "service" || claims.ClientID != "service" {
		t.Errorf("sub = %q client_id = %q, want the client", claims.Subject, claims.ClientID)
	}

	t.Run("scope outside the client's", func(t *testing.T) {
		_, err := cc.Token(ctx, &protocol.TokenRequest{
			GrantType: protocol.GrantTypeClientCredentials,
			Scope:     "admin",
			Client:    secretPost("service", testSecret),
		})
		wantProtocolError(t, err, protocol.ErrorCodeInvalidScope)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := cc.Token(ctx, &protocol.TokenRequest{
			GrantType: protocol.GrantTypeClientCredentials,
			Client:    secretPost("service", "nope"),
		})
		wantProtocolError(t, err, protocol.ErrorCodeInvalidClient)
	})

	t.Run("public client", func(t *testing.T) {
		_, err := cc.Token(ctx, &protocol.TokenRequest{
			GrantType: protocol.GrantTypeClientCredentials,
			Client:    protocol.ClientCredentials{ClientID: "cli"},
		})
		wantProtocolError(t, err, protocol.ErrorCodeUnauthorizedClient)
	})

	t.Run("wrong grant type", func(t *testing.T) {
		_, err := cc.Token(ctx, &protocol.TokenRequest{
			GrantType: protocol.GrantTypeRefreshToken,
			Client:    secretPost("service", testSecret),
		})
		wantProtocolError(t, err, protocol.ErrorCodeUnsupportedGrantType)
	})
}

func TestClientGrantTypeRestriction(t *testing.T) {
	service := testutil.ConfidentialClient(t, "service", testSecret)
	service.GrantTypes = []string{string(protocol.GrantTypeAuthorizationCode)}
	h := newHarness(t, service)

	cc, err := NewClientCredentials(h.cfg)
	if err != nil {
		t.Fatalf("NewClientCredentials() error = %v", err)
	}
	_, err = cc.Token(context.Background(), &protocol.TokenRequest{
		GrantType: protocol.GrantTypeClientCredentials,
		Client:    secretPost("service", testSecret),
	})
	wantProtocolError(t, err, protocol.ErrorCodeUnauthorizedClient)
}

func TestHandlersRequireCollaborators(t *testing.T) {
	if _, err := NewClientCredentials(Config{}); err == nil {
		t.Error("NewClientCredentials() should require an issuer")
	}
	h := newHarness(t)
	if _, err := NewAuthorizationCode(AuthorizationCodeConfig{Config: h.cfg, Lookup: h.lookup}); err == nil {
		t.Error("NewAuthorizationCode() should require GenerateCode")
	}
	if _, err := NewDeviceCode(DeviceCodeConfig{Config: h.cfg, VerificationURI: "https://auth.example.com/device"}); err == nil {
		t.Error("NewDeviceCode() should require CheckDeviceApproval")
	}
}

func TestLookupFailureIsNotProtocolError(t *testing.T) {
	h := newHarness(t)
	lookupErr := errors.New("client registry down")
	resolver := clientauth.NewResolver(mustAuth(t, clientauth.MethodClientSecretPost, clientauth.Config{
		Lookup: func(context.Context, string) (*storage.Client, error) { return nil, lookupErr },
	}))
	h.cfg.Clients = resolver

	cc, err := NewClientCredentials(h.cfg)
	if err != nil {
		t.Fatalf("NewClientCredentials() error = %v", err)
	}
	_, err = cc.Token(context.Background(), &protocol.TokenRequest{
		GrantType: protocol.GrantTypeClientCredentials,
		Client:    secretPost("service", testSecret),
	})
	if !errors.Is(err, lookupErr) {
		t.Fatalf("Token() error = %v, want the lookup error", err)
	}
	if _, ok := protocol.AsError(err); ok {
		t.Error("infrastructure failures must not become protocol errors")
	}
}

func mustAuth(t *testing.T, m clientauth.Method, cfg clientauth.Config) clientauth.Authenticator {
	t.Helper()
	a, err := clientauth.New(m, cfg)
	if err != nil {
		t.Fatalf("clientauth.New(%s) error = %v", m, err)
	}
	return a
}

// issuerOver builds an issuer signing with backend and sharing the harness's
// replay store
func issuerOver(t *testing.T, h *harness, backend storage.SigningKeyStore) *token.Issuer {
	t.Helper()
	ks, err := keys.New(backend, keys.Config{Now: h.clock.Now, Logger: testutil.DiscardLogger()})
	if err != nil {
		t.Fatalf("keys.New() error = %v", err)
	}
	issuer, err := token.NewIssuer(token.IssuerConfig{
		Issuer: testIssuer,
		Keys:   ks,
		Nonces: h.store,
		Logger: testutil.DiscardLogger(),
		Now:    h.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	return issuer
}
