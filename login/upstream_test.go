package login_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	oauth "github.com/giantswarm/oauth-engine"
	"github.com/giantswarm/oauth-engine/grant"
	"github.com/giantswarm/oauth-engine/internal/testutil"
	"github.com/giantswarm/oauth-engine/keys"
	"github.com/giantswarm/oauth-engine/login"
	"github.com/giantswarm/oauth-engine/protocol"
	"github.com/giantswarm/oauth-engine/storage"
	"github.com/giantswarm/oauth-engine/storage/memory"
)

const (
	appRedirect    = "https://app.example.com/callback"
	upstreamSecret = "engine-secret"
)

// lateServer starts a server whose handler is set once the issuer URL is known
func lateServer(t *testing.T) (*httptest.Server, *http.Handler) {
	t.Helper()
	var h http.Handler = http.NotFoundHandler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &h
}

// authcodeDeployment composes a single authorization code flow over a fresh
// memory store holding clients
func authcodeDeployment(t *testing.T, issuer string, generate grant.GenerateCodeFunc, clients ...*storage.Client) *oauth.Deployment {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	store.SetLogger(testutil.DiscardLogger())
	t.Cleanup(store.Stop)
	for _, c := range clients {
		require.NoError(t, store.SaveClient(ctx, c))
	}

	ks, err := keys.New(store, keys.Config{Algorithm: keys.AlgorithmES256, Logger: testutil.DiscardLogger()})
	require.NoError(t, err)

	f, err := oauth.AuthorizationCodeFlow().
		WithIssuer(issuer).
		WithKeyStore(ks).
		WithReplayStore(store).
		WithClientStore(store).
		WithPublicClients(true).
		WithRefreshTokens(false).
		WithGenerateCode(generate).
		WithLogger(testutil.DiscardLogger()).
		Build()
	require.NoError(t, err)

	d, err := oauth.Compose(f)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

type federation struct {
	upstream   *httptest.Server
	downstream *httptest.Server
	login      *login.Upstream
	deny       *atomic.Bool
	clock      *testutil.MockTime
}

// newFederation wires a downstream deployment whose resource owners log in at
// an upstream deployment
func newFederation(t *testing.T) *federation {
	t.Helper()
	fed := &federation{deny: &atomic.Bool{}, clock: testutil.NewMockTime(time.Now())}

	var downHandler, upHandler *http.Handler
	fed.downstream, downHandler = lateServer(t)
	fed.upstream, upHandler = lateServer(t)
	callbackURL := fed.downstream.URL + login.DefaultCallbackPath

	engine := &storage.Client{
		ClientID:         "engine",
		ClientSecretHash: testutil.HashSecret(t, upstreamSecret),
		ClientType:       storage.ClientTypeConfidential,
		RedirectURIs:     []string{callbackURL},
	}
	up := authcodeDeployment(t, fed.upstream.URL, func(context.Context, *grant.AuthorizeContext) (*grant.AuthorizeDecision, error) {
		if fed.deny.Load() {
			return nil, protocol.AccessDenied("user said no")
		}
		return &grant.AuthorizeDecision{Subject: "alice", AuthTime: time.Now()}, nil
	}, engine)
	*upHandler = oauth.NewHandler(up, nil).Router()

	var err error
	fed.login, err = login.New(context.Background(), login.Config{
		IssuerURL:          fed.upstream.URL,
		ClientID:           "engine",
		ClientSecret:       upstreamSecret,
		RedirectURL:        callbackURL,
		Scopes:             []string{"email"},
		AllowPrivateIssuer: true,
		Logger:             testutil.DiscardLogger(),
		Now:                fed.clock.Now,
	})
	require.NoError(t, err)

	down := authcodeDeployment(t, fed.downstream.URL, fed.login.GenerateCode, testutil.PublicClient("app", appRedirect))
	r := oauth.NewHandler(down, nil).Router()
	r.Get(login.DefaultCallbackPath, fed.login.Callback(down.Authorize))
	*downHandler = r

	return fed
}

func (f *federation) appConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:    "app",
		RedirectURL: appRedirect,
		Scopes:      []string{oidc.ScopeOpenID},
		Endpoint: oauth2.Endpoint{
			AuthURL:   f.downstream.URL + oauth.DefaultAuthorizePath,
			TokenURL:  f.downstream.URL + oauth.DefaultTokenPath,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// browse follows redirects until the user agent is sent back to the app
func browse(t *testing.T, start string) *url.URL {
	t.Helper()
	client := &http.Client{
		CheckRedirect: func(req *http.Request, _ []*http.Request) error {
			if req.URL.Host == "app.example.com" {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	resp, err := client.Get(start)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return loc
}

func TestUpstreamLogin(t *testing.T) {
	fed := newFederation(t)
	ctx := context.Background()
	conf := fed.appConfig()

	verifier := oauth2.GenerateVerifier()
	loc := browse(t, conf.AuthCodeURL("xyz", oauth2.S256ChallengeOption(verifier)))
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code, "no code in %s", loc)
	assert.Zero(t, fed.login.Pending(), "finished logins must not stay parked")

	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	require.NoError(t, err)

	provider, err := oidc.NewProvider(ctx, fed.downstream.URL)
	require.NoError(t, err)
	rawID, ok := tok.Extra("id_token").(string)
	require.True(t, ok)
	id, err := provider.Verifier(&oidc.Config{ClientID: "app"}).Verify(ctx, rawID)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Subject)
	assert.Equal(t, fed.downstream.URL, id.Issuer)
}

func TestUpstreamLoginDenied(t *testing.T) {
	fed := newFederation(t)
	fed.deny.Store(true)

	loc := browse(t, fed.appConfig().AuthCodeURL("xyz", oauth2.S256ChallengeOption(oauth2.GenerateVerifier())))
	assert.Equal(t, protocol.ErrorCodeAccessDenied, loc.Query().Get("error"))
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	assert.Empty(t, loc.Query().Get("code"))
}

func TestUpstreamCallbackRejectsUnknownState(t *testing.T) {
	fed := newFederation(t)

	resp, err := http.Get(fed.downstream.URL + login.DefaultCallbackPath + "?state=forged&code=abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpstreamStateExpires(t *testing.T) {
	fed := newFederation(t)

	decision, err := fed.login.GenerateCode(context.Background(), &grant.AuthorizeContext{
		Client:  testutil.PublicClient("app", appRedirect),
		Request: &protocol.AuthorizeRequest{ClientID: "app", RedirectURI: appRedirect, State: "xyz"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, decision.LoginURL)
	assert.Equal(t, 1, fed.login.Pending())

	loginURL, err := url.Parse(decision.LoginURL)
	require.NoError(t, err)
	assert.Equal(t, "S256", loginURL.Query().Get("code_challenge_method"))
	assert.Equal(t, loginURL.Query().Get("state"), loginURL.Query().Get("nonce"))
	assert.Contains(t, loginURL.Query().Get("scope"), "email")

	fed.clock.Advance(login.DefaultStateTTL + time.Second)

	resp, err := http.Get(fed.downstream.URL + login.DefaultCallbackPath + "?code=abc&state=" + url.QueryEscape(loginURL.Query().Get("state")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, fed.login.Pending())
}
