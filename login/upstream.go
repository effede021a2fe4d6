package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-engine/grant"
	"github.com/giantswarm/oauth-engine/protocol"
	"github.com/giantswarm/oauth-engine/security"
)

const (
	// DefaultStateTTL bounds how long a user may take at the upstream provider
	DefaultStateTTL = 10 * time.Minute

	// DefaultCallbackPath is where hosts usually mount Callback
	DefaultCallbackPath = "/login/callback"

	defaultHTTPTimeout = 10 * time.Second

	// auditMethod labels upstream failures in the audit log
	auditMethod = "upstream_oidc"
)

// Config configures an Upstream.
type Config struct {
	// IssuerURL is the upstream provider, discovered through
	// /.well-known/openid-configuration
	IssuerURL string

	ClientID     string
	ClientSecret string

	// RedirectURL is the absolute URL Callback is mounted at
	RedirectURL string

	// Scopes requested upstream; openid is always included
	Scopes []string

	StateTTL   time.Duration
	HTTPClient *http.Client

	// AllowPrivateIssuer permits plain HTTP and internal issuer addresses.
	// Only for development and tests.
	AllowPrivateIssuer bool

	Logger  *slog.Logger
	Auditor *security.Auditor
	Now     func() time.Time
}

// AuthorizeFunc completes an authorization request, typically
// (*oauth.Deployment).Authorize.
type AuthorizeFunc func(ctx context.Context, req *protocol.AuthorizeRequest) (*protocol.AuthorizeResponse, error)

// Upstream authenticates resource owners at an upstream OpenID Connect
// provider. It is safe for concurrent use.
type Upstream struct {
	cfg      Config
	oauth2   *oauth2.Config
	verifier *oidc.IDTokenVerifier
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingLogin
}

// pendingLogin is an authorization request waiting for the upstream login
type pendingLogin struct {
	request   protocol.AuthorizeRequest
	clientID  string
	verifier  string
	expiresAt time.Time
}

// outcome is the upstream result handed back to GenerateCode
type outcome struct {
	subject  string
	authTime time.Time
	err      error
}

type outcomeKey struct{}

// New discovers the upstream provider and returns an Upstream for it.
func New(ctx context.Context, cfg Config) (*Upstream, error) {
	if err := ValidateIssuerURL(cfg.IssuerURL, cfg.AllowPrivateIssuer); err != nil {
		return nil, err
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("upstream client_id is required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("redirect URL is required")
	}
	if cfg.StateTTL == 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Now = security.NowFunc(cfg.Now)

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, cfg.HTTPClient), cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover upstream provider: %w", err)
	}

	scopes := []string{oidc.ScopeOpenID}
	for _, s := range cfg.Scopes {
		if s != oidc.ScopeOpenID {
			scopes = append(scopes, s)
		}
	}

	cfg.Logger.Info("Upstream login provider discovered",
		"issuer", cfg.IssuerURL,
		"client_id", cfg.ClientID)

	return &Upstream{
		cfg: cfg,
		oauth2: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID, Now: cfg.Now}),
		logger:   cfg.Logger,
		pending:  make(map[string]*pendingLogin),
	}, nil
}

// GenerateCode is a grant.GenerateCodeFunc. Without an upstream outcome in
// ctx it parks the request and sends the user agent upstream.
func (u *Upstream) GenerateCode(ctx context.Context, ac *grant.AuthorizeContext) (*grant.AuthorizeDecision, error) {
	if o, ok := ctx.Value(outcomeKey{}).(*outcome); ok {
		if o.err != nil {
			return nil, o.err
		}
		return &grant.AuthorizeDecision{Subject: o.subject, AuthTime: o.authTime}, nil
	}

	state := oauth2.GenerateVerifier()
	verifier := oauth2.GenerateVerifier()
	now := u.cfg.Now()

	u.mu.Lock()
	u.sweepLocked(now)
	u.pending[state] = &pendingLogin{
		request:   *ac.Request,
		clientID:  ac.Client.ClientID,
		verifier:  verifier,
		expiresAt: now.Add(u.cfg.StateTTL),
	}
	u.mu.Unlock()

	u.logger.Debug("Sending user agent to upstream login", "client_id", ac.Client.ClientID)
	return &grant.AuthorizeDecision{
		LoginURL: u.oauth2.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier), oidc.Nonce(state)),
	}, nil
}

// Callback returns the handler for the upstream redirect. It replays the
// parked request through authorize and redirects the user agent to the
// client with the resulting code or error.
func (u *Upstream) Callback(authorize AuthorizeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		security.SetSecurityHeaders(w, u.cfg.RedirectURL)
		ctx := r.Context()
		q := r.URL.Query()

		state := q.Get("state")
		p := u.take(state)
		if p == nil {
			u.logger.Warn("Upstream callback with unknown or expired state")
			http.Error(w, "login session unknown or expired", http.StatusBadRequest)
			return
		}

		o := &outcome{}
		if upstreamErr := q.Get("error"); upstreamErr != "" {
			u.logger.Info("Upstream login refused", "client_id", p.clientID, "error", upstreamErr)
			o.err = protocol.AccessDenied("upstream login was not completed")
		} else if id, err := u.exchange(ctx, q.Get("code"), p.verifier, state); err != nil {
			u.logger.Warn("Upstream login failed", "client_id", p.clientID, "error", err)
			u.cfg.Auditor.LogAuthFailure(p.clientID, auditMethod, err.Error())
			o.err = protocol.AccessDenied("upstream login failed")
		} else {
			o.subject = id.Subject
			o.authTime = id.IssuedAt
		}

		resp, err := authorize(context.WithValue(ctx, outcomeKey{}, o), &p.request)
		if err != nil {
			var ae *protocol.AuthorizeError
			if errors.As(err, &ae) && ae.RedirectURI != "" {
				http.Redirect(w, r, ae.ErrorLocation(), http.StatusFound)
				return
			}
			u.logger.Error("Could not complete authorization after upstream login", "client_id", p.clientID, "error", err)
			http.Error(w, "authorization could not be completed", http.StatusBadRequest)
			return
		}
		http.Redirect(w, r, resp.Location(), http.StatusFound)
	}
}

// exchange redeems the upstream code and verifies the ID token it returns
func (u *Upstream) exchange(ctx context.Context, code, verifier, nonce string) (*oidc.IDToken, error) {
	if code == "" {
		return nil, fmt.Errorf("no code in upstream callback")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, u.cfg.HTTPClient)

	tok, err := u.oauth2.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil, fmt.Errorf("upstream token response has no id_token")
	}
	id, err := u.verifier.Verify(oidc.ClientContext(ctx, u.cfg.HTTPClient), raw)
	if err != nil {
		return nil, fmt.Errorf("failed to verify id_token: %w", err)
	}
	if id.Nonce != nonce {
		return nil, fmt.Errorf("id_token nonce mismatch")
	}
	if id.Subject == "" {
		return nil, fmt.Errorf("id_token has no subject")
	}
	return id, nil
}

// take removes and returns the live pending login for state
func (u *Upstream) take(state string) *pendingLogin {
	if state == "" {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	p, ok := u.pending[state]
	if !ok {
		return nil
	}
	delete(u.pending, state)
	if !u.cfg.Now().Before(p.expiresAt) {
		return nil
	}
	return p
}

// sweepLocked drops expired logins. Callers hold mu.
func (u *Upstream) sweepLocked(now time.Time) {
	for state, p := range u.pending {
		if !now.Before(p.expiresAt) {
			delete(u.pending, state)
		}
	}
}

// Pending returns the number of parked logins
func (u *Upstream) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.pending)
}
