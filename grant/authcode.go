package grant

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/oauth-engine/clientauth"
	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/internal/util"
	"github.com/giantswarm/oauth-engine/keys"
	"github.com/giantswarm/oauth-engine/protocol"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
	"github.com/giantswarm/oauth-engine/token"
)

const (
	// DefaultCodeTTL is the lifetime of an authorization code
	DefaultCodeTTL = 10 * time.Minute

	// CodeNoncePrefix namespaces authorization codes in the replay store
	CodeNoncePrefix = "code:"
)

// AuthorizeContext is what the host sees when asked to produce a code.
type AuthorizeContext struct {
	Client  *storage.Client
	Request *protocol.AuthorizeRequest
	// Scopes are the negotiated scopes the code would carry
	Scopes []string
}

// AuthorizeDecision is the host's answer to an authorization request. Either
// LoginURL is set, and the user agent is sent there first, or Subject names the
// authenticated resource owner.
type AuthorizeDecision struct {
	Subject  string
	AuthTime time.Time
	// Scopes may narrow the negotiated scopes, e.g. after consent
	Scopes   []string
	LoginURL string
}

// GenerateCodeFunc lets the host authenticate the resource owner. Returning a
// *protocol.Error (for example access_denied) sends it to the client's redirect
// URI; any other error aborts the request.
type GenerateCodeFunc func(ctx context.Context, ac *AuthorizeContext) (*AuthorizeDecision, error)

// AuthorizationCodeConfig configures the authorization code grant.
type AuthorizationCodeConfig struct {
	Config

	// Lookup resolves the client at the authorization endpoint, where it does
	// not authenticate.
	Lookup clientauth.ClientLookup

	GenerateCode GenerateCodeFunc

	// CodeTTL defaults to DefaultCodeTTL
	CodeTTL time.Duration
}

// codeClaims bind an authorization code to the request that created it
type codeClaims struct {
	jwt.RegisteredClaims
	ClientID        string `json:"client_id"`
	RedirectURI     string `json:"redirect_uri,omitempty"`
	Challenge       string `json:"code_challenge"`
	ChallengeMethod string `json:"code_challenge_method"`
	Scope           string `json:"scope,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
	AuthTime        int64  `json:"auth_time,omitempty"`
}

// AuthorizationCode handles the authorization endpoint and the
// authorization_code grant.
type AuthorizationCode struct {
	*base
	lookup       clientauth.ClientLookup
	generateCode GenerateCodeFunc
	codeTTL      time.Duration
}

// NewAuthorizationCode creates the handler
func NewAuthorizationCode(cfg AuthorizationCodeConfig) (*AuthorizationCode, error) {
	b, err := newBase(protocol.GrantTypeAuthorizationCode, cfg.Config)
	if err != nil {
		return nil, err
	}
	if cfg.Lookup == nil {
		return nil, fmt.Errorf("authorization_code: client lookup is required")
	}
	if cfg.GenerateCode == nil {
		return nil, fmt.Errorf("authorization_code: GenerateCode is required")
	}
	if cfg.CodeTTL == 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}
	return &AuthorizationCode{
		base:         b,
		lookup:       cfg.Lookup,
		generateCode: cfg.GenerateCode,
		codeTTL:      cfg.CodeTTL,
	}, nil
}

// Token implements Handler
func (h *AuthorizationCode) Token(ctx context.Context, req *protocol.TokenRequest) (*protocol.TokenResponse, error) {
	return h.run(ctx, h, req)
}

// Authorize validates an authorization request and, once the host has
// authenticated the resource owner, mints a code. Errors that can be delivered
// to the client are *protocol.AuthorizeError values with RedirectURI set.
func (h *AuthorizationCode) Authorize(ctx context.Context, req *protocol.AuthorizeRequest) (*protocol.AuthorizeResponse, error) {
	ctx, span := h.tracer.Start(ctx, "grant.authorize")
	defer span.End()

	resp, err := h.authorize(ctx, req)
	if err != nil {
		if _, ok := protocol.AsError(err); ok {
			instrumentation.SetSpanError(span, err.Error())
			h.logger.Info("Authorization rejected", "client_id", req.ClientID, "reason", err.Error())
		} else {
			instrumentation.RecordError(span, err)
			h.logger.Error("Authorization failed", "client_id", req.ClientID, "error", err)
		}
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

func (h *AuthorizationCode) authorize(ctx context.Context, req *protocol.AuthorizeRequest) (*protocol.AuthorizeResponse, error) {
	// until the redirect URI is trusted, errors go to the user agent
	direct := func(e *protocol.Error) error {
		return &protocol.AuthorizeError{Err: e, State: req.State}
	}

	if req.ClientID == "" {
		return nil, direct(protocol.InvalidRequest("client_id is required"))
	}
	client, err := h.lookup(ctx, req.ClientID)
	if errors.Is(err, storage.ErrClientNotFound) || (err == nil && client == nil) {
		return nil, direct(protocol.InvalidRequest("unknown client"))
	}
	if err != nil {
		return nil, fmt.Errorf("client lookup: %w", err)
	}

	redirectURI, ok := resolveRedirectURI(client, req.RedirectURI)
	if !ok {
		return nil, direct(protocol.InvalidRequest("redirect_uri is not registered for this client"))
	}

	redirect := func(e *protocol.Error) error {
		return &protocol.AuthorizeError{Err: e, RedirectURI: redirectURI, State: req.State}
	}

	if req.ResponseType != protocol.ResponseTypeCode {
		return nil, redirect(protocol.UnsupportedResponseType("response_type must be code"))
	}
	if gts := client.GrantTypes; len(gts) > 0 && !slices.Contains(gts, string(protocol.GrantTypeAuthorizationCode)) {
		return nil, redirect(protocol.UnauthorizedClient("client is not allowed to use authorization_code"))
	}
	if req.CodeChallenge == "" {
		return nil, redirect(protocol.InvalidRequest("code_challenge is required"))
	}
	if req.CodeChallengeMethod != protocol.PKCEMethodS256 {
		return nil, redirect(protocol.InvalidRequest("code_challenge_method must be S256"))
	}
	if !validPKCEValue(req.CodeChallenge) {
		return nil, redirect(protocol.InvalidRequest("code_challenge is malformed"))
	}

	scopes, err := negotiateScope(protocol.ParseScope(req.Scope), client.Scopes, h.cfg.Scopes, h.cfg.DefaultScopes)
	if err != nil {
		pe, _ := protocol.AsError(err)
		return nil, redirect(pe)
	}

	decision, err := h.generateCode(ctx, &AuthorizeContext{Client: client, Request: req, Scopes: scopes})
	if err != nil {
		if pe, ok := protocol.AsError(err); ok {
			return nil, redirect(pe)
		}
		return nil, err
	}
	if decision == nil {
		return nil, fmt.Errorf("GenerateCode returned no decision")
	}
	if decision.LoginURL != "" {
		return &protocol.AuthorizeResponse{LoginURL: decision.LoginURL, State: req.State}, nil
	}
	if decision.Subject == "" {
		return nil, fmt.Errorf("GenerateCode returned neither a subject nor a login URL")
	}
	if len(decision.Scopes) > 0 {
		if missing := protocol.Missing(decision.Scopes, scopes); len(missing) > 0 {
			return nil, fmt.Errorf("GenerateCode widened the scopes by %v", missing)
		}
		scopes = decision.Scopes
	}

	code, err := h.mintCode(ctx, client.ClientID, req, decision, scopes)
	if err != nil {
		return nil, err
	}

	h.logger.Debug("Issued authorization code", "client_id", client.ClientID, "scope", protocol.FormatScope(scopes))
	return &protocol.AuthorizeResponse{RedirectURI: redirectURI, Code: code, State: req.State}, nil
}

func (h *AuthorizationCode) mintCode(ctx context.Context, clientID string, req *protocol.AuthorizeRequest, d *AuthorizeDecision, scopes []string) (string, error) {
	issuer := h.cfg.Issuer
	now := issuer.Now()
	jti := uuid.NewString()

	claims := &codeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer.Issuer(),
			Subject:   d.Subject,
			Audience:  jwt.ClaimStrings{clientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(h.codeTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
		ClientID:        clientID,
		RedirectURI:     req.RedirectURI,
		Challenge:       req.CodeChallenge,
		ChallengeMethod: req.CodeChallengeMethod,
		Scope:           protocol.FormatScope(scopes),
		Nonce:           req.Nonce,
	}
	if !d.AuthTime.IsZero() {
		claims.AuthTime = d.AuthTime.Unix()
	}

	code, err := issuer.Keys().Sign(ctx, claims, keys.TypeAuthorizationCode)
	if err != nil {
		return "", err
	}
	if err := issuer.Nonces().AddNonce(ctx, CodeNoncePrefix+jti, h.codeTTL); err != nil {
		return "", fmt.Errorf("%w: %w", storage.ErrReplayStoreUnavailable, err)
	}
	return code, nil
}

// validate verifies the code's bindings and PKCE, then redeems it.
func (h *AuthorizationCode) validate(ctx context.Context, req *protocol.TokenRequest, id *clientauth.Identity) (*token.Grant, error) {
	if req.Code == "" {
		return nil, protocol.InvalidRequest("code is required")
	}
	if req.CodeVerifier == "" {
		return nil, protocol.InvalidRequest("code_verifier is required")
	}

	issuer := h.cfg.Issuer
	claims := &codeClaims{}
	if _, err := issuer.Keys().Parse(ctx, req.Code, claims, keys.TypeAuthorizationCode); err != nil {
		if errors.Is(err, storage.ErrKeyStoreUnavailable) {
			return nil, err
		}
		return nil, protocol.InvalidGrant("authorization code is invalid or expired")
	}
	if claims.Issuer != issuer.Issuer() || claims.ID == "" {
		return nil, protocol.InvalidGrant("authorization code is invalid or expired")
	}
	if claims.ClientID != id.ClientID() {
		return nil, protocol.InvalidGrant("authorization code was issued to another client")
	}
	if claims.RedirectURI != req.RedirectURI {
		return nil, protocol.InvalidGrant("redirect_uri does not match the authorization request")
	}

	if claims.ChallengeMethod != protocol.PKCEMethodS256 || !verifyPKCE(claims.Challenge, req.CodeVerifier) {
		h.cfg.Instrumentation.Metrics().RecordPKCEValidationFailed(ctx, claims.ChallengeMethod)
		h.cfg.Auditor.LogEvent(security.Event{
			Type:      security.EventPKCEValidationFailed,
			Subject:   claims.Subject,
			ClientID:  id.ClientID(),
			GrantType: string(h.grantType),
		})
		return nil, protocol.InvalidGrant("code_verifier does not match the code challenge")
	}

	redeemed, err := issuer.Nonces().DeleteNonce(ctx, CodeNoncePrefix+claims.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrReplayStoreUnavailable, err)
	}
	if !redeemed {
		h.cfg.Instrumentation.Metrics().RecordReuseDetected(ctx, "authorization_code")
		h.cfg.Auditor.LogReuseDetected(security.EventAuthorizationCodeReuseDetected, id.ClientID(), string(h.grantType), claims.ID)
		h.logger.Warn("Authorization code reuse detected",
			"client_id", id.ClientID(),
			"jti", util.SafeTruncate(claims.ID, tokenIDLogLength))
		return nil, protocol.InvalidGrant("authorization code has already been used")
	}

	g := &token.Grant{
		GrantType: h.grantType,
		ClientID:  id.ClientID(),
		Subject:   claims.Subject,
		Scopes:    protocol.ParseScope(claims.Scope),
		Nonce:     claims.Nonce,
		User:      true,
	}
	if claims.AuthTime != 0 {
		g.AuthTime = time.Unix(claims.AuthTime, 0)
	}
	return g, nil
}

// resolveRedirectURI returns the redirect target for a request: the presented
// URI when it is registered verbatim, or the only registered URI when none was
// presented.
func resolveRedirectURI(client *storage.Client, presented string) (string, bool) {
	if presented == "" {
		if len(client.RedirectURIs) == 1 {
			return client.RedirectURIs[0], true
		}
		return "", false
	}
	if slices.Contains(client.RedirectURIs, presented) {
		return presented, true
	}
	return "", false
}
