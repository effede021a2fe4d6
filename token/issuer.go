package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/internal/util"
	"github.com/giantswarm/oauth-engine/keys"
	"github.com/giantswarm/oauth-engine/protocol"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
)

// Access token formats
const (
	FormatJWT    = "jwt"
	FormatOpaque = "opaque"
)

// Default lifetimes
const (
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 90 * 24 * time.Hour
	DefaultIDTokenTTL      = time.Hour
)

// RefreshNoncePrefix namespaces refresh token ids in the replay store
const RefreshNoncePrefix = "refresh:"

// token kinds, recorded in metrics
const (
	kindAccessToken  = "access_token"
	kindRefreshToken = "refresh_token"
	kindIDToken      = "id_token"
)

const tokenIDLogLength = 8

// ErrInvalidToken is returned by the Parse methods for tokens that are
// malformed, expired, of the wrong kind or from another issuer.
var ErrInvalidToken = errors.New("invalid token")

// IssuerConfig configures an Issuer.
type IssuerConfig struct {
	// Issuer is the iss of every token, usually the server's base URL
	Issuer string

	Keys   *keys.Store
	Nonces storage.NonceStore

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
	Now             func() time.Time
}

// Issuer mints and verifies tokens.
type Issuer struct {
	issuer          string
	keys            *keys.Store
	nonces          storage.NonceStore
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
	now             func() time.Time
}

// NewIssuer creates an Issuer
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("key store is required")
	}
	if cfg.Nonces == nil {
		return nil, fmt.Errorf("replay store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Issuer{
		issuer:          util.NormalizeURL(cfg.Issuer),
		keys:            cfg.Keys,
		nonces:          cfg.Nonces,
		logger:          cfg.Logger,
		instrumentation: cfg.Instrumentation,
		now:             security.NowFunc(cfg.Now),
	}, nil
}

// Issuer returns the iss value
func (i *Issuer) Issuer() string { return i.issuer }

// Keys returns the key store tokens are signed with
func (i *Issuer) Keys() *keys.Store { return i.keys }

// Nonces returns the replay store
func (i *Issuer) Nonces() storage.NonceStore { return i.nonces }

// Now returns the issuer's clock
func (i *Issuer) Now() time.Time { return i.now() }

// Grant describes what the tokens are issued for.
type Grant struct {
	GrantType protocol.GrantType
	ClientID  string
	Subject   string
	Scopes    []string

	// Nonce is the OpenID Connect nonce from the authorization request
	Nonce    string
	AuthTime time.Time

	// User marks Subject as a resource owner rather than the client itself
	User bool

	// ParentRefreshID is the jti of the refresh token this grant rotates
	ParentRefreshID string
}

// Options controls what Issue mints. Zero TTLs use the package defaults.
type Options struct {
	AccessTokenFormat string
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	IDTokenTTL        time.Duration

	// IssueRefreshToken permits a refresh token; one is only minted when the
	// grant's scopes include offline_access as well.
	IssueRefreshToken bool

	// Audience is the aud of access tokens; the issuer when empty
	Audience []string

	// AccessTokenClaims adds claims to JWT access tokens. Reserved claims
	// cannot be overridden.
	AccessTokenClaims func(ctx context.Context, g *Grant) (map[string]any, error)

	// UserClaims adds claims about the subject to ID tokens
	UserClaims func(ctx context.Context, subject string, scopes []string) (map[string]any, error)

	// SaveAccessToken persists opaque access tokens. Required for FormatOpaque.
	SaveAccessToken func(ctx context.Context, token *storage.AccessToken) error

	// SaveRefreshToken hands every issued refresh token to the host. Optional.
	SaveRefreshToken func(ctx context.Context, token *storage.RefreshToken) error
}

func (o Options) withDefaults() Options {
	if o.AccessTokenFormat == "" {
		o.AccessTokenFormat = FormatJWT
	}
	if o.AccessTokenTTL <= 0 {
		o.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if o.RefreshTokenTTL <= 0 {
		o.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if o.IDTokenTTL <= 0 {
		o.IDTokenTTL = DefaultIDTokenTTL
	}
	return o
}

// Issue mints the access token and, where the options and scopes allow, a
// refresh token and an ID token.
func (i *Issuer) Issue(ctx context.Context, g *Grant, opts *Options) (*protocol.TokenResponse, error) {
	if g == nil || g.ClientID == "" || g.Subject == "" {
		return nil, fmt.Errorf("grant requires a client and a subject")
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	o = o.withDefaults()

	now := i.now()
	metrics := i.instrumentation.Metrics()
	grantType := string(g.GrantType)

	accessToken, err := i.issueAccessToken(ctx, g, o, now)
	if err != nil {
		return nil, err
	}
	metrics.RecordTokenIssued(ctx, grantType, kindAccessToken)

	resp := &protocol.TokenResponse{
		AccessToken: accessToken,
		TokenType:   protocol.TokenTypeBearer,
		ExpiresIn:   protocol.ExpiresInSeconds(o.AccessTokenTTL),
		Scope:       protocol.FormatScope(g.Scopes),
	}

	if o.IssueRefreshToken && protocol.HasScope(g.Scopes, protocol.ScopeOfflineAccess) {
		if resp.RefreshToken, err = i.issueRefreshToken(ctx, g, o, now); err != nil {
			return nil, err
		}
		metrics.RecordTokenIssued(ctx, grantType, kindRefreshToken)
	}

	if g.User && protocol.HasScope(g.Scopes, protocol.ScopeOpenID) {
		if resp.IDToken, err = i.issueIDToken(ctx, g, o, now, accessToken); err != nil {
			return nil, err
		}
		metrics.RecordTokenIssued(ctx, grantType, kindIDToken)
	}

	return resp, nil
}

func (i *Issuer) issueAccessToken(ctx context.Context, g *Grant, o Options, now time.Time) (string, error) {
	audience := o.Audience
	if len(audience) == 0 {
		audience = []string{i.issuer}
	}
	expiresAt := now.Add(o.AccessTokenTTL)

	if o.AccessTokenFormat == FormatOpaque {
		if o.SaveAccessToken == nil {
			return "", fmt.Errorf("opaque access tokens require SaveAccessToken")
		}
		value := oauth2.GenerateVerifier()
		err := o.SaveAccessToken(ctx, &storage.AccessToken{
			Value:     value,
			ClientID:  g.ClientID,
			Subject:   g.Subject,
			Scopes:    g.Scopes,
			Audience:  audience,
			IssuedAt:  now,
			ExpiresAt: expiresAt,
		})
		if err != nil {
			return "", fmt.Errorf("failed to save access token: %w", err)
		}
		return value, nil
	}

	var custom map[string]any
	if o.AccessTokenClaims != nil {
		var err error
		if custom, err = o.AccessTokenClaims(ctx, g); err != nil {
			return "", fmt.Errorf("access token claims: %w", err)
		}
	}

	reserved := jwt.MapClaims{
		"iss":       i.issuer,
		"sub":       g.Subject,
		"aud":       audience,
		"exp":       expiresAt.Unix(),
		"iat":       now.Unix(),
		"jti":       uuid.NewString(),
		"client_id": g.ClientID,
	}
	if len(g.Scopes) > 0 {
		reserved["scope"] = protocol.FormatScope(g.Scopes)
	}

	return i.keys.Sign(ctx, mergeClaims(custom, reservedAccessClaims, reserved), keys.TypeAccessToken)
}

func (i *Issuer) issueRefreshToken(ctx context.Context, g *Grant, o Options, now time.Time) (string, error) {
	jti := uuid.NewString()
	expiresAt := now.Add(o.RefreshTokenTTL)

	claims := &RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   g.Subject,
			Audience:  jwt.ClaimStrings{i.issuer},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
		ClientID: g.ClientID,
		Scope:    protocol.FormatScope(g.Scopes),
		Nonce:    g.Nonce,
		User:     g.User,
	}
	if !g.AuthTime.IsZero() {
		claims.AuthTime = g.AuthTime.Unix()
	}

	signed, err := i.keys.Sign(ctx, claims, keys.TypeRefreshToken)
	if err != nil {
		return "", err
	}

	if err := i.nonces.AddNonce(ctx, RefreshNoncePrefix+jti, o.RefreshTokenTTL); err != nil {
		return "", fmt.Errorf("%w: %w", storage.ErrReplayStoreUnavailable, err)
	}

	if o.SaveRefreshToken != nil {
		err := o.SaveRefreshToken(ctx, &storage.RefreshToken{
			ID:        jti,
			ClientID:  g.ClientID,
			Subject:   g.Subject,
			Scopes:    g.Scopes,
			ParentID:  g.ParentRefreshID,
			IssuedAt:  now,
			ExpiresAt: expiresAt,
		})
		if err != nil {
			// the token was never handed out, so it must not stay redeemable
			if _, delErr := i.nonces.DeleteNonce(ctx, RefreshNoncePrefix+jti); delErr != nil {
				i.logger.Warn("Failed to withdraw unsaved refresh token", "jti", util.SafeTruncate(jti, tokenIDLogLength), "error", delErr)
			}
			return "", fmt.Errorf("failed to save refresh token: %w", err)
		}
	}

	i.logger.Debug("Issued refresh token",
		"client_id", g.ClientID,
		"jti", util.SafeTruncate(jti, tokenIDLogLength),
		"parent", util.SafeTruncate(g.ParentRefreshID, tokenIDLogLength))
	return signed, nil
}

func (i *Issuer) issueIDToken(ctx context.Context, g *Grant, o Options, now time.Time, accessToken string) (string, error) {
	var custom map[string]any
	if o.UserClaims != nil {
		var err error
		if custom, err = o.UserClaims(ctx, g.Subject, g.Scopes); err != nil {
			return "", fmt.Errorf("user claims: %w", err)
		}
	}

	reserved := jwt.MapClaims{
		"iss":     i.issuer,
		"sub":     g.Subject,
		"aud":     g.ClientID,
		"azp":     g.ClientID,
		"exp":     now.Add(o.IDTokenTTL).Unix(),
		"iat":     now.Unix(),
		"at_hash": accessTokenHash(accessToken),
	}
	if !g.AuthTime.IsZero() {
		reserved["auth_time"] = g.AuthTime.Unix()
	}
	if g.Nonce != "" {
		reserved["nonce"] = g.Nonce
	}

	return i.keys.Sign(ctx, mergeClaims(custom, reservedIDClaims, reserved), keys.TypeIDToken)
}

// ParseAccessToken verifies a JWT access token.
func (i *Issuer) ParseAccessToken(ctx context.Context, raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := i.parse(ctx, raw, claims, keys.TypeAccessToken); err != nil {
		return nil, err
	}
	return claims, nil
}

// ParseRefreshToken verifies a refresh token's signature, kind, issuer and
// expiry. It does not consult the replay store.
func (i *Issuer) ParseRefreshToken(ctx context.Context, raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := i.parse(ctx, raw, claims, keys.TypeRefreshToken); err != nil {
		return nil, err
	}
	if claims.ID == "" || claims.ClientID == "" {
		return nil, fmt.Errorf("%w: refresh token lacks jti or client_id", ErrInvalidToken)
	}
	return claims, nil
}

// parse verifies raw and checks iss. Key store failures are returned as they
// are; everything else is wrapped in ErrInvalidToken.
func (i *Issuer) parse(ctx context.Context, raw string, claims jwt.Claims, typ string) error {
	if strings.Count(raw, ".") != 2 {
		return fmt.Errorf("%w: not a JWT", ErrInvalidToken)
	}
	if _, err := i.keys.Parse(ctx, raw, claims, typ); err != nil {
		if errors.Is(err, storage.ErrKeyStoreUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	iss, err := claims.GetIssuer()
	if err != nil || iss != i.issuer {
		return fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, iss)
	}
	return nil
}
