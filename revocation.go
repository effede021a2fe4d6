package oauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-engine/clientauth"
	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/internal/util"
	"github.com/giantswarm/oauth-engine/protocol"
	"github.com/giantswarm/oauth-engine/storage"
	"github.com/giantswarm/oauth-engine/token"
)

const tokenIDLogLength = 8

// tokenInfo is what the deployment knows about a presented token
type tokenInfo struct {
	hint      string
	clientID  string
	subject   string
	scope     string
	id        string
	issuedAt  time.Time
	expiresAt time.Time

	// opaque is set for stored access tokens
	opaque bool
}

// Revoke implements RFC 7009. Refresh tokens leave the replay store and the
// host is told through the refresh revocation callback; opaque access tokens
// are deleted. JWT access tokens cannot be revoked and expire on their own.
// Unknown tokens, and tokens of other clients, succeed without effect.
func (d *Deployment) Revoke(ctx context.Context, req *protocol.RevocationRequest) error {
	ctx, span := d.tracer.Start(ctx, "oauth.revocation")
	defer span.End()

	id, err := d.authenticate(ctx, &req.Client)
	if err != nil {
		instrumentation.RecordError(span, err)
		return err
	}
	if req.Token == "" {
		return protocol.InvalidRequest("token is required")
	}

	info, err := d.lookupToken(ctx, req.Token, req.TokenTypeHint)
	if err != nil {
		instrumentation.RecordError(span, err)
		return err
	}
	if info == nil {
		d.logger.Debug("Revocation of unknown token", "client_id", id.ClientID())
		instrumentation.SetSpanSuccess(span)
		return nil
	}
	if info.clientID != id.ClientID() {
		d.logger.Warn("Client tried to revoke a token issued to another client",
			"client_id", id.ClientID(),
			"token_client_id", info.clientID)
		instrumentation.SetSpanSuccess(span)
		return nil
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, info.clientID),
		attribute.String("oauth.token.type", info.hint))

	switch {
	case info.hint == protocol.TokenTypeHintRefreshToken:
		if _, err := d.nonces.DeleteNonce(ctx, token.RefreshNoncePrefix+info.id); err != nil {
			err = fmt.Errorf("%w: %w", storage.ErrReplayStoreUnavailable, err)
			instrumentation.RecordError(span, err)
			return err
		}
		if d.revokeRefreshToken != nil {
			if err := d.revokeRefreshToken(ctx, info.id); err != nil {
				instrumentation.RecordError(span, err)
				return err
			}
		}
	case info.opaque:
		if err := d.accessTokens.DeleteAccessToken(ctx, req.Token); err != nil {
			instrumentation.RecordError(span, err)
			return err
		}
	default:
		d.logger.Debug("JWT access token left to expire", "client_id", info.clientID)
		instrumentation.SetSpanSuccess(span)
		return nil
	}

	d.instrumentation.Metrics().RecordTokenRevocation(ctx, info.hint)
	d.auditor.LogTokenRevoked(info.subject, info.clientID, info.hint)
	d.logger.Info("Token revoked",
		"client_id", info.clientID,
		"token_type", info.hint,
		"token_id", util.SafeTruncate(info.id, tokenIDLogLength))
	instrumentation.SetSpanSuccess(span)
	return nil
}

// Introspect implements RFC 7662. Confidential clients may introspect any
// token; public clients only their own. Everything else reports inactive.
func (d *Deployment) Introspect(ctx context.Context, req *protocol.IntrospectionRequest) (*protocol.IntrospectionResponse, error) {
	ctx, span := d.tracer.Start(ctx, "oauth.introspection")
	defer span.End()

	id, err := d.authenticate(ctx, &req.Client)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if req.Token == "" {
		return nil, protocol.InvalidRequest("token is required")
	}

	info, err := d.lookupToken(ctx, req.Token, req.TokenTypeHint)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	if info == nil {
		return &protocol.IntrospectionResponse{Active: false}, nil
	}
	if id.Client.IsPublic() && info.clientID != id.ClientID() {
		d.logger.Warn("Public client introspected a token issued to another client",
			"client_id", id.ClientID(),
			"token_client_id", info.clientID)
		return &protocol.IntrospectionResponse{Active: false}, nil
	}

	tokenType := protocol.TokenTypeBearer
	if info.hint == protocol.TokenTypeHintRefreshToken {
		tokenType = protocol.TokenTypeHintRefreshToken
	}
	return &protocol.IntrospectionResponse{
		Active:    true,
		Scope:     info.scope,
		ClientID:  info.clientID,
		Subject:   info.subject,
		TokenType: tokenType,
		ExpiresAt: unixOrZero(info.expiresAt),
		IssuedAt:  unixOrZero(info.issuedAt),
		Issuer:    d.issuerURL,
		JTI:       info.id,
	}, nil
}

func (d *Deployment) authenticate(ctx context.Context, creds *clientauth.Credentials) (*clientauth.Identity, error) {
	id, err := d.clients.Resolve(ctx, creds)
	if err != nil {
		var authErr *clientauth.Error
		if errors.As(err, &authErr) {
			return nil, authErr.ProtocolError()
		}
		return nil, err
	}
	return id, nil
}

// lookupToken identifies a live token. The hint only decides which kind is
// tried first. It returns nil for unknown, expired or consumed tokens.
func (d *Deployment) lookupToken(ctx context.Context, raw, hint string) (*tokenInfo, error) {
	lookups := []func(context.Context, string) (*tokenInfo, error){d.accessTokenInfo, d.refreshTokenInfo}
	if hint == protocol.TokenTypeHintRefreshToken {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}
	for _, lookup := range lookups {
		info, err := lookup(ctx, raw)
		if err != nil || info != nil {
			return info, err
		}
	}
	return nil, nil
}

func (d *Deployment) accessTokenInfo(ctx context.Context, raw string) (*tokenInfo, error) {
	if strings.Count(raw, ".") == 2 {
		claims, err := d.issuer.ParseAccessToken(ctx, raw)
		if errors.Is(err, storage.ErrKeyStoreUnavailable) {
			return nil, err
		}
		if err != nil {
			return nil, nil
		}
		return &tokenInfo{
			hint:      protocol.TokenTypeHintAccessToken,
			clientID:  claims.ClientID,
			subject:   claims.Subject,
			scope:     claims.Scope,
			id:        claims.ID,
			issuedAt:  numericDate(claims.IssuedAt),
			expiresAt: numericDate(claims.ExpiresAt),
		}, nil
	}

	if d.accessTokens == nil {
		return nil, nil
	}
	rec, err := d.accessTokens.GetAccessToken(ctx, raw)
	if errors.Is(err, storage.ErrAccessTokenNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !d.issuer.Now().Before(rec.ExpiresAt) {
		return nil, nil
	}
	return &tokenInfo{
		hint:      protocol.TokenTypeHintAccessToken,
		clientID:  rec.ClientID,
		subject:   rec.Subject,
		scope:     protocol.FormatScope(rec.Scopes),
		issuedAt:  rec.IssuedAt,
		expiresAt: rec.ExpiresAt,
		opaque:    true,
	}, nil
}

func (d *Deployment) refreshTokenInfo(ctx context.Context, raw string) (*tokenInfo, error) {
	claims, err := d.issuer.ParseRefreshToken(ctx, raw)
	if errors.Is(err, storage.ErrKeyStoreUnavailable) {
		return nil, err
	}
	if err != nil {
		return nil, nil
	}
	live, err := d.nonces.HasNonce(ctx, token.RefreshNoncePrefix+claims.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrReplayStoreUnavailable, err)
	}
	if !live {
		return nil, nil
	}
	return &tokenInfo{
		hint:      protocol.TokenTypeHintRefreshToken,
		clientID:  claims.ClientID,
		subject:   claims.Subject,
		scope:     claims.Scope,
		id:        claims.ID,
		issuedAt:  numericDate(claims.IssuedAt),
		expiresAt: numericDate(claims.ExpiresAt),
	}, nil
}

func numericDate(d *jwt.NumericDate) time.Time {
	if d == nil {
		return time.Time{}
	}
	return d.Time
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
