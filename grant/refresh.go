package grant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/giantswarm/oauth-engine/clientauth"
	"github.com/giantswarm/oauth-engine/internal/util"
	"github.com/giantswarm/oauth-engine/protocol"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
	"github.com/giantswarm/oauth-engine/token"
)

const tokenIDLogLength = 8

// RefreshTokenActiveFunc lets the host veto a refresh token, e.g. after the
// user's session ended.
type RefreshTokenActiveFunc func(ctx context.Context, claims *token.RefreshClaims) (bool, error)

// RevokeRefreshTokenFunc is told about refresh tokens the engine retired.
type RevokeRefreshTokenFunc func(ctx context.Context, id string) error

// RefreshTokenConfig configures the refresh_token grant.
type RefreshTokenConfig struct {
	Config

	// RotateRefreshTokens makes refresh tokens single use: every refresh
	// consumes the presented token and issues a new one.
	RotateRefreshTokens bool

	RefreshTokenActive RefreshTokenActiveFunc
	RevokeRefreshToken RevokeRefreshTokenFunc
}

// RefreshToken handles the refresh_token grant.
type RefreshToken struct {
	*base
	rotate bool
	active RefreshTokenActiveFunc
	revoke RevokeRefreshTokenFunc
}

// NewRefreshToken creates the handler.
func NewRefreshToken(cfg RefreshTokenConfig) (*RefreshToken, error) {
	b, err := newBase(protocol.GrantTypeRefreshToken, cfg.Config)
	if err != nil {
		return nil, err
	}
	return &RefreshToken{
		base:   b,
		rotate: cfg.RotateRefreshTokens,
		active: cfg.RefreshTokenActive,
		revoke: cfg.RevokeRefreshToken,
	}, nil
}

// Rotates reports whether refresh tokens are single use
func (h *RefreshToken) Rotates() bool {
	return h.rotate
}

// Token implements Handler
func (h *RefreshToken) Token(ctx context.Context, req *protocol.TokenRequest) (*protocol.TokenResponse, error) {
	return h.run(ctx, h, req)
}

func (h *RefreshToken) validate(ctx context.Context, req *protocol.TokenRequest, id *clientauth.Identity) (*token.Grant, error) {
	if req.RefreshToken == "" {
		return nil, protocol.InvalidRequest("refresh_token is required")
	}

	issuer := h.cfg.Issuer
	claims, err := issuer.ParseRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrKeyStoreUnavailable) {
			return nil, err
		}
		return nil, protocol.InvalidGrant("refresh token is invalid or expired")
	}
	if claims.ClientID != id.ClientID() {
		return nil, protocol.InvalidGrant("refresh token was issued to another client")
	}

	granted := protocol.ParseScope(claims.Scope)
	scopes, missing := narrowScope(protocol.ParseScope(req.Scope), granted)
	if len(missing) > 0 {
		h.cfg.Auditor.LogEvent(security.Event{
			Type:      security.EventScopeEscalationAttempt,
			Subject:   claims.Subject,
			ClientID:  id.ClientID(),
			GrantType: string(h.grantType),
			Details: map[string]any{
				"requested": req.Scope,
				"granted":   claims.Scope,
			},
		})
		return nil, protocol.InvalidScope(fmt.Sprintf("scope exceeds the original grant: %s", strings.Join(missing, " ")))
	}

	if h.active != nil {
		ok, err := h.active(ctx, claims)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, protocol.InvalidGrant("refresh token is no longer active")
		}
	}

	nonceKey := token.RefreshNoncePrefix + claims.ID
	var live bool
	if h.rotate {
		live, err = issuer.Nonces().DeleteNonce(ctx, nonceKey)
	} else {
		live, err = issuer.Nonces().HasNonce(ctx, nonceKey)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrReplayStoreUnavailable, err)
	}
	if !live {
		if h.rotate {
			h.cfg.Instrumentation.Metrics().RecordReuseDetected(ctx, "refresh_token")
			h.cfg.Auditor.LogReuseDetected(security.EventRefreshTokenReuseDetected, id.ClientID(), string(h.grantType), claims.ID)
			h.logger.Warn("Refresh token reuse detected",
				"client_id", id.ClientID(),
				"jti", util.SafeTruncate(claims.ID, tokenIDLogLength))
		}
		return nil, protocol.InvalidGrant("refresh token has been revoked or already used")
	}

	g := &token.Grant{
		GrantType:       h.grantType,
		ClientID:        id.ClientID(),
		Subject:         claims.Subject,
		Scopes:          scopes,
		Nonce:           claims.Nonce,
		User:            claims.User,
		ParentRefreshID: claims.ID,
	}
	if claims.AuthTime > 0 {
		g.AuthTime = time.Unix(claims.AuthTime, 0)
	}
	return g, nil
}

// issue re-issues the access token. With rotation a new refresh token replaces
// the presented one; without it the presented token is handed back.
func (h *RefreshToken) issue(ctx context.Context, req *protocol.TokenRequest, _ *clientauth.Identity, g *token.Grant) (*protocol.TokenResponse, error) {
	opts := h.cfg.TokenOptions
	opts.IssueRefreshToken = h.rotate && opts.IssueRefreshToken

	resp, err := h.cfg.Issuer.Issue(ctx, g, &opts)
	if err != nil {
		if h.rotate {
			// the presented token was consumed in validate and is not restored
			h.logger.Warn("Refresh token consumed without a replacement",
				"client_id", g.ClientID,
				"jti", util.SafeTruncate(g.ParentRefreshID, tokenIDLogLength),
				"error", err)
		}
		return nil, err
	}

	if h.rotate {
		h.retire(ctx, g.ParentRefreshID)
	} else if protocol.HasScope(g.Scopes, protocol.ScopeOfflineAccess) {
		resp.RefreshToken = req.RefreshToken
	}

	h.cfg.Auditor.LogTokenRefreshed(g.Subject, g.ClientID, h.rotate)
	return resp, nil
}

// retire tells the host that a rotated token is gone. The replay store has
// already consumed it, so a failing callback is logged, not returned.
func (h *RefreshToken) retire(ctx context.Context, id string) {
	if h.revoke == nil {
		return
	}
	if err := h.revoke(ctx, id); err != nil {
		h.logger.Warn("Failed to revoke rotated refresh token",
			"jti", util.SafeTruncate(id, tokenIDLogLength),
			"error", err)
	}
}
