package grant

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oauth-engine/internal/testutil"
	"github.com/giantswarm/oauth-engine/protocol"
	"github.com/giantswarm/oauth-engine/token"
)

type refreshFixture struct {
	*harness
	handler *RefreshToken
	revoked []string
}

func newRefreshFixture(t *testing.T, rotate bool, active RefreshTokenActiveFunc) *refreshFixture {
	t.Helper()
	h := newHarness(t, testutil.PublicClient("web"), testutil.PublicClient("other"))
	f := &refreshFixture{harness: h}
	handler, err := NewRefreshToken(RefreshTokenConfig{
		Config:              h.cfg,
		RotateRefreshTokens: rotate,
		RefreshTokenActive:  active,
		RevokeRefreshToken: func(_ context.Context, id string) error {
			f.revoked = append(f.revoked, id)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewRefreshToken() error = %v", err)
	}
	f.handler = handler
	return f
}

// initial issues the tokens an earlier authorization_code exchange would have
func (f *refreshFixture) initial(t *testing.T, scopes ...string) *protocol.TokenResponse {
	t.Helper()
	resp, err := f.issuer.Issue(context.Background(), &token.Grant{
		GrantType: protocol.GrantTypeAuthorizationCode,
		ClientID:  "web",
		Subject:   "alice",
		Scopes:    scopes,
		Nonce:     "n-0S6_WzA2Mj",
		AuthTime:  f.clock.Now(),
		User:      true,
	}, &token.Options{IssueRefreshToken: true})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if resp.RefreshToken == "" {
		t.Fatal("fixture needs a refresh token")
	}
	return resp
}

func refreshRequest(clientID, refreshToken, scope string) *protocol.TokenRequest {
	return &protocol.TokenRequest{
		GrantType:    protocol.GrantTypeRefreshToken,
		RefreshToken: refreshToken,
		Scope:        scope,
		Client:       protocol.ClientCredentials{ClientID: clientID},
	}
}

func TestRefreshToken_Rotation(t *testing.T) {
	ctx := context.Background()
	f := newRefreshFixture(t, true, nil)
	first := f.initial(t, "openid", "offline_access", "read")

	resp, err := f.handler.Token(ctx, refreshRequest("web", first.RefreshToken, ""))
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if resp.RefreshToken == "" || resp.RefreshToken == first.RefreshToken {
		t.Error("rotation should issue a new refresh token")
	}
	if resp.IDToken == "" {
		t.Error("openid should yield an ID token on refresh")
	}
	if resp.Scope != "openid offline_access read" {
		t.Errorf("scope = %q", resp.Scope)
	}

	old, err := f.issuer.ParseRefreshToken(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("ParseRefreshToken() error = %v", err)
	}
	if len(f.revoked) != 1 || f.revoked[0] != old.ID {
		t.Errorf("revoked = %v, want [%s]", f.revoked, old.ID)
	}

	_, err = f.handler.Token(ctx, refreshRequest("web", first.RefreshToken, ""))
	wantProtocolError(t, err, protocol.ErrorCodeInvalidGrant)

	// the rotated token keeps working
	if _, err := f.handler.Token(ctx, refreshRequest("web", resp.RefreshToken, "")); err != nil {
		t.Errorf("rotated token rejected: %v", err)
	}
}

func TestRefreshToken_WithoutRotation(t *testing.T) {
	ctx := context.Background()
	f := newRefreshFixture(t, false, nil)
	first := f.initial(t, "offline_access", "read")

	for i := 0; i < 2; i++ {
		resp, err := f.handler.Token(ctx, refreshRequest("web", first.RefreshToken, ""))
		if err != nil {
			t.Fatalf("refresh %d: Token() error = %v", i, err)
		}
		if resp.RefreshToken != first.RefreshToken {
			t.Errorf("refresh %d: expected the presented refresh token back", i)
		}
	}
	if len(f.revoked) != 0 {
		t.Errorf("nothing should be revoked without rotation, got %v", f.revoked)
	}
}

func TestRefreshToken_Scope(t *testing.T) {
	ctx := context.Background()
	f := newRefreshFixture(t, true, nil)

	t.Run("narrow", func(t *testing.T) {
		first := f.initial(t, "openid", "offline_access", "read")
		resp, err := f.handler.Token(ctx, refreshRequest("web", first.RefreshToken, "read"))
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		if resp.Scope != "read" {
			t.Errorf("scope = %q, want read", resp.Scope)
		}
		if resp.RefreshToken != "" || resp.IDToken != "" {
			t.Error("dropping offline_access and openid should drop those tokens")
		}
	})

	t.Run("widen", func(t *testing.T) {
		first := f.initial(t, "offline_access", "read")
		_, err := f.handler.Token(ctx, refreshRequest("web", first.RefreshToken, "read write"))
		wantProtocolError(t, err, protocol.ErrorCodeInvalidScope)

		// a rejected escalation does not consume the token
		if _, err := f.handler.Token(ctx, refreshRequest("web", first.RefreshToken, "")); err != nil {
			t.Errorf("token should survive a rejected escalation: %v", err)
		}
	})
}

func TestRefreshToken_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newRefreshFixture(t, true, nil)

	t.Run("other client", func(t *testing.T) {
		first := f.initial(t, "offline_access")
		_, err := f.handler.Token(ctx, refreshRequest("other", first.RefreshToken, ""))
		wantProtocolError(t, err, protocol.ErrorCodeInvalidGrant)
	})

	t.Run("access token presented", func(t *testing.T) {
		first := f.initial(t, "offline_access")
		_, err := f.handler.Token(ctx, refreshRequest("web", first.AccessToken, ""))
		wantProtocolError(t, err, protocol.ErrorCodeInvalidGrant)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := f.handler.Token(ctx, refreshRequest("web", "", ""))
		wantProtocolError(t, err, protocol.ErrorCodeInvalidRequest)
	})

	t.Run("expired", func(t *testing.T) {
		first := f.initial(t, "offline_access")
		f.clock.Advance(token.DefaultRefreshTokenTTL + time.Hour)
		_, err := f.handler.Token(ctx, refreshRequest("web", first.RefreshToken, ""))
		wantProtocolError(t, err, protocol.ErrorCodeInvalidGrant)
	})
}

func TestRefreshToken_HostVeto(t *testing.T) {
	ctx := context.Background()
	active := true
	hostErr := error(nil)
	f := newRefreshFixture(t, true, func(_ context.Context, claims *token.RefreshClaims) (bool, error) {
		if claims.Subject != "alice" {
			t.Errorf("host saw subject %q", claims.Subject)
		}
		return active, hostErr
	})
	first := f.initial(t, "offline_access")

	active = false
	_, err := f.handler.Token(ctx, refreshRequest("web", first.RefreshToken, ""))
	wantProtocolError(t, err, protocol.ErrorCodeInvalidGrant)

	hostErr = errors.New("session store down")
	_, err = f.handler.Token(ctx, refreshRequest("web", first.RefreshToken, ""))
	if !errors.Is(err, hostErr) {
		t.Fatalf("Token() error = %v, want the host error", err)
	}

	active, hostErr = true, nil
	if _, err := f.handler.Token(ctx, refreshRequest("web", first.RefreshToken, "")); err != nil {
		t.Errorf("vetoed attempts must not consume the token: %v", err)
	}
}

func TestRefreshToken_IssueFailureUnderRotation(t *testing.T) {
	ctx := context.Background()
	f := newRefreshFixture(t, true, nil)
	first := f.initial(t, "offline_access")

	var logs bytes.Buffer
	boom := errors.New("claims backend down")
	cfg := f.cfg
	cfg.Logger = slog.New(slog.NewJSONHandler(&logs, nil))
	cfg.TokenOptions.AccessTokenClaims = func(context.Context, *token.Grant) (map[string]any, error) {
		return nil, boom
	}
	failing, err := NewRefreshToken(RefreshTokenConfig{Config: cfg, RotateRefreshTokens: true})
	if err != nil {
		t.Fatalf("NewRefreshToken() error = %v", err)
	}

	if _, err := failing.Token(ctx, refreshRequest("web", first.RefreshToken, "")); !errors.Is(err, boom) {
		t.Fatalf("Token() error = %v, want the claims error", err)
	}
	if !strings.Contains(logs.String(), "Refresh token consumed without a replacement") {
		t.Errorf("lost refresh token was not logged: %s", logs.String())
	}

	_, err = f.handler.Token(ctx, refreshRequest("web", first.RefreshToken, ""))
	wantProtocolError(t, err, protocol.ErrorCodeInvalidGrant)
}
