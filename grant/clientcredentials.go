package grant

import (
	"context"

	"github.com/giantswarm/oauth-engine/clientauth"
	"github.com/giantswarm/oauth-engine/protocol"
	"github.com/giantswarm/oauth-engine/token"
)

// ClientCredentials handles the client_credentials grant. The client acts on
// its own behalf: the subject is the client and no refresh or ID token is
// ever issued.
type ClientCredentials struct {
	*base
}

// NewClientCredentials creates the handler
func NewClientCredentials(cfg Config) (*ClientCredentials, error) {
	b, err := newBase(protocol.GrantTypeClientCredentials, cfg)
	if err != nil {
		return nil, err
	}
	return &ClientCredentials{base: b}, nil
}

// Token implements Handler
func (h *ClientCredentials) Token(ctx context.Context, req *protocol.TokenRequest) (*protocol.TokenResponse, error) {
	return h.run(ctx, h, req)
}

func (h *ClientCredentials) validate(_ context.Context, req *protocol.TokenRequest, id *clientauth.Identity) (*token.Grant, error) {
	if id.Client.IsPublic() || id.Method == clientauth.MethodNone {
		return nil, protocol.UnauthorizedClient("public clients cannot use client_credentials")
	}
	scopes, err := h.negotiate(req.Scope, id)
	if err != nil {
		return nil, err
	}
	return &token.Grant{
		GrantType: h.grantType,
		ClientID:  id.ClientID(),
		Subject:   id.ClientID(),
		Scopes:    scopes,
	}, nil
}

func (h *ClientCredentials) issue(ctx context.Context, _ *protocol.TokenRequest, _ *clientauth.Identity, g *token.Grant) (*protocol.TokenResponse, error) {
	opts := h.cfg.TokenOptions
	opts.IssueRefreshToken = false
	resp, err := h.cfg.Issuer.Issue(ctx, g, &opts)
	if err != nil {
		return nil, err
	}
	h.cfg.Auditor.LogTokenIssued(g.Subject, g.ClientID, string(h.grantType), resp.Scope, false)
	return resp, nil
}
