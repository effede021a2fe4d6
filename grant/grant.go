package grant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-engine/clientauth"
	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/protocol"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/token"
)

// State is a stage of a token request.
type State string

// States of the grant state machine
const (
	StateReceived            State = "received"
	StateClientAuthenticated State = "client_authenticated"
	StateGrantValidated      State = "grant_validated"
	StateIssued              State = "issued"
	StateRejected            State = "rejected"
)

// Handler serves token requests for one grant type.
type Handler interface {
	GrantType() protocol.GrantType
	Token(ctx context.Context, req *protocol.TokenRequest) (*protocol.TokenResponse, error)
}

// Config is shared by every handler.
type Config struct {
	Issuer  *token.Issuer
	Clients *clientauth.Resolver

	// Scopes are the scopes the flow advertises. Empty means the flow does not
	// restrict scopes beyond the client's own list.
	Scopes []string

	// DefaultScopes are granted when a request names no scope
	DefaultScopes []string

	// TokenOptions are handed to the issuer for every grant
	TokenOptions token.Options

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
	Auditor         *security.Auditor
}

// steps are the grant-specific parts of the state machine
type steps interface {
	authenticate(ctx context.Context, req *protocol.TokenRequest) (*clientauth.Identity, error)
	validate(ctx context.Context, req *protocol.TokenRequest, id *clientauth.Identity) (*token.Grant, error)
	issue(ctx context.Context, req *protocol.TokenRequest, id *clientauth.Identity, g *token.Grant) (*protocol.TokenResponse, error)
}

// base carries the shared configuration and the default steps
type base struct {
	grantType protocol.GrantType
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
}

func newBase(grantType protocol.GrantType, cfg Config) (*base, error) {
	if cfg.Issuer == nil {
		return nil, fmt.Errorf("%s: token issuer is required", grantType)
	}
	if cfg.Clients == nil {
		return nil, fmt.Errorf("%s: client authentication is required", grantType)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &base{
		grantType: grantType,
		cfg:       cfg,
		logger:    cfg.Logger.With("grant_type", string(grantType)),
		tracer:    cfg.Instrumentation.Tracer("grant"),
	}, nil
}

// GrantType implements Handler
func (b *base) GrantType() protocol.GrantType {
	return b.grantType
}

// spanName returns a short, low-cardinality span name
func (b *base) spanName() string {
	switch b.grantType {
	case protocol.GrantTypeDeviceCode:
		return "grant.device_code"
	default:
		return "grant." + string(b.grantType)
	}
}

// run drives a token request through the state machine.
func (b *base) run(ctx context.Context, s steps, req *protocol.TokenRequest) (*protocol.TokenResponse, error) {
	start := time.Now()
	ctx, span := b.tracer.Start(ctx, b.spanName())
	defer span.End()

	state := StateReceived
	b.enter(span, state)

	if req.GrantType != b.grantType {
		return nil, b.reject(ctx, span, state, start, protocol.UnsupportedGrantType(fmt.Sprintf("grant_type %q is not handled here", req.GrantType)))
	}

	id, err := s.authenticate(ctx, req)
	if err != nil {
		return nil, b.reject(ctx, span, state, start, err)
	}
	state = StateClientAuthenticated
	b.enter(span, state)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrAuthMethod, string(id.Method)))

	g, err := s.validate(ctx, req, id)
	if err != nil {
		return nil, b.reject(ctx, span, state, start, err)
	}
	state = StateGrantValidated
	b.enter(span, state)
	instrumentation.AddOAuthFlowAttributes(span, g.ClientID, g.Subject, protocol.FormatScope(g.Scopes))

	resp, err := s.issue(ctx, req, id, g)
	if err != nil {
		return nil, b.reject(ctx, span, state, start, err)
	}
	b.enter(span, StateIssued)

	b.cfg.Instrumentation.Metrics().RecordGrant(ctx, string(b.grantType), "issued", sinceMs(start))
	instrumentation.SetSpanSuccess(span)
	b.logger.Info("Issued tokens",
		"client_id", g.ClientID,
		"scope", resp.Scope,
		"refresh_token", resp.RefreshToken != "",
		"id_token", resp.IDToken != "")
	return resp, nil
}

func (b *base) enter(span trace.Span, state State) {
	instrumentation.AddGrantStateAttribute(span, string(state))
	b.logger.Debug("Grant state", "state", string(state))
}

// reject records a rejection in state and returns the error the caller sees:
// a protocol error, or the original infrastructure error.
func (b *base) reject(ctx context.Context, span trace.Span, state State, start time.Time, err error) error {
	out := err
	code := protocol.ErrorCodeServerError

	var authErr *clientauth.Error
	if errors.As(err, &authErr) {
		out = authErr.ProtocolError()
	}
	if pe, ok := protocol.AsError(out); ok {
		code = pe.Code
		out = pe
		b.logger.Info("Grant rejected", "state", string(state), "error", pe.Code, "reason", err.Error())
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrError, pe.Code))
		instrumentation.SetSpanError(span, pe.Code)
	} else {
		b.logger.Error("Grant failed", "state", string(state), "error", err)
		instrumentation.RecordError(span, err)
	}
	b.enter(span, StateRejected)

	metrics := b.cfg.Instrumentation.Metrics()
	metrics.RecordGrantRejected(ctx, string(b.grantType), string(state), code)
	metrics.RecordGrant(ctx, string(b.grantType), "rejected", sinceMs(start))
	return out
}

// authenticate resolves the client and checks it may use this grant type.
func (b *base) authenticate(ctx context.Context, req *protocol.TokenRequest) (*clientauth.Identity, error) {
	creds := req.Client
	return b.authenticateClient(ctx, &creds)
}

func (b *base) authenticateClient(ctx context.Context, creds *clientauth.Credentials) (*clientauth.Identity, error) {
	id, err := b.cfg.Clients.Resolve(ctx, creds)
	if err != nil {
		return nil, err
	}
	if gts := id.Client.GrantTypes; len(gts) > 0 && !slices.Contains(gts, string(b.grantType)) {
		return nil, protocol.UnauthorizedClient(fmt.Sprintf("client is not allowed to use %s", b.grantType))
	}
	return id, nil
}

// issue mints tokens with the flow's options.
func (b *base) issue(ctx context.Context, _ *protocol.TokenRequest, _ *clientauth.Identity, g *token.Grant) (*protocol.TokenResponse, error) {
	opts := b.cfg.TokenOptions
	resp, err := b.cfg.Issuer.Issue(ctx, g, &opts)
	if err != nil {
		return nil, err
	}
	b.cfg.Auditor.LogTokenIssued(g.Subject, g.ClientID, string(b.grantType), resp.Scope, resp.RefreshToken != "")
	return resp, nil
}

// negotiate applies the scope rules of the flow to a request.
func (b *base) negotiate(requested string, id *clientauth.Identity) ([]string, error) {
	return negotiateScope(protocol.ParseScope(requested), id.Client.Scopes, b.cfg.Scopes, b.cfg.DefaultScopes)
}

func sinceMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
