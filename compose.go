package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"

	"github.com/go-jose/go-jose/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-engine/clientauth"
	"github.com/giantswarm/oauth-engine/grant"
	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/keys"
	"github.com/giantswarm/oauth-engine/protocol"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
	"github.com/giantswarm/oauth-engine/token"
)

// Operation names what an endpoint does
type Operation string

// Operations served by a Deployment
const (
	OperationAuthorize           Operation = "authorize"
	OperationToken               Operation = "token"
	OperationDeviceAuthorization Operation = "device_authorization"
	OperationJWKS                Operation = "jwks"
	OperationMetadata            Operation = "metadata"
	OperationRevocation          Operation = "revocation"
	OperationIntrospection       Operation = "introspection"
	OperationLoginCallback       Operation = "login_callback"
)

// Route describes one HTTP endpoint. Hosts mount routes on their router of
// choice; Handler.Router does it for chi.
type Route struct {
	Name      string
	Methods   []string
	Path      string
	Operation Operation
}

// Scope is an advertised scope
type Scope struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func scopeList(m map[string]string) []Scope {
	out := make([]Scope, 0, len(m))
	for _, name := range sortedKeys(m) {
		out = append(out, Scope{Name: name, Description: m[name]})
	}
	return out
}

// Deployment is a set of flows sharing one issuer, key store, replay store and
// token endpoint. It is safe for concurrent use.
type Deployment struct {
	flows  map[protocol.GrantType]*FlowConfiguration
	order  []protocol.GrantType
	routes []Route
	scopes map[string]string

	issuerURL string
	paths     Paths
	keys      *keys.Store
	nonces    storage.NonceStore
	issuer    *token.Issuer

	// clients authenticates revocation and introspection callers with every
	// method any flow accepts
	clients *clientauth.Resolver

	accessTokens       storage.AccessTokenStore
	revokeRefreshToken grant.RevokeRefreshTokenFunc

	// loginCallback completes upstream logins, when configured
	loginCallback http.HandlerFunc

	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
	auditor         *security.Auditor
	tracer          trace.Tracer

	closers []func()
}

// Compose merges flows into a Deployment. The flows must agree on issuer,
// key store, replay store and token path, and no grant type may appear twice.
func Compose(flows ...*FlowConfiguration) (*Deployment, error) {
	if len(flows) == 0 {
		return nil, configErr("", "Flows", "at least one flow is required")
	}
	for i, f := range flows {
		if f == nil {
			return nil, configErr("", "Flows", fmt.Sprintf("flow %d is nil", i))
		}
	}

	first := flows[0]
	d := &Deployment{
		flows:           make(map[protocol.GrantType]*FlowConfiguration, len(flows)),
		scopes:          make(map[string]string),
		issuerURL:       first.issuerURL,
		paths:           first.paths,
		keys:            first.keys,
		nonces:          first.nonces,
		issuer:          first.issuer,
		logger:          first.logger,
		instrumentation: first.instrumentation,
		auditor:         first.auditor,
	}
	d.tracer = d.instrumentation.Tracer("oauth")

	for _, f := range flows {
		gt := f.grantType
		if _, dup := d.flows[gt]; dup {
			return nil, configErr(gt, "GrantType", "grant type composed twice")
		}
		if f.paths.Token != d.paths.Token {
			return nil, configErr(gt, "TokenPath", fmt.Sprintf("%q differs from %q", f.paths.Token, d.paths.Token))
		}
		if f.keys != d.keys {
			return nil, configErr(gt, "KeyStore", "flows must share one key store")
		}
		if f.nonces != d.nonces {
			return nil, configErr(gt, "ReplayStore", "flows must share one replay store")
		}
		if f.issuerURL != d.issuerURL {
			return nil, configErr(gt, "Issuer", fmt.Sprintf("%q differs from %q", f.issuerURL, d.issuerURL))
		}
		for name, desc := range f.scopes {
			if have, ok := d.scopes[name]; ok && have != desc {
				return nil, configErr(gt, "Scopes", fmt.Sprintf("scope %q described differently by two flows", name))
			}
			d.scopes[name] = desc
		}
		d.flows[gt] = f
		d.order = append(d.order, gt)
		if f.closer != nil {
			d.closers = append(d.closers, f.closer)
		}
		if d.accessTokens == nil {
			d.accessTokens = f.accessTokenStore
		}
	}

	d.routes = mergeRoutes(flows)
	d.clients = unionResolver(d, flows)
	d.revokeRefreshToken = refreshRevoker(d, flows)
	return d, nil
}

// mergeRoutes collects every flow's routes. Routes on the same path merge
// their methods; the first flow's name and operation win.
func mergeRoutes(flows []*FlowConfiguration) []Route {
	var out []Route
	byPath := make(map[string]int)
	for _, f := range flows {
		for _, r := range f.Routes() {
			i, ok := byPath[r.Path]
			if !ok {
				byPath[r.Path] = len(out)
				r.Methods = slices.Clone(r.Methods)
				out = append(out, r)
				continue
			}
			for _, m := range r.Methods {
				if !slices.Contains(out[i].Methods, m) {
					out[i].Methods = append(out[i].Methods, m)
				}
			}
		}
	}
	return out
}

// unionResolver builds a resolver over every authentication method of every
// flow, in order of first appearance.
func unionResolver(d *Deployment, flows []*FlowConfiguration) *clientauth.Resolver {
	seen := make(map[clientauth.Method]bool)
	var auths []clientauth.Authenticator
	for _, f := range flows {
		for _, a := range f.authenticators {
			if seen[a.Method()] {
				continue
			}
			seen[a.Method()] = true
			auths = append(auths, a)
		}
	}
	r := clientauth.NewResolver(auths...)
	r.SetLogger(d.logger)
	r.SetInstrumentation(d.instrumentation)
	r.SetAuditor(d.auditor)
	return r
}

// refreshRevoker prefers the refresh_token flow's revocation callback
func refreshRevoker(d *Deployment, flows []*FlowConfiguration) grant.RevokeRefreshTokenFunc {
	if f, ok := d.flows[protocol.GrantTypeRefreshToken]; ok && f.callbacks.RevokeRefreshToken != nil {
		return f.callbacks.RevokeRefreshToken
	}
	for _, f := range flows {
		if f.callbacks.RevokeRefreshToken != nil {
			return f.callbacks.RevokeRefreshToken
		}
	}
	return nil
}

// Token dispatches a token request to the flow for its grant type.
func (d *Deployment) Token(ctx context.Context, req *protocol.TokenRequest) (*protocol.TokenResponse, error) {
	ctx, span := d.tracer.Start(ctx, "oauth.token")
	defer span.End()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, string(req.GrantType)))

	if req.GrantType == "" {
		err := protocol.InvalidRequest("grant_type is required")
		instrumentation.SetSpanError(span, err.Error())
		return nil, err
	}
	f, ok := d.flows[req.GrantType]
	if !ok {
		err := protocol.UnsupportedGrantType(fmt.Sprintf("grant_type %q is not supported", req.GrantType))
		instrumentation.SetSpanError(span, err.Error())
		d.logger.Info("Unsupported grant type", "grant_type", string(req.GrantType), "client_id", req.ClientID())
		return nil, err
	}

	resp, err := f.handler.Token(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

// Authorize serves the authorization endpoint. It requires an
// authorization_code flow.
func (d *Deployment) Authorize(ctx context.Context, req *protocol.AuthorizeRequest) (*protocol.AuthorizeResponse, error) {
	ctx, span := d.tracer.Start(ctx, "oauth.authorize")
	defer span.End()

	h, ok := d.handler(protocol.GrantTypeAuthorizationCode).(*grant.AuthorizationCode)
	if !ok {
		err := &protocol.AuthorizeError{Err: protocol.UnsupportedResponseType("the authorization code flow is not enabled")}
		instrumentation.SetSpanError(span, err.Error())
		return nil, err
	}
	resp, err := h.Authorize(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

// DeviceAuthorize serves the device authorization endpoint. It requires a
// device_code flow.
func (d *Deployment) DeviceAuthorize(ctx context.Context, req *protocol.DeviceAuthorizationRequest) (*protocol.DeviceAuthorizationResponse, error) {
	ctx, span := d.tracer.Start(ctx, "oauth.device_authorization")
	defer span.End()

	h, ok := d.handler(protocol.GrantTypeDeviceCode).(*grant.DeviceCode)
	if !ok {
		err := protocol.UnsupportedGrantType("the device authorization flow is not enabled")
		instrumentation.SetSpanError(span, err.Error())
		return nil, err
	}
	resp, err := h.DeviceAuthorize(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

// JWKS returns the public signing keys, including retired keys still inside
// their grace period.
func (d *Deployment) JWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	return d.keys.JWKS(ctx)
}

func (d *Deployment) handler(gt protocol.GrantType) grant.Handler {
	if f, ok := d.flows[gt]; ok {
		return f.handler
	}
	return nil
}

// Routes returns the endpoints of every flow, de-duplicated by path
func (d *Deployment) Routes() []Route {
	out := make([]Route, len(d.routes))
	for i, r := range d.routes {
		r.Methods = slices.Clone(r.Methods)
		out[i] = r
	}
	return out
}

// Scopes returns the union of advertised scopes, sorted by name
func (d *Deployment) Scopes() []Scope {
	return scopeList(d.scopes)
}

// GrantTypes returns the composed grant types in composition order
func (d *Deployment) GrantTypes() []protocol.GrantType {
	return slices.Clone(d.order)
}

// Flow returns the flow for grantType
func (d *Deployment) Flow(grantType protocol.GrantType) (*FlowConfiguration, bool) {
	f, ok := d.flows[grantType]
	return f, ok
}

// Issuer returns the issuer URL
func (d *Deployment) Issuer() string {
	return d.issuerURL
}

// Logger returns the logger of the first flow
func (d *Deployment) Logger() *slog.Logger {
	return d.logger
}

// Instrumentation returns the instrumentation of the first flow, possibly nil
func (d *Deployment) Instrumentation() *instrumentation.Instrumentation {
	return d.instrumentation
}

// AddCloser registers fn to run on Close, after the flows are closed.
func (d *Deployment) AddCloser(fn func()) {
	d.closers = append(d.closers, fn)
}

// SetLoginCallback adds a GET route at path completing upstream logins. It
// must be called before the routes are mounted.
func (d *Deployment) SetLoginCallback(path string, fn http.HandlerFunc) {
	d.loginCallback = fn
	d.routes = append(d.routes, Route{
		Name:      string(OperationLoginCallback),
		Methods:   []string{http.MethodGet},
		Path:      path,
		Operation: OperationLoginCallback,
	})
}

// Close stops background work of every flow and runs registered closers.
func (d *Deployment) Close() {
	for _, fn := range d.closers {
		fn()
	}
}

// OAuthFlow is one entry of an OpenAPI oauth2 security scheme
type OAuthFlow struct {
	AuthorizationURL       string            `json:"authorizationUrl,omitempty" yaml:"authorizationUrl,omitempty"`
	DeviceAuthorizationURL string            `json:"deviceAuthorizationUrl,omitempty" yaml:"deviceAuthorizationUrl,omitempty"`
	TokenURL               string            `json:"tokenUrl" yaml:"tokenUrl"`
	RefreshURL             string            `json:"refreshUrl,omitempty" yaml:"refreshUrl,omitempty"`
	Scopes                 map[string]string `json:"scopes" yaml:"scopes"`
}

// SecurityScheme is an OpenAPI oauth2 security scheme object
type SecurityScheme struct {
	Type  string                `json:"type" yaml:"type"`
	Flows map[string]*OAuthFlow `json:"flows" yaml:"flows"`
}

// SecurityScheme describes the deployment as an OpenAPI oauth2 security
// scheme. The refresh_token flow contributes refreshUrl to the others.
func (d *Deployment) SecurityScheme() *SecurityScheme {
	tokenURL := d.issuerURL + d.paths.Token
	refreshURL := ""
	if _, ok := d.flows[protocol.GrantTypeRefreshToken]; ok {
		refreshURL = tokenURL
	}
	scheme := &SecurityScheme{Type: "oauth2", Flows: make(map[string]*OAuthFlow)}
	for _, gt := range d.order {
		f := d.flows[gt]
		flow := &OAuthFlow{
			TokenURL:   tokenURL,
			RefreshURL: refreshURL,
			Scopes:     maps.Clone(f.scopes),
		}
		if flow.Scopes == nil {
			flow.Scopes = map[string]string{}
		}
		switch gt {
		case protocol.GrantTypeAuthorizationCode:
			flow.AuthorizationURL = d.issuerURL + f.paths.Authorize
			scheme.Flows["authorizationCode"] = flow
		case protocol.GrantTypeClientCredentials:
			scheme.Flows["clientCredentials"] = flow
		case protocol.GrantTypeDeviceCode:
			flow.DeviceAuthorizationURL = d.issuerURL + f.paths.DeviceAuthorization
			scheme.Flows["deviceAuthorization"] = flow
		}
	}
	return scheme
}
