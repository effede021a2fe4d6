package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/giantswarm/oauth-engine/clientauth"
	"github.com/giantswarm/oauth-engine/grant"
	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/internal/util"
	"github.com/giantswarm/oauth-engine/keys"
	"github.com/giantswarm/oauth-engine/protocol"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
	"github.com/giantswarm/oauth-engine/token"
)

// Default endpoint paths
const (
	DefaultAuthorizePath           = "/authorize"
	DefaultTokenPath               = "/token"
	DefaultDeviceAuthorizationPath = "/device_authorization"
	DefaultJWKSPath                = "/.well-known/jwks.json"
	DefaultRevocationPath          = "/revoke"
	DefaultIntrospectionPath       = "/introspect"
	MetadataPath                   = "/.well-known/oauth-authorization-server"
	OpenIDConfigurationPath        = "/.well-known/openid-configuration"
)

// Paths are the endpoint paths relative to the issuer URL.
type Paths struct {
	Authorize           string
	Token               string
	DeviceAuthorization string
	JWKS                string
	Revocation          string
	Introspection       string
}

// DefaultPaths returns the default endpoint layout
func DefaultPaths() Paths {
	return Paths{
		Authorize:           DefaultAuthorizePath,
		Token:               DefaultTokenPath,
		DeviceAuthorization: DefaultDeviceAuthorizationPath,
		JWKS:                DefaultJWKSPath,
		Revocation:          DefaultRevocationPath,
		Introspection:       DefaultIntrospectionPath,
	}
}

// Callbacks are the host collaborators a flow calls into. Only the ones its
// grant type uses are consulted.
type Callbacks struct {
	GenerateCode        grant.GenerateCodeFunc
	CheckDeviceApproval grant.CheckDeviceApprovalFunc
	UserCodeIssued      grant.UserCodeIssuedFunc
	GenerateUserCode    func() (string, error)
	RefreshTokenActive  grant.RefreshTokenActiveFunc
	RevokeRefreshToken  grant.RevokeRefreshTokenFunc
	SaveAccessToken     func(ctx context.Context, t *storage.AccessToken) error
	SaveRefreshToken    func(ctx context.Context, t *storage.RefreshToken) error
	AccessTokenClaims   func(ctx context.Context, g *token.Grant) (map[string]any, error)
	UserClaims          func(ctx context.Context, subject string, scopes []string) (map[string]any, error)
}

// FlowBuilder describes one grant flow. It is a value: every With method
// returns a modified copy and leaves the receiver untouched, so a partially
// configured builder can be shared as a template.
type FlowBuilder struct {
	grantType protocol.GrantType

	issuer  string
	keys    *keys.Store
	nonces  storage.NonceStore
	lookup  clientauth.ClientLookup
	methods []clientauth.Method
	public  bool

	scopes        map[string]string
	defaultScopes []string

	accessTokenFormat string
	audience          []string
	tokenTTL          time.Duration
	refreshTokenTTL   time.Duration
	idTokenTTL        time.Duration
	codeTTL           time.Duration
	deviceCodeTTL     time.Duration
	pollInterval      time.Duration
	refreshTokens     bool
	rotate            bool
	slowDown          bool

	verificationURI         string
	verificationURIComplete bool

	paths     Paths
	callbacks Callbacks

	accessTokenStore  storage.AccessTokenStore
	refreshTokenStore storage.RefreshTokenStore

	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
	auditor         *security.Auditor
	now             func() time.Time
}

// NewFlow starts a builder for grantType with secure defaults: secret based
// client authentication, rotating refresh tokens and JWT access tokens.
func NewFlow(grantType protocol.GrantType) FlowBuilder {
	return FlowBuilder{
		grantType:         grantType,
		methods:           []clientauth.Method{clientauth.MethodClientSecretBasic, clientauth.MethodClientSecretPost},
		accessTokenFormat: token.FormatJWT,
		refreshTokens:     true,
		rotate:            true,
		paths:             DefaultPaths(),
	}
}

// AuthorizationCodeFlow starts an authorization_code builder
func AuthorizationCodeFlow() FlowBuilder {
	return NewFlow(protocol.GrantTypeAuthorizationCode)
}

// ClientCredentialsFlow starts a client_credentials builder
func ClientCredentialsFlow() FlowBuilder {
	return NewFlow(protocol.GrantTypeClientCredentials)
}

// DeviceCodeFlow starts a device_code builder. Devices are usually public
// clients; slow_down is enforced by default.
func DeviceCodeFlow() FlowBuilder {
	b := NewFlow(protocol.GrantTypeDeviceCode)
	b.slowDown = true
	return b
}

// RefreshTokenFlow starts a refresh_token builder
func RefreshTokenFlow() FlowBuilder {
	return NewFlow(protocol.GrantTypeRefreshToken)
}

// clone copies every slice and map so the copy shares nothing mutable
func (b FlowBuilder) clone() FlowBuilder {
	b.methods = slices.Clone(b.methods)
	b.scopes = maps.Clone(b.scopes)
	b.defaultScopes = slices.Clone(b.defaultScopes)
	b.audience = slices.Clone(b.audience)
	return b
}

// WithIssuer sets the issuer URL, the iss of every token
func (b FlowBuilder) WithIssuer(issuer string) FlowBuilder {
	b = b.clone()
	b.issuer = issuer
	return b
}

// WithKeyStore sets the signing key store
func (b FlowBuilder) WithKeyStore(ks *keys.Store) FlowBuilder {
	b = b.clone()
	b.keys = ks
	return b
}

// WithReplayStore sets the store for one-time values
func (b FlowBuilder) WithReplayStore(nonces storage.NonceStore) FlowBuilder {
	b = b.clone()
	b.nonces = nonces
	return b
}

// WithClientLookup sets how clients are resolved
func (b FlowBuilder) WithClientLookup(lookup clientauth.ClientLookup) FlowBuilder {
	b = b.clone()
	b.lookup = lookup
	return b
}

// WithClientStore resolves clients from store
func (b FlowBuilder) WithClientStore(store storage.ClientStore) FlowBuilder {
	return b.WithClientLookup(store.GetClient)
}

// WithAuthMethods replaces the accepted client authentication methods. They
// are tried in the given order.
func (b FlowBuilder) WithAuthMethods(methods ...clientauth.Method) FlowBuilder {
	b = b.clone()
	b.methods = slices.Clone(methods)
	return b
}

// WithPublicClients allows clients without credentials. The none method is
// added to the accepted methods.
func (b FlowBuilder) WithPublicClients(public bool) FlowBuilder {
	b = b.clone()
	b.public = public
	if public && !slices.Contains(b.methods, clientauth.MethodNone) {
		b.methods = append(b.methods, clientauth.MethodNone)
	}
	if !public {
		b.methods = slices.DeleteFunc(b.methods, func(m clientauth.Method) bool { return m == clientauth.MethodNone })
	}
	return b
}

// WithScope advertises a scope
func (b FlowBuilder) WithScope(name, description string) FlowBuilder {
	b = b.clone()
	if b.scopes == nil {
		b.scopes = make(map[string]string)
	}
	b.scopes[name] = description
	return b
}

// WithScopes advertises several scopes, keyed by name
func (b FlowBuilder) WithScopes(scopes map[string]string) FlowBuilder {
	b = b.clone()
	if b.scopes == nil {
		b.scopes = make(map[string]string, len(scopes))
	}
	maps.Copy(b.scopes, scopes)
	return b
}

// WithDefaultScopes sets the scopes granted when a request names none
func (b FlowBuilder) WithDefaultScopes(scopes ...string) FlowBuilder {
	b = b.clone()
	b.defaultScopes = slices.Clone(scopes)
	return b
}

// WithTokenTTL sets the access token lifetime
func (b FlowBuilder) WithTokenTTL(ttl time.Duration) FlowBuilder {
	b = b.clone()
	b.tokenTTL = ttl
	return b
}

// WithRefreshTokenTTL sets the refresh token lifetime
func (b FlowBuilder) WithRefreshTokenTTL(ttl time.Duration) FlowBuilder {
	b = b.clone()
	b.refreshTokenTTL = ttl
	return b
}

// WithIDTokenTTL sets the ID token lifetime
func (b FlowBuilder) WithIDTokenTTL(ttl time.Duration) FlowBuilder {
	b = b.clone()
	b.idTokenTTL = ttl
	return b
}

// WithCodeTTL sets the authorization code lifetime
func (b FlowBuilder) WithCodeTTL(ttl time.Duration) FlowBuilder {
	b = b.clone()
	b.codeTTL = ttl
	return b
}

// WithDeviceCodeTTL sets the device code lifetime
func (b FlowBuilder) WithDeviceCodeTTL(ttl time.Duration) FlowBuilder {
	b = b.clone()
	b.deviceCodeTTL = ttl
	return b
}

// WithPollInterval sets the minimum device polling interval
func (b FlowBuilder) WithPollInterval(interval time.Duration) FlowBuilder {
	b = b.clone()
	b.pollInterval = interval
	return b
}

// WithSlowDown toggles slow_down answers to fast polling
func (b FlowBuilder) WithSlowDown(enabled bool) FlowBuilder {
	b = b.clone()
	b.slowDown = enabled
	return b
}

// WithRefreshTokens toggles refresh token issuance. Refresh tokens are only
// issued when offline_access is granted as well.
func (b FlowBuilder) WithRefreshTokens(enabled bool) FlowBuilder {
	b = b.clone()
	b.refreshTokens = enabled
	return b
}

// WithRefreshTokenRotation toggles single-use refresh tokens
func (b FlowBuilder) WithRefreshTokenRotation(enabled bool) FlowBuilder {
	b = b.clone()
	b.rotate = enabled
	return b
}

// WithAccessTokenFormat selects token.FormatJWT or token.FormatOpaque
func (b FlowBuilder) WithAccessTokenFormat(format string) FlowBuilder {
	b = b.clone()
	b.accessTokenFormat = format
	return b
}

// WithAudience sets the aud of access tokens
func (b FlowBuilder) WithAudience(audience ...string) FlowBuilder {
	b = b.clone()
	b.audience = slices.Clone(audience)
	return b
}

// WithPaths replaces the endpoint paths. Empty fields keep their defaults.
func (b FlowBuilder) WithPaths(p Paths) FlowBuilder {
	b = b.clone()
	def := DefaultPaths()
	b.paths = Paths{
		Authorize:           firstNonEmpty(p.Authorize, def.Authorize),
		Token:               firstNonEmpty(p.Token, def.Token),
		DeviceAuthorization: firstNonEmpty(p.DeviceAuthorization, def.DeviceAuthorization),
		JWKS:                firstNonEmpty(p.JWKS, def.JWKS),
		Revocation:          firstNonEmpty(p.Revocation, def.Revocation),
		Introspection:       firstNonEmpty(p.Introspection, def.Introspection),
	}
	return b
}

// WithTokenPath sets the token endpoint path
func (b FlowBuilder) WithTokenPath(path string) FlowBuilder {
	b = b.clone()
	b.paths.Token = path
	return b
}

// WithGenerateCode sets the callback that authenticates the resource owner at
// the authorization endpoint
func (b FlowBuilder) WithGenerateCode(fn grant.GenerateCodeFunc) FlowBuilder {
	b = b.clone()
	b.callbacks.GenerateCode = fn
	return b
}

// WithCheckDeviceApproval sets the callback reporting device approvals
func (b FlowBuilder) WithCheckDeviceApproval(fn grant.CheckDeviceApprovalFunc) FlowBuilder {
	b = b.clone()
	b.callbacks.CheckDeviceApproval = fn
	return b
}

// WithUserCodeIssued sets the callback told about new user codes
func (b FlowBuilder) WithUserCodeIssued(fn grant.UserCodeIssuedFunc) FlowBuilder {
	b = b.clone()
	b.callbacks.UserCodeIssued = fn
	return b
}

// WithDeviceApprovals wires an in-memory approval registry as both device
// callbacks.
func (b FlowBuilder) WithDeviceApprovals(a *grant.DeviceApprovals) FlowBuilder {
	b = b.clone()
	b.callbacks.CheckDeviceApproval = a.Check
	b.callbacks.UserCodeIssued = a.Register
	return b
}

// WithUserCodeGenerator replaces the default XXXX-XXXX user codes
func (b FlowBuilder) WithUserCodeGenerator(fn func() (string, error)) FlowBuilder {
	b = b.clone()
	b.callbacks.GenerateUserCode = fn
	return b
}

// WithVerificationURI sets where users enter device user codes. complete adds
// verification_uri_complete to device authorization responses.
func (b FlowBuilder) WithVerificationURI(uri string, complete bool) FlowBuilder {
	b = b.clone()
	b.verificationURI = uri
	b.verificationURIComplete = complete
	return b
}

// WithRefreshTokenActive sets the host veto on refresh tokens
func (b FlowBuilder) WithRefreshTokenActive(fn grant.RefreshTokenActiveFunc) FlowBuilder {
	b = b.clone()
	b.callbacks.RefreshTokenActive = fn
	return b
}

// WithRevokeRefreshToken sets the callback told about retired refresh tokens
func (b FlowBuilder) WithRevokeRefreshToken(fn grant.RevokeRefreshTokenFunc) FlowBuilder {
	b = b.clone()
	b.callbacks.RevokeRefreshToken = fn
	return b
}

// WithSaveRefreshToken sets the callback persisting issued refresh tokens
func (b FlowBuilder) WithSaveRefreshToken(fn func(context.Context, *storage.RefreshToken) error) FlowBuilder {
	b = b.clone()
	b.callbacks.SaveRefreshToken = fn
	return b
}

// WithSaveAccessToken sets the callback persisting opaque access tokens
func (b FlowBuilder) WithSaveAccessToken(fn func(context.Context, *storage.AccessToken) error) FlowBuilder {
	b = b.clone()
	b.callbacks.SaveAccessToken = fn
	return b
}

// WithAccessTokenStore persists opaque access tokens in store, which also
// serves introspection and revocation of them.
func (b FlowBuilder) WithAccessTokenStore(store storage.AccessTokenStore) FlowBuilder {
	b = b.clone()
	b.accessTokenStore = store
	b.callbacks.SaveAccessToken = store.SaveAccessToken
	return b
}

// WithRefreshTokenStore records refresh tokens in store. Revoked records are
// refused on refresh, and rotation and revocation mark records revoked.
func (b FlowBuilder) WithRefreshTokenStore(store storage.RefreshTokenStore) FlowBuilder {
	b = b.clone()
	b.refreshTokenStore = store
	b.callbacks.SaveRefreshToken = store.SaveRefreshToken
	b.callbacks.RevokeRefreshToken = store.RevokeRefreshToken
	b.callbacks.RefreshTokenActive = func(ctx context.Context, claims *token.RefreshClaims) (bool, error) {
		rec, err := store.GetRefreshToken(ctx, claims.ID)
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return !rec.Revoked, nil
	}
	return b
}

// WithAccessTokenClaims adds claims to JWT access tokens
func (b FlowBuilder) WithAccessTokenClaims(fn func(context.Context, *token.Grant) (map[string]any, error)) FlowBuilder {
	b = b.clone()
	b.callbacks.AccessTokenClaims = fn
	return b
}

// WithUserClaims adds claims about the subject to ID tokens
func (b FlowBuilder) WithUserClaims(fn func(context.Context, string, []string) (map[string]any, error)) FlowBuilder {
	b = b.clone()
	b.callbacks.UserClaims = fn
	return b
}

// WithLogger sets the logger
func (b FlowBuilder) WithLogger(logger *slog.Logger) FlowBuilder {
	b = b.clone()
	b.logger = logger
	return b
}

// WithInstrumentation sets metrics and tracing
func (b FlowBuilder) WithInstrumentation(inst *instrumentation.Instrumentation) FlowBuilder {
	b = b.clone()
	b.instrumentation = inst
	return b
}

// WithAuditor sets the security auditor
func (b FlowBuilder) WithAuditor(a *security.Auditor) FlowBuilder {
	b = b.clone()
	b.auditor = a
	return b
}

// WithClock replaces time.Now, for tests
func (b FlowBuilder) WithClock(now func() time.Time) FlowBuilder {
	b = b.clone()
	b.now = now
	return b
}

// GrantType returns the grant type being built
func (b FlowBuilder) GrantType() protocol.GrantType {
	return b.grantType
}

// FlowConfiguration is a validated, immutable flow produced by Build.
type FlowConfiguration struct {
	grantType protocol.GrantType
	issuerURL string
	public    bool
	methods   []clientauth.Method
	scopes    map[string]string
	tokenTTL  time.Duration
	paths     Paths
	callbacks Callbacks

	keys   *keys.Store
	nonces storage.NonceStore
	issuer *token.Issuer

	authenticators []clientauth.Authenticator
	handler        grant.Handler
	closer         func()

	accessTokenStore  storage.AccessTokenStore
	refreshTokenStore storage.RefreshTokenStore

	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
	auditor         *security.Auditor
}

// Build validates the builder and assembles the flow.
func (b FlowBuilder) Build() (*FlowConfiguration, error) {
	b = b.clone()
	if err := b.validate(); err != nil {
		return nil, err
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	issuerURL := util.NormalizeURL(b.issuer)

	issuer, err := token.NewIssuer(token.IssuerConfig{
		Issuer:          issuerURL,
		Keys:            b.keys,
		Nonces:          b.nonces,
		Logger:          b.logger,
		Instrumentation: b.instrumentation,
		Now:             b.now,
	})
	if err != nil {
		return nil, configErr(b.grantType, "Issuer", err.Error())
	}

	authCfg := clientauth.Config{
		Lookup:          b.lookup,
		Nonces:          b.nonces,
		Audiences:       []string{issuerURL, issuerURL + b.paths.Token},
		Logger:          b.logger,
		Instrumentation: b.instrumentation,
		Auditor:         b.auditor,
		Now:             b.now,
	}
	auths := make([]clientauth.Authenticator, 0, len(b.methods))
	for _, m := range b.methods {
		a, err := clientauth.New(m, authCfg)
		if err != nil {
			return nil, configErr(b.grantType, "AuthMethods", err.Error())
		}
		auths = append(auths, a)
	}
	resolver := clientauth.NewResolver(auths...)
	resolver.SetLogger(b.logger)
	resolver.SetInstrumentation(b.instrumentation)
	resolver.SetAuditor(b.auditor)

	cfg := grant.Config{
		Issuer:        issuer,
		Clients:       resolver,
		Scopes:        sortedKeys(b.scopes),
		DefaultScopes: b.defaultScopes,
		TokenOptions: token.Options{
			AccessTokenFormat: b.accessTokenFormat,
			AccessTokenTTL:    b.tokenTTL,
			RefreshTokenTTL:   b.refreshTokenTTL,
			IDTokenTTL:        b.idTokenTTL,
			IssueRefreshToken: b.refreshTokens,
			Audience:          b.audience,
			AccessTokenClaims: b.callbacks.AccessTokenClaims,
			UserClaims:        b.callbacks.UserClaims,
			SaveAccessToken:   b.callbacks.SaveAccessToken,
			SaveRefreshToken:  b.callbacks.SaveRefreshToken,
		},
		Logger:          b.logger,
		Instrumentation: b.instrumentation,
		Auditor:         b.auditor,
	}

	fc := &FlowConfiguration{
		grantType:         b.grantType,
		issuerURL:         issuerURL,
		public:            b.public,
		methods:           b.methods,
		scopes:            b.scopes,
		tokenTTL:          b.effectiveTokenTTL(),
		paths:             b.paths,
		callbacks:         b.callbacks,
		keys:              b.keys,
		nonces:            b.nonces,
		issuer:            issuer,
		authenticators:    auths,
		accessTokenStore:  b.accessTokenStore,
		refreshTokenStore: b.refreshTokenStore,
		logger:            b.logger,
		instrumentation:   b.instrumentation,
		auditor:           b.auditor,
	}

	switch b.grantType {
	case protocol.GrantTypeAuthorizationCode:
		fc.handler, err = grant.NewAuthorizationCode(grant.AuthorizationCodeConfig{
			Config:       cfg,
			Lookup:       b.lookup,
			GenerateCode: b.callbacks.GenerateCode,
			CodeTTL:      b.codeTTL,
		})
	case protocol.GrantTypeClientCredentials:
		fc.handler, err = grant.NewClientCredentials(cfg)
	case protocol.GrantTypeDeviceCode:
		var dc *grant.DeviceCode
		dc, err = grant.NewDeviceCode(grant.DeviceCodeConfig{
			Config:                  cfg,
			CheckDeviceApproval:     b.callbacks.CheckDeviceApproval,
			UserCodeIssued:          b.callbacks.UserCodeIssued,
			GenerateUserCode:        b.callbacks.GenerateUserCode,
			VerificationURI:         b.verificationURI,
			VerificationURIComplete: b.verificationURIComplete,
			DeviceCodeTTL:           b.deviceCodeTTL,
			PollInterval:            b.pollInterval,
			EnforceSlowDown:         b.slowDown,
		})
		if err == nil {
			fc.handler, fc.closer = dc, dc.Close
		}
	case protocol.GrantTypeRefreshToken:
		fc.handler, err = grant.NewRefreshToken(grant.RefreshTokenConfig{
			Config:              cfg,
			RotateRefreshTokens: b.rotate,
			RefreshTokenActive:  b.callbacks.RefreshTokenActive,
			RevokeRefreshToken:  b.callbacks.RevokeRefreshToken,
		})
	}
	if err != nil {
		return nil, configErr(b.grantType, "GrantType", err.Error())
	}
	return fc, nil
}

func (b FlowBuilder) validate() error {
	gt := b.grantType
	switch gt {
	case protocol.GrantTypeAuthorizationCode, protocol.GrantTypeClientCredentials,
		protocol.GrantTypeDeviceCode, protocol.GrantTypeRefreshToken:
	default:
		return configErr(gt, "GrantType", "unsupported grant type")
	}

	if b.keys == nil {
		return configErr(gt, "KeyStore", "a signing key store is required")
	}
	if b.nonces == nil {
		return configErr(gt, "ReplayStore", "a replay store is required")
	}
	if b.issuer == "" {
		return configErr(gt, "Issuer", "an issuer URL is required")
	}
	if u, err := url.Parse(b.issuer); err != nil || u.Scheme == "" || u.Host == "" || u.RawQuery != "" || u.Fragment != "" {
		return configErr(gt, "Issuer", "issuer must be an absolute URL without query or fragment")
	}
	if b.lookup == nil {
		return configErr(gt, "ClientLookup", "a client lookup is required")
	}

	if len(b.methods) == 0 {
		return configErr(gt, "AuthMethods", "at least one client authentication method is required")
	}
	seen := make(map[clientauth.Method]bool, len(b.methods))
	for _, m := range b.methods {
		if !clientauth.KnownMethod(m) {
			return configErr(gt, "AuthMethods", fmt.Sprintf("unknown method %q", m))
		}
		if seen[m] {
			return configErr(gt, "AuthMethods", fmt.Sprintf("method %q listed twice", m))
		}
		seen[m] = true
		if m == clientauth.MethodNone && !b.public {
			return configErr(gt, "AuthMethods", "none is only allowed for public flows")
		}
	}
	if b.public && gt == protocol.GrantTypeClientCredentials {
		return configErr(gt, "Public", "client_credentials requires confidential clients")
	}

	switch gt {
	case protocol.GrantTypeAuthorizationCode:
		if b.callbacks.GenerateCode == nil {
			return configErr(gt, "GenerateCode", "required for the authorization code flow")
		}
	case protocol.GrantTypeDeviceCode:
		if b.callbacks.CheckDeviceApproval == nil {
			return configErr(gt, "CheckDeviceApproval", "required for the device flow")
		}
		if b.verificationURI == "" {
			return configErr(gt, "VerificationURI", "required for the device flow")
		}
		if u, err := url.Parse(b.verificationURI); err != nil || !u.IsAbs() {
			return configErr(gt, "VerificationURI", "must be an absolute URL")
		}
	}

	switch b.accessTokenFormat {
	case token.FormatJWT:
	case token.FormatOpaque:
		if b.callbacks.SaveAccessToken == nil {
			return configErr(gt, "SaveAccessToken", "opaque access tokens must be persisted")
		}
	default:
		return configErr(gt, "AccessTokenFormat", fmt.Sprintf("unknown format %q", b.accessTokenFormat))
	}

	ttls := []struct {
		field string
		ttl   time.Duration
	}{
		{"TokenTTL", b.tokenTTL},
		{"RefreshTokenTTL", b.refreshTokenTTL},
		{"IDTokenTTL", b.idTokenTTL},
		{"CodeTTL", b.codeTTL},
		{"DeviceCodeTTL", b.deviceCodeTTL},
		{"PollInterval", b.pollInterval},
	}
	for _, t := range ttls {
		if t.ttl < 0 {
			return configErr(gt, t.field, "must be positive")
		}
	}

	// every signed value must stay verifiable for its whole life
	grace := b.keys.GracePeriod()
	for _, t := range b.signedLifetimes() {
		if t.ttl > grace {
			return configErr(gt, t.field, fmt.Sprintf("%s outlives the key store grace period of %s", t.ttl, grace))
		}
	}

	for name, p := range map[string]string{
		"TokenPath":               b.paths.Token,
		"AuthorizePath":           b.paths.Authorize,
		"DeviceAuthorizationPath": b.paths.DeviceAuthorization,
		"JWKSPath":                b.paths.JWKS,
		"RevocationPath":          b.paths.Revocation,
		"IntrospectionPath":       b.paths.Introspection,
	} {
		if !strings.HasPrefix(p, "/") {
			return configErr(gt, name, "path must be absolute")
		}
	}

	for name := range b.scopes {
		if name == "" || strings.ContainsAny(name, " \"\\") {
			return configErr(gt, "Scopes", fmt.Sprintf("invalid scope name %q", name))
		}
	}
	if len(b.scopes) > 0 {
		if missing := protocol.Missing(b.defaultScopes, sortedKeys(b.scopes)); len(missing) > 0 {
			return configErr(gt, "DefaultScopes", fmt.Sprintf("not advertised: %s", strings.Join(missing, " ")))
		}
	}
	return nil
}

type lifetime struct {
	field string
	ttl   time.Duration
}

// signedLifetimes lists the lifetimes of the signed values this flow mints
func (b FlowBuilder) signedLifetimes() []lifetime {
	out := []lifetime{{"TokenTTL", b.effectiveTokenTTL()}}
	if b.accessTokenFormat == token.FormatOpaque {
		out = out[:0]
	}
	if b.grantType == protocol.GrantTypeClientCredentials {
		return out
	}
	out = append(out, lifetime{"IDTokenTTL", durationOr(b.idTokenTTL, token.DefaultIDTokenTTL)})
	if b.refreshTokens && (b.grantType != protocol.GrantTypeRefreshToken || b.rotate) {
		out = append(out, lifetime{"RefreshTokenTTL", durationOr(b.refreshTokenTTL, token.DefaultRefreshTokenTTL)})
	}
	switch b.grantType {
	case protocol.GrantTypeAuthorizationCode:
		out = append(out, lifetime{"CodeTTL", durationOr(b.codeTTL, grant.DefaultCodeTTL)})
	case protocol.GrantTypeDeviceCode:
		out = append(out, lifetime{"DeviceCodeTTL", durationOr(b.deviceCodeTTL, grant.DefaultDeviceCodeTTL)})
	}
	return out
}

func (b FlowBuilder) effectiveTokenTTL() time.Duration {
	return durationOr(b.tokenTTL, token.DefaultAccessTokenTTL)
}

// GrantType returns the flow's grant type
func (f *FlowConfiguration) GrantType() protocol.GrantType { return f.grantType }

// Issuer returns the normalized issuer URL
func (f *FlowConfiguration) Issuer() string { return f.issuerURL }

// Public reports whether the flow accepts clients without credentials
func (f *FlowConfiguration) Public() bool { return f.public }

// AuthMethods returns the accepted client authentication methods
func (f *FlowConfiguration) AuthMethods() []clientauth.Method { return slices.Clone(f.methods) }

// Scopes returns the advertised scopes, sorted by name
func (f *FlowConfiguration) Scopes() []Scope { return scopeList(f.scopes) }

// TokenTTL returns the access token lifetime
func (f *FlowConfiguration) TokenTTL() time.Duration { return f.tokenTTL }

// KeyStore returns the signing key store the flow verifies and signs with
func (f *FlowConfiguration) KeyStore() *keys.Store { return f.keys }

// ReplayStore returns the store holding one-time values
func (f *FlowConfiguration) ReplayStore() storage.NonceStore { return f.nonces }

// Paths returns the endpoint paths
func (f *FlowConfiguration) Paths() Paths { return f.paths }

// Callbacks returns a copy of the host callbacks
func (f *FlowConfiguration) Callbacks() Callbacks { return f.callbacks }

// Handler returns the grant handler
func (f *FlowConfiguration) Handler() grant.Handler { return f.handler }

// Routes returns the endpoints this flow needs
func (f *FlowConfiguration) Routes() []Route {
	routes := []Route{
		{Name: "token", Methods: []string{"POST"}, Path: f.paths.Token, Operation: OperationToken},
	}
	switch f.grantType {
	case protocol.GrantTypeAuthorizationCode:
		routes = append(routes, Route{Name: "authorize", Methods: []string{"GET", "POST"}, Path: f.paths.Authorize, Operation: OperationAuthorize})
	case protocol.GrantTypeDeviceCode:
		routes = append(routes, Route{Name: "device_authorization", Methods: []string{"POST"}, Path: f.paths.DeviceAuthorization, Operation: OperationDeviceAuthorization})
	}
	return append(routes,
		Route{Name: "jwks", Methods: []string{"GET"}, Path: f.paths.JWKS, Operation: OperationJWKS},
		Route{Name: "metadata", Methods: []string{"GET"}, Path: MetadataPath, Operation: OperationMetadata},
		Route{Name: "openid_configuration", Methods: []string{"GET"}, Path: OpenIDConfigurationPath, Operation: OperationMetadata},
		Route{Name: "revocation", Methods: []string{"POST"}, Path: f.paths.Revocation, Operation: OperationRevocation},
		Route{Name: "introspection", Methods: []string{"POST"}, Path: f.paths.Introspection, Operation: OperationIntrospection},
	)
}

// Close releases background resources of the flow
func (f *FlowConfiguration) Close() {
	if f.closer != nil {
		f.closer()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	return slices.Sorted(maps.Keys(m))
}
