package oauth

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/oauth-engine/clientauth"
	"github.com/giantswarm/oauth-engine/grant"
	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/internal/helpers"
	"github.com/giantswarm/oauth-engine/keys"
	"github.com/giantswarm/oauth-engine/login"
	"github.com/giantswarm/oauth-engine/protocol"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
	"github.com/giantswarm/oauth-engine/storage/memory"
	"github.com/giantswarm/oauth-engine/storage/valkey"
	"github.com/giantswarm/oauth-engine/token"
)

// Storage backends
const (
	BackendMemory = "memory"
	BackendValkey = "valkey"
)

const instrumentationShutdownTimeout = 5 * time.Second

// Config is the host configuration of a Deployment, usually loaded from YAML.
type Config struct {
	// Issuer is the public base URL of the server
	Issuer string `yaml:"issuer"`

	// Paths override endpoint paths relative to the issuer
	Paths PathsConfig `yaml:"paths"`

	Keys    KeysConfig    `yaml:"keys"`
	Storage StorageConfig `yaml:"storage"`
	Flows   FlowsConfig   `yaml:"flows"`

	// Scopes are advertised by every flow, keyed by name
	Scopes        map[string]string `yaml:"scopes"`
	DefaultScopes []string          `yaml:"default_scopes"`

	// Clients are registered in the client store at startup
	Clients []ClientConfig `yaml:"clients"`

	// Login delegates authorization code logins to an upstream provider
	Login LoginConfig `yaml:"login"`

	Instrumentation InstrumentationConfig `yaml:"instrumentation"`

	// Audit enables security audit logging
	Audit bool `yaml:"audit"`
}

// LoginConfig configures upstream OpenID Connect login. It is used when
// IssuerURL is set and the host supplies no GenerateCode hook.
type LoginConfig struct {
	IssuerURL    string   `yaml:"issuer_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`

	// CallbackPath is relative to the issuer; defaults to /login/callback
	CallbackPath string        `yaml:"callback_path"`
	StateTTL     time.Duration `yaml:"state_ttl"`

	// AllowPrivateIssuer permits http and internal upstream addresses
	AllowPrivateIssuer bool `yaml:"allow_private_issuer"`
}

// PathsConfig overrides endpoint paths. Empty values keep the defaults.
type PathsConfig struct {
	Authorize           string `yaml:"authorize"`
	Token               string `yaml:"token"`
	DeviceAuthorization string `yaml:"device_authorization"`
	JWKS                string `yaml:"jwks"`
	Revocation          string `yaml:"revocation"`
	Introspection       string `yaml:"introspection"`
}

// KeysConfig configures the signing key store.
type KeysConfig struct {
	// Algorithm is RS256 or ES256
	Algorithm string        `yaml:"algorithm"`
	TTL       time.Duration `yaml:"ttl"`

	// GracePeriod is raised to the longest token lifetime when shorter
	GracePeriod     time.Duration `yaml:"grace_period"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// EncryptionKey is a base64 AES-256 key sealing private keys at rest.
	// Falls back to the OAUTH_KEY_ENCRYPTION_KEY environment variable.
	EncryptionKey string `yaml:"encryption_key"`
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	// Backend is "memory" or "valkey"
	Backend string       `yaml:"backend"`
	Valkey  ValkeyConfig `yaml:"valkey"`
}

// ValkeyConfig configures the valkey backend.
type ValkeyConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	TLS       bool   `yaml:"tls"`
}

// FlowsConfig enables and tunes the grant flows.
type FlowsConfig struct {
	AuthorizationCode FlowConfig `yaml:"authorization_code"`
	ClientCredentials FlowConfig `yaml:"client_credentials"`
	DeviceCode        FlowConfig `yaml:"device_code"`
	RefreshToken      FlowConfig `yaml:"refresh_token"`
}

// FlowConfig tunes one flow. Zero durations keep the defaults.
type FlowConfig struct {
	Enabled bool `yaml:"enabled"`

	// AuthMethods are client authentication methods, in resolution order
	AuthMethods []string `yaml:"auth_methods"`
	Public      bool     `yaml:"public"`

	AccessTokenTTL    time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL   time.Duration `yaml:"refresh_token_ttl"`
	IDTokenTTL        time.Duration `yaml:"id_token_ttl"`
	AccessTokenFormat string        `yaml:"access_token_format"`
	Audience          []string      `yaml:"audience"`

	// authorization_code
	CodeTTL time.Duration `yaml:"code_ttl"`

	// device_code
	DeviceCodeTTL           time.Duration `yaml:"device_code_ttl"`
	PollInterval            time.Duration `yaml:"poll_interval"`
	VerificationURI         string        `yaml:"verification_uri"`
	VerificationURIComplete bool          `yaml:"verification_uri_complete"`

	// refresh_token
	RotateRefreshTokens *bool `yaml:"rotate_refresh_tokens"`
}

// ClientConfig is a statically registered client.
type ClientConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Name         string   `yaml:"name"`
	Public       bool     `yaml:"public"`
	RedirectURIs []string `yaml:"redirect_uris"`
	GrantTypes   []string `yaml:"grant_types"`
	Scopes       []string `yaml:"scopes"`
}

// InstrumentationConfig configures metrics and tracing.
type InstrumentationConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`

	// MetricsExporter is "prometheus" or empty
	MetricsExporter string `yaml:"metrics_exporter"`
}

// DefaultConfig returns a development configuration: in-memory storage and
// the client credentials and refresh token flows.
func DefaultConfig() Config {
	return Config{
		Issuer: "http://localhost:8080",
		Keys: KeysConfig{
			Algorithm: keys.AlgorithmRS256,
		},
		Storage: StorageConfig{Backend: BackendMemory},
		Flows: FlowsConfig{
			ClientCredentials: FlowConfig{Enabled: true},
			RefreshToken:      FlowConfig{Enabled: true},
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Unknown keys are errors.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Keys.EncryptionKey == "" {
		cfg.Keys.EncryptionKey = os.Getenv("OAUTH_KEY_ENCRYPTION_KEY")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks what NewFromConfig cannot recover from. Flow level rules
// are enforced by FlowBuilder.Build.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return configErr("", "issuer", "is required")
	}
	switch c.Storage.Backend {
	case BackendMemory, "":
	case BackendValkey:
		if c.Storage.Valkey.Address == "" {
			return configErr("", "storage.valkey.address", "is required for the valkey backend")
		}
	default:
		return configErr("", "storage.backend", fmt.Sprintf("unknown backend %q", c.Storage.Backend))
	}
	if len(c.enabledFlows()) == 0 {
		return configErr("", "flows", "no flow is enabled")
	}
	seen := make(map[string]bool, len(c.Clients))
	for _, cl := range c.Clients {
		if cl.ClientID == "" {
			return configErr("", "clients", "client_id is required")
		}
		if seen[cl.ClientID] {
			return configErr("", "clients", fmt.Sprintf("client %q listed twice", cl.ClientID))
		}
		seen[cl.ClientID] = true
		if !cl.Public && cl.ClientSecret == "" {
			return configErr("", "clients", fmt.Sprintf("confidential client %q needs a client_secret", cl.ClientID))
		}
		for _, uri := range cl.RedirectURIs {
			if err := helpers.ValidateRedirectURI(uri); err != nil {
				return configErr("", "clients", fmt.Sprintf("client %q: %v", cl.ClientID, err))
			}
		}
	}
	if c.Login.IssuerURL != "" {
		if !c.Flows.AuthorizationCode.Enabled {
			return configErr("", "login", "upstream login needs the authorization_code flow")
		}
		if err := login.ValidateIssuerURL(c.Login.IssuerURL, c.Login.AllowPrivateIssuer); err != nil {
			return configErr("", "login.issuer_url", err.Error())
		}
		if c.Login.ClientID == "" {
			return configErr("", "login.client_id", "is required")
		}
	}
	return nil
}

type enabledFlow struct {
	grantType protocol.GrantType
	cfg       FlowConfig
}

func (c *Config) enabledFlows() []enabledFlow {
	var out []enabledFlow
	for _, f := range []enabledFlow{
		{protocol.GrantTypeAuthorizationCode, c.Flows.AuthorizationCode},
		{protocol.GrantTypeClientCredentials, c.Flows.ClientCredentials},
		{protocol.GrantTypeDeviceCode, c.Flows.DeviceCode},
		{protocol.GrantTypeRefreshToken, c.Flows.RefreshToken},
	} {
		if f.cfg.Enabled {
			out = append(out, f)
		}
	}
	return out
}

// Hooks are the host callbacks and overrides NewFromConfig cannot read from
// YAML.
type Hooks struct {
	// GenerateCode is required when the authorization code flow is enabled
	GenerateCode grant.GenerateCodeFunc

	// DeviceApprovals backs the device flow unless CheckDeviceApproval is
	// set. A fresh registry is created when both are nil.
	DeviceApprovals     *grant.DeviceApprovals
	CheckDeviceApproval grant.CheckDeviceApprovalFunc
	UserCodeIssued      grant.UserCodeIssuedFunc

	AccessTokenClaims func(ctx context.Context, g *token.Grant) (map[string]any, error)
	UserClaims        func(ctx context.Context, subject string, scopes []string) (map[string]any, error)

	Logger *slog.Logger

	// Instrumentation replaces the one built from the config
	Instrumentation *instrumentation.Instrumentation
}

// NewFromConfig opens storage, registers the static clients and composes
// every enabled flow. Closing the Deployment releases the storage.
func NewFromConfig(ctx context.Context, cfg Config, hooks Hooks) (*Deployment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := hooks.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	inst := hooks.Instrumentation
	if inst == nil && cfg.Instrumentation.Enabled {
		var err error
		inst, err = instrumentation.New(instrumentation.Config{
			ServiceName:     cfg.Instrumentation.ServiceName,
			ServiceVersion:  cfg.Instrumentation.ServiceVersion,
			Enabled:         true,
			MetricsExporter: cfg.Instrumentation.MetricsExporter,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create instrumentation: %w", err)
		}
		closers = append(closers, func() {
			sctx, cancel := context.WithTimeout(context.Background(), instrumentationShutdownTimeout)
			defer cancel()
			if err := inst.Shutdown(sctx); err != nil {
				logger.Warn("Instrumentation shutdown failed", "error", err)
			}
		})
	}

	store, closeStore, err := openStore(cfg.Storage, logger, inst)
	if err != nil {
		cleanup()
		return nil, err
	}
	closers = append(closers, closeStore)

	if err := registerClients(ctx, store, cfg); err != nil {
		cleanup()
		return nil, err
	}

	auditor := security.NewAuditor(logger, cfg.Audit)

	var up *login.Upstream
	if cfg.Login.IssuerURL != "" && hooks.GenerateCode == nil {
		up, err = login.New(ctx, login.Config{
			IssuerURL:          cfg.Login.IssuerURL,
			ClientID:           cfg.Login.ClientID,
			ClientSecret:       cfg.Login.ClientSecret,
			RedirectURL:        strings.TrimSuffix(cfg.Issuer, "/") + cfg.loginCallbackPath(),
			Scopes:             cfg.Login.Scopes,
			StateTTL:           cfg.Login.StateTTL,
			AllowPrivateIssuer: cfg.Login.AllowPrivateIssuer,
			Logger:             logger,
			Auditor:            auditor,
		})
		if err != nil {
			cleanup()
			return nil, err
		}
		hooks.GenerateCode = up.GenerateCode
	}

	builders, err := cfg.builders(store, hooks, logger, inst, auditor)
	if err != nil {
		cleanup()
		return nil, err
	}

	ks, err := cfg.keyStore(store, builders, logger, inst, auditor)
	if err != nil {
		cleanup()
		return nil, err
	}

	flows := make([]*FlowConfiguration, 0, len(builders))
	for _, b := range builders {
		f, err := b.WithKeyStore(ks).Build()
		if err != nil {
			for _, built := range flows {
				built.Close()
			}
			cleanup()
			return nil, err
		}
		flows = append(flows, f)
	}

	d, err := Compose(flows...)
	if err != nil {
		for _, f := range flows {
			f.Close()
		}
		cleanup()
		return nil, err
	}
	d.AddCloser(cleanup)
	if up != nil {
		d.SetLoginCallback(cfg.loginCallbackPath(), up.Callback(d.Authorize))
	}

	// Elect the first key now so a broken key backend fails startup.
	if _, err := ks.SigningKey(ctx); err != nil {
		d.Close()
		return nil, err
	}

	logger.Info("OAuth deployment ready",
		"issuer", d.Issuer(),
		"grant_types", d.GrantTypes(),
		"storage", cfg.Storage.Backend,
		"clients", len(cfg.Clients))
	return d, nil
}

// configStore is what NewFromConfig needs from a backend
type configStore interface {
	storage.SigningKeyStore
	storage.NonceStore
	storage.RefreshTokenStore
	storage.AccessTokenStore
	storage.ClientStore
}

func openStore(cfg StorageConfig, logger *slog.Logger, inst *instrumentation.Instrumentation) (configStore, func(), error) {
	if cfg.Backend == BackendValkey {
		vc := valkey.Config{
			Address:   cfg.Valkey.Address,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
			Logger:    logger,
		}
		if cfg.Valkey.TLS {
			vc.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		s, err := valkey.New(vc)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}

	s := memory.New()
	s.SetLogger(logger)
	if inst != nil {
		s.SetInstrumentation(inst)
	}
	return s, s.Stop, nil
}

func registerClients(ctx context.Context, store storage.ClientStore, cfg Config) error {
	for _, cc := range cfg.Clients {
		client := &storage.Client{
			ClientID:     cc.ClientID,
			ClientName:   cc.Name,
			ClientType:   storage.ClientTypeConfidential,
			RedirectURIs: cc.RedirectURIs,
			GrantTypes:   cc.GrantTypes,
			Scopes:       cc.Scopes,
			CreatedAt:    time.Now(),
		}
		if cc.Public {
			client.ClientType = storage.ClientTypePublic
		}
		if cc.ClientSecret != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(cc.ClientSecret), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("failed to hash secret of client %s: %w", cc.ClientID, err)
			}
			client.ClientSecretHash = string(hash)
			if cfg.usesMethod(clientauth.MethodClientSecretJWT) {
				client.ClientSecret = cc.ClientSecret
			}
		}
		if err := store.SaveClient(ctx, client); err != nil {
			return fmt.Errorf("failed to register client %s: %w", cc.ClientID, err)
		}
	}
	return nil
}

func (c *Config) loginCallbackPath() string {
	if c.Login.CallbackPath != "" {
		return c.Login.CallbackPath
	}
	return login.DefaultCallbackPath
}

func (c *Config) usesMethod(m clientauth.Method) bool {
	for _, f := range c.enabledFlows() {
		if slices.Contains(f.cfg.AuthMethods, string(m)) {
			return true
		}
	}
	return false
}

// builders returns one builder per enabled flow, lacking only the key store
func (c *Config) builders(store configStore, hooks Hooks, logger *slog.Logger, inst *instrumentation.Instrumentation, auditor *security.Auditor) ([]FlowBuilder, error) {
	_, refreshEnabled := c.flowConfig(protocol.GrantTypeRefreshToken)

	var out []FlowBuilder
	for _, ef := range c.enabledFlows() {
		fc := ef.cfg
		b := NewFlow(ef.grantType).
			WithIssuer(c.Issuer).
			WithReplayStore(store).
			WithClientStore(store).
			WithRefreshTokenStore(store).
			WithPaths(Paths(c.Paths)).
			WithScopes(c.Scopes).
			WithDefaultScopes(c.DefaultScopes...).
			WithTokenTTL(fc.AccessTokenTTL).
			WithRefreshTokenTTL(fc.RefreshTokenTTL).
			WithIDTokenTTL(fc.IDTokenTTL).
			WithRefreshTokens(refreshEnabled).
			WithAudience(fc.Audience...).
			WithAccessTokenClaims(hooks.AccessTokenClaims).
			WithUserClaims(hooks.UserClaims).
			WithLogger(logger).
			WithInstrumentation(inst).
			WithAuditor(auditor)

		b = b.WithPublicClients(fc.Public)
		if len(fc.AuthMethods) > 0 {
			methods := make([]clientauth.Method, len(fc.AuthMethods))
			for i, m := range fc.AuthMethods {
				methods[i] = clientauth.Method(m)
			}
			b = b.WithAuthMethods(methods...)
		}
		if fc.AccessTokenFormat != "" {
			b = b.WithAccessTokenFormat(fc.AccessTokenFormat)
			if fc.AccessTokenFormat == token.FormatOpaque {
				b = b.WithAccessTokenStore(store)
			}
		}

		switch ef.grantType {
		case protocol.GrantTypeAuthorizationCode:
			if hooks.GenerateCode == nil {
				return nil, configErr(ef.grantType, "GenerateCode", "the host must supply a GenerateCode hook")
			}
			b = b.WithGenerateCode(hooks.GenerateCode).WithCodeTTL(fc.CodeTTL)
		case protocol.GrantTypeDeviceCode:
			b = b.WithDeviceCodeTTL(fc.DeviceCodeTTL).
				WithPollInterval(fc.PollInterval).
				WithVerificationURI(fc.VerificationURI, fc.VerificationURIComplete)
			switch {
			case hooks.CheckDeviceApproval != nil:
				b = b.WithCheckDeviceApproval(hooks.CheckDeviceApproval).WithUserCodeIssued(hooks.UserCodeIssued)
			case hooks.DeviceApprovals != nil:
				b = b.WithDeviceApprovals(hooks.DeviceApprovals)
			default:
				b = b.WithDeviceApprovals(grant.NewDeviceApprovals(nil))
			}
		case protocol.GrantTypeRefreshToken:
			if fc.RotateRefreshTokens != nil {
				b = b.WithRefreshTokenRotation(*fc.RotateRefreshTokens)
			}
		}
		out = append(out, b)
	}
	return out, nil
}

func (c *Config) flowConfig(gt protocol.GrantType) (FlowConfig, bool) {
	for _, f := range c.enabledFlows() {
		if f.grantType == gt {
			return f.cfg, true
		}
	}
	return FlowConfig{}, false
}

// keyStore creates the key store with a grace period covering every token
// the flows can mint.
func (c *Config) keyStore(backend storage.SigningKeyStore, builders []FlowBuilder, logger *slog.Logger, inst *instrumentation.Instrumentation, auditor *security.Auditor) (*keys.Store, error) {
	configured := durationOr(c.Keys.GracePeriod, keys.DefaultGracePeriod)
	grace := configured
	for _, b := range builders {
		for _, l := range b.signedLifetimes() {
			if l.ttl > grace {
				grace = l.ttl
			}
		}
	}

	var enc *security.Encryptor
	if c.Keys.EncryptionKey != "" {
		raw, err := security.KeyFromBase64(c.Keys.EncryptionKey)
		if err != nil {
			return nil, configErr("", "keys.encryption_key", err.Error())
		}
		enc, err = security.NewEncryptor(raw)
		if err != nil {
			return nil, configErr("", "keys.encryption_key", err.Error())
		}
	}

	ks, err := keys.New(backend, keys.Config{
		Algorithm:       c.Keys.Algorithm,
		KeyTTL:          c.Keys.TTL,
		GracePeriod:     grace,
		RefreshInterval: c.Keys.RefreshInterval,
		Encryptor:       enc,
		Logger:          logger,
		Instrumentation: inst,
		Auditor:         auditor,
	})
	if err != nil {
		return nil, configErr("", "keys", err.Error())
	}
	if grace > configured {
		logger.Info("Raised key grace period to cover token lifetimes", "grace_period", grace)
	}
	return ks, nil
}
