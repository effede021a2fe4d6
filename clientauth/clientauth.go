package clientauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/protocol"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
)

// Method is a token endpoint authentication method (RFC 7591 section 2).
type Method string

// Supported methods
const (
	MethodClientSecretPost  Method = "client_secret_post"
	MethodClientSecretBasic Method = "client_secret_basic"
	MethodPrivateKeyJWT     Method = "private_key_jwt"
	MethodClientSecretJWT   Method = "client_secret_jwt"
	MethodNone              Method = "none"
)

// KnownMethod reports whether m is one of the supported methods.
func KnownMethod(m Method) bool {
	switch m {
	case MethodClientSecretPost, MethodClientSecretBasic, MethodPrivateKeyJWT, MethodClientSecretJWT, MethodNone:
		return true
	}
	return false
}

// Credentials is what a client presented on one request.
type Credentials = protocol.ClientCredentials

// ClientLookup resolves a client by id. It returns an error wrapping
// storage.ErrClientNotFound for unknown clients; any other error is treated as
// an infrastructure failure.
type ClientLookup func(ctx context.Context, clientID string) (*storage.Client, error)

// Identity is an authenticated client.
type Identity struct {
	Client *storage.Client
	Method Method
}

// ClientID returns the authenticated client's id
func (i *Identity) ClientID() string {
	return i.Client.ClientID
}

// Error is an authentication failure. It carries the reason for logs only;
// the client always sees a generic invalid_client.
type Error struct {
	ClientID string
	Method   Method
	Reason   string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("client authentication failed: %s", e.Reason)
	}
	return fmt.Sprintf("client authentication failed (%s): %s", e.Method, e.Reason)
}

// ProtocolError returns the error the client is shown.
func (e *Error) ProtocolError() *protocol.Error {
	return protocol.InvalidClient("Client authentication failed")
}

// IsAuthenticationFailure reports whether err is, or wraps, an *Error.
func IsAuthenticationFailure(err error) bool {
	var ae *Error
	return errors.As(err, &ae)
}

// Authenticator verifies one authentication method.
type Authenticator interface {
	// Method returns the method this authenticator verifies
	Method() Method

	// Applies reports whether creds carry this method's credential
	Applies(creds *Credentials) bool

	// Authenticate verifies creds. It returns an *Error when the credential
	// is wrong and any other error when verification could not be performed.
	Authenticate(ctx context.Context, creds *Credentials) (*Identity, error)
}

// Config holds what the authenticators need. Lookup is required; Nonces and
// Audiences are required for assertion methods.
type Config struct {
	Lookup ClientLookup

	// Nonces records assertion jti values until they expire
	Nonces storage.NonceStore

	// Audiences are the accepted aud values of client assertions, usually the
	// issuer and the token endpoint URL.
	Audiences []string

	// Leeway is the clock skew tolerated on assertion time claims
	Leeway time.Duration

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
	Auditor         *security.Auditor
	Now             func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Leeway == 0 {
		c.Leeway = security.DefaultClockSkewGracePeriod
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Now = security.NowFunc(c.Now)
}

// New returns the authenticator for method.
func New(method Method, cfg Config) (Authenticator, error) {
	switch method {
	case MethodClientSecretPost:
		return NewSecretPost(cfg)
	case MethodClientSecretBasic:
		return NewSecretBasic(cfg)
	case MethodPrivateKeyJWT, MethodClientSecretJWT:
		return NewAssertion(method, cfg)
	case MethodNone:
		return NewNone(cfg)
	default:
		return nil, fmt.Errorf("unsupported client authentication method %q", method)
	}
}

// lookupClient resolves clientID, turning "not found" into an authentication
// failure and leaving every other error untouched.
func lookupClient(ctx context.Context, lookup ClientLookup, clientID string, method Method) (*storage.Client, error) {
	if clientID == "" {
		return nil, &Error{Method: method, Reason: "missing client_id"}
	}
	client, err := lookup(ctx, clientID)
	if errors.Is(err, storage.ErrClientNotFound) {
		return nil, &Error{ClientID: clientID, Method: method, Reason: "unknown client"}
	}
	if err != nil {
		return nil, fmt.Errorf("client lookup: %w", err)
	}
	if client == nil {
		return nil, &Error{ClientID: clientID, Method: method, Reason: "unknown client"}
	}
	return client, nil
}
