package storage

import (
	"context"
	"time"

	"github.com/go-jose/go-jose/v3"
)

// SigningKeyStore persists signing key pairs. The store, not its caller, decides
// which key is current so that concurrent writers (threads or processes sharing
// the backend) converge on a single current key.
type SigningKeyStore interface {
	// CreateCurrentSigningKey saves key and makes it current unless a current,
	// unexpired key already exists. It returns whichever key is current afterwards,
	// which is not key when another writer won.
	CreateCurrentSigningKey(ctx context.Context, key *SigningKey) (*SigningKey, error)

	// SetCurrentSigningKey saves key and makes it current unconditionally (rotation).
	SetCurrentSigningKey(ctx context.Context, key *SigningKey) error

	// GetCurrentSigningKey returns the current key, or ErrSigningKeyNotFound when
	// there is none or it has expired.
	GetCurrentSigningKey(ctx context.Context) (*SigningKey, error)

	// ListSigningKeys returns every key still inside its retention window.
	ListSigningKeys(ctx context.Context) ([]*SigningKey, error)
}

// NonceStore is a TTL-bounded set of one-time values. Every method is safe for
// concurrent use and entries disappear once their TTL elapses without any caller
// action.
type NonceStore interface {
	// AddNonce registers key for ttl. Re-adding an existing key resets its TTL.
	AddNonce(ctx context.Context, key string, ttl time.Duration) error

	// ClaimNonce registers key for ttl only if it is not already present and
	// reports whether this call registered it.
	ClaimNonce(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// HasNonce reports whether key is present and unexpired.
	HasNonce(ctx context.Context, key string) (bool, error)

	// DeleteNonce removes key and reports whether it was present and unexpired.
	// Exactly one of any number of concurrent calls for the same key returns true,
	// which makes it the redemption primitive for codes and device codes.
	DeleteNonce(ctx context.Context, key string) (bool, error)
}

// RefreshTokenStore persists refresh tokens outside the engine so they can be
// listed and revoked independently of the tokens' signatures.
type RefreshTokenStore interface {
	// SaveRefreshToken records a newly issued refresh token
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns the record for id or ErrRefreshTokenNotFound
	GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error)

	// RevokeRefreshToken marks id revoked. Unknown ids are not an error.
	RevokeRefreshToken(ctx context.Context, id string) error
}

// AccessTokenStore resolves opaque access tokens.
type AccessTokenStore interface {
	// SaveAccessToken stores an opaque access token until its expiry
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken returns the record for the token value or ErrAccessTokenNotFound
	GetAccessToken(ctx context.Context, value string) (*AccessToken, error)

	// DeleteAccessToken removes the token. Unknown values are not an error.
	DeleteAccessToken(ctx context.Context, value string) error
}

// ClientStore is the client registry.
type ClientStore interface {
	// SaveClient registers or replaces a client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient returns the client or ErrClientNotFound
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// SigningKey is the persisted form of a signing key pair.
type SigningKey struct {
	KeyID     string
	Algorithm string // RS256 or ES256

	// PrivateKey is the PKCS#8 DER encoding, or its AES-256-GCM ciphertext when
	// Encrypted is set.
	PrivateKey []byte
	Encrypted  bool

	CreatedAt time.Time
	// ExpiresAt ends the key's use for new signatures.
	ExpiresAt time.Time
	// RetainUntil ends the key's use for verification.
	RetainUntil time.Time
}

// IsCurrentAt reports whether the key may still sign at now.
func (k *SigningKey) IsCurrentAt(now time.Time) bool {
	return now.Before(k.ExpiresAt)
}

// IsRetainedAt reports whether the key may still verify at now.
func (k *SigningKey) IsRetainedAt(now time.Time) bool {
	return now.Before(k.RetainUntil)
}

// RefreshToken is the persisted record of a refresh token.
type RefreshToken struct {
	ID        string // the token's jti
	ClientID  string
	Subject   string
	Scopes    []string
	ParentID  string // jti of the token this one rotated, if any
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// AccessToken is the persisted record of an opaque access token.
type AccessToken struct {
	Value     string
	ClientID  string
	Subject   string
	Scopes    []string
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Client types
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// Client is a registered OAuth client.
type Client struct {
	ClientID string
	// ClientSecretHash is the bcrypt hash of the client secret
	ClientSecretHash string
	// ClientSecret is the plain shared secret, only needed for client_secret_jwt
	// assertions (HMAC keys cannot be hashed).
	ClientSecret string
	ClientType   string
	ClientName   string
	RedirectURIs []string
	// GrantTypes restricts the grant types the client may use; empty allows all.
	GrantTypes []string
	// Scopes restricts the scopes the client may obtain; empty allows every
	// scope advertised by the flow.
	Scopes []string
	// JWKS holds the public keys used to verify private_key_jwt assertions.
	JWKS      *jose.JSONWebKeySet
	CreatedAt time.Time
}

// IsPublic reports whether the client cannot hold a secret.
func (c *Client) IsPublic() bool {
	return c.ClientType == ClientTypePublic
}
