package clientauth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/url"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-engine/storage"
)

// SecretPost authenticates with client_id and client_secret form parameters.
type SecretPost struct {
	cfg Config
}

// NewSecretPost creates a client_secret_post authenticator
func NewSecretPost(cfg Config) (*SecretPost, error) {
	if cfg.Lookup == nil {
		return nil, fmt.Errorf("client lookup is required")
	}
	cfg.applyDefaults()
	return &SecretPost{cfg: cfg}, nil
}

// Method implements Authenticator
func (a *SecretPost) Method() Method { return MethodClientSecretPost }

// Applies implements Authenticator
func (a *SecretPost) Applies(creds *Credentials) bool {
	return creds.ClientSecret != "" && !creds.HasBasic && creds.ClientAssertion == ""
}

// Authenticate implements Authenticator
func (a *SecretPost) Authenticate(ctx context.Context, creds *Credentials) (*Identity, error) {
	client, err := lookupClient(ctx, a.cfg.Lookup, creds.ClientID, MethodClientSecretPost)
	if err != nil {
		return nil, err
	}
	if err := verifySecret(client, creds.ClientSecret, MethodClientSecretPost); err != nil {
		return nil, err
	}
	return &Identity{Client: client, Method: MethodClientSecretPost}, nil
}

// SecretBasic authenticates with HTTP Basic credentials. Both parts are
// form-urlencoded before being placed in the header (RFC 6749 section 2.3.1).
type SecretBasic struct {
	cfg Config
}

// NewSecretBasic creates a client_secret_basic authenticator
func NewSecretBasic(cfg Config) (*SecretBasic, error) {
	if cfg.Lookup == nil {
		return nil, fmt.Errorf("client lookup is required")
	}
	cfg.applyDefaults()
	return &SecretBasic{cfg: cfg}, nil
}

// Method implements Authenticator
func (a *SecretBasic) Method() Method { return MethodClientSecretBasic }

// Applies implements Authenticator
func (a *SecretBasic) Applies(creds *Credentials) bool {
	return creds.HasBasic
}

// Authenticate implements Authenticator
func (a *SecretBasic) Authenticate(ctx context.Context, creds *Credentials) (*Identity, error) {
	clientID, err := url.QueryUnescape(creds.BasicUsername)
	if err != nil {
		return nil, &Error{Method: MethodClientSecretBasic, Reason: "malformed basic credentials"}
	}
	secret, err := url.QueryUnescape(creds.BasicPassword)
	if err != nil {
		return nil, &Error{ClientID: clientID, Method: MethodClientSecretBasic, Reason: "malformed basic credentials"}
	}
	if creds.ClientID != "" && creds.ClientID != clientID {
		return nil, &Error{ClientID: clientID, Method: MethodClientSecretBasic, Reason: "client_id does not match basic credentials"}
	}

	client, err := lookupClient(ctx, a.cfg.Lookup, clientID, MethodClientSecretBasic)
	if err != nil {
		return nil, err
	}
	if err := verifySecret(client, secret, MethodClientSecretBasic); err != nil {
		return nil, err
	}
	return &Identity{Client: client, Method: MethodClientSecretBasic}, nil
}

func verifySecret(client *storage.Client, secret string, method Method) error {
	fail := func(reason string) error {
		return &Error{ClientID: client.ClientID, Method: method, Reason: reason}
	}

	if client.IsPublic() {
		return fail("public clients have no secret")
	}
	if secret == "" {
		return fail("missing client secret")
	}

	switch {
	case client.ClientSecretHash != "":
		if bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)) != nil {
			return fail("invalid client secret")
		}
	case client.ClientSecret != "":
		if subtle.ConstantTimeCompare([]byte(client.ClientSecret), []byte(secret)) != 1 {
			return fail("invalid client secret")
		}
	default:
		return fail("client has no secret registered")
	}
	return nil
}
