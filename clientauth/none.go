package clientauth

import (
	"context"
	"fmt"
)

// None accepts public clients that present nothing but their client_id.
type None struct {
	cfg Config
}

// NewNone creates the authenticator for public clients
func NewNone(cfg Config) (*None, error) {
	if cfg.Lookup == nil {
		return nil, fmt.Errorf("client lookup is required")
	}
	cfg.applyDefaults()
	return &None{cfg: cfg}, nil
}

// Method implements Authenticator
func (a *None) Method() Method { return MethodNone }

// Applies implements Authenticator. It only applies when no credential at all
// is presented, so a confidential client cannot downgrade to none.
func (a *None) Applies(creds *Credentials) bool {
	return creds.ClientID != "" &&
		creds.ClientSecret == "" &&
		!creds.HasBasic &&
		creds.ClientAssertion == ""
}

// Authenticate implements Authenticator
func (a *None) Authenticate(ctx context.Context, creds *Credentials) (*Identity, error) {
	client, err := lookupClient(ctx, a.cfg.Lookup, creds.ClientID, MethodNone)
	if err != nil {
		return nil, err
	}
	if !client.IsPublic() {
		return nil, &Error{ClientID: client.ClientID, Method: MethodNone, Reason: "confidential client presented no credentials"}
	}
	return &Identity{Client: client, Method: MethodNone}, nil
}
