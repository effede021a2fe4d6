package protocol

import (
	"net/url"
	"time"
)

// GrantType identifies one of the OAuth 2.0 grant flows.
type GrantType string

// Supported grant types
const (
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	GrantTypeClientCredentials GrantType = "client_credentials"
	GrantTypeDeviceCode        GrantType = "urn:ietf:params:oauth:grant-type:device_code"
	GrantTypeRefreshToken      GrantType = "refresh_token"
)

// ClientAssertionTypeJWTBearer is the only client_assertion_type accepted (RFC 7523).
const ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Response types and PKCE methods
const (
	ResponseTypeCode = "code"
	PKCEMethodS256   = "S256"
	PKCEMethodPlain  = "plain"
)

// ClientCredentials carries whatever the client presented to authenticate itself
// on a single request. It is never persisted.
type ClientCredentials struct {
	// ClientID is the client_id form parameter, if present
	ClientID string

	// ClientSecret is the client_secret form parameter (client_secret_post)
	ClientSecret string

	// BasicUsername and BasicPassword come from the Authorization header
	// (client_secret_basic) still form-encoded; HasBasic reports whether the
	// header was present.
	BasicUsername string
	BasicPassword string
	HasBasic      bool

	// ClientAssertion and ClientAssertionType carry a signed JWT (RFC 7523)
	ClientAssertion     string
	ClientAssertionType string
}

// PresentedClientID returns the client identifier the request claims, looking at
// the Authorization header first and the form parameter second.
func (c *ClientCredentials) PresentedClientID() string {
	if c.HasBasic && c.BasicUsername != "" {
		return c.BasicUsername
	}
	return c.ClientID
}

// TokenRequest is the normalized token endpoint request. It is built once per
// request from the inbound parameters and never modified afterwards.
type TokenRequest struct {
	GrantType    GrantType
	Scope        string
	Code         string
	CodeVerifier string
	RedirectURI  string
	DeviceCode   string
	RefreshToken string

	Client ClientCredentials
}

// ClientID returns the client identifier presented with the request.
func (r *TokenRequest) ClientID() string {
	return r.Client.PresentedClientID()
}

// NewTokenRequest builds a TokenRequest from form values. The Authorization
// header credentials are supplied separately because their extraction depends
// on the transport.
func NewTokenRequest(form url.Values, basicUser, basicPassword string, hasBasic bool) *TokenRequest {
	return &TokenRequest{
		GrantType:    GrantType(form.Get("grant_type")),
		Scope:        form.Get("scope"),
		Code:         form.Get("code"),
		CodeVerifier: form.Get("code_verifier"),
		RedirectURI:  form.Get("redirect_uri"),
		DeviceCode:   form.Get("device_code"),
		RefreshToken: form.Get("refresh_token"),
		Client:       credentialsFromForm(form, basicUser, basicPassword, hasBasic),
	}
}

func credentialsFromForm(form url.Values, basicUser, basicPassword string, hasBasic bool) ClientCredentials {
	return ClientCredentials{
		ClientID:            form.Get("client_id"),
		ClientSecret:        form.Get("client_secret"),
		BasicUsername:       basicUser,
		BasicPassword:       basicPassword,
		HasBasic:            hasBasic,
		ClientAssertion:     form.Get("client_assertion"),
		ClientAssertionType: form.Get("client_assertion_type"),
	}
}

// AuthorizeRequest is the normalized authorization endpoint request.
type AuthorizeRequest struct {
	ClientID            string
	ResponseType        string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// NewAuthorizeRequest builds an AuthorizeRequest from query or form values.
func NewAuthorizeRequest(values url.Values) *AuthorizeRequest {
	return &AuthorizeRequest{
		ClientID:            values.Get("client_id"),
		ResponseType:        values.Get("response_type"),
		RedirectURI:         values.Get("redirect_uri"),
		Scope:               values.Get("scope"),
		State:               values.Get("state"),
		CodeChallenge:       values.Get("code_challenge"),
		CodeChallengeMethod: values.Get("code_challenge_method"),
		Nonce:               values.Get("nonce"),
	}
}

// AuthorizeResponse is the outcome of a successful authorization step. Exactly
// one of Code or LoginURL is set: a code is delivered to RedirectURI, a login
// URL means the host must first render its login or consent step.
type AuthorizeResponse struct {
	RedirectURI string
	Code        string
	State       string
	LoginURL    string
}

// Location returns the URL the user agent should be sent to.
func (r *AuthorizeResponse) Location() string {
	if r.LoginURL != "" {
		return r.LoginURL
	}
	params := url.Values{}
	params.Set("code", r.Code)
	if r.State != "" {
		params.Set("state", r.State)
	}
	return appendQuery(r.RedirectURI, params)
}

// ErrorLocation returns the redirect URL carrying an authorization error.
func (e *AuthorizeError) ErrorLocation() string {
	params := url.Values{}
	params.Set("error", e.Err.Code)
	if e.Err.Description != "" {
		params.Set("error_description", e.Err.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	return appendQuery(e.RedirectURI, params)
}

func appendQuery(base string, params url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// DeviceAuthorizationRequest is the normalized device authorization request (RFC 8628 3.1).
type DeviceAuthorizationRequest struct {
	Scope  string
	Client ClientCredentials
}

// NewDeviceAuthorizationRequest builds a DeviceAuthorizationRequest from form values.
func NewDeviceAuthorizationRequest(form url.Values, basicUser, basicPassword string, hasBasic bool) *DeviceAuthorizationRequest {
	return &DeviceAuthorizationRequest{
		Scope:  form.Get("scope"),
		Client: credentialsFromForm(form, basicUser, basicPassword, hasBasic),
	}
}

// DeviceAuthorizationResponse is the RFC 8628 section 3.2 response.
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval,omitempty"`
}

// RevocationRequest is the normalized RFC 7009 request.
type RevocationRequest struct {
	Token         string
	TokenTypeHint string
	Client        ClientCredentials
}

// NewRevocationRequest builds a RevocationRequest from form values.
func NewRevocationRequest(form url.Values, basicUser, basicPassword string, hasBasic bool) *RevocationRequest {
	return &RevocationRequest{
		Token:         form.Get("token"),
		TokenTypeHint: form.Get("token_type_hint"),
		Client:        credentialsFromForm(form, basicUser, basicPassword, hasBasic),
	}
}

// IntrospectionRequest is the normalized RFC 7662 request. It carries the same
// parameters as a revocation request.
type IntrospectionRequest struct {
	Token         string
	TokenTypeHint string
	Client        ClientCredentials
}

// NewIntrospectionRequest builds an IntrospectionRequest from form values.
func NewIntrospectionRequest(form url.Values, basicUser, basicPassword string, hasBasic bool) *IntrospectionRequest {
	return &IntrospectionRequest{
		Token:         form.Get("token"),
		TokenTypeHint: form.Get("token_type_hint"),
		Client:        credentialsFromForm(form, basicUser, basicPassword, hasBasic),
	}
}

// IntrospectionResponse is the RFC 7662 response. Only Active is set for
// inactive tokens.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	JTI       string `json:"jti,omitempty"`
}

// ExpiresInSeconds converts a lifetime into the integer seconds used on the wire.
func ExpiresInSeconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
