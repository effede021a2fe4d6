package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes from RFC 6749 section 5.2, RFC 8628 section 3.5 and RFC 6749 section 4.1.2.1.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeAuthorizationPending    = "authorization_pending"
	ErrorCodeSlowDown                = "slow_down"
	ErrorCodeExpiredToken            = "expired_token"
	ErrorCodeServerError             = "server_error"
)

// Error is a protocol error returned to the caller as a value. It serializes to
// the RFC 6749 error response shape.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a protocol error with an explicit status.
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// AsError reports whether err is, or wraps, a protocol error.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Constructors for the fixed vocabulary.
var (
	// InvalidRequest indicates a missing, repeated or malformed parameter
	InvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// InvalidClient indicates client authentication failed
	InvalidClient = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// InvalidGrant indicates the code, device code or refresh token is invalid, expired or consumed
	InvalidGrant = func(desc string) *Error {
		return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// InvalidScope indicates the requested scope is unknown or exceeds what may be granted
	InvalidScope = func(desc string) *Error {
		return NewError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// UnauthorizedClient indicates the client may not use this grant type
	UnauthorizedClient = func(desc string) *Error {
		return NewError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// UnsupportedGrantType indicates no flow handles the grant type
	UnsupportedGrantType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// UnsupportedResponseType indicates the authorization endpoint cannot serve the response_type
	UnsupportedResponseType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
	}

	// AccessDenied indicates the resource owner denied the request
	AccessDenied = func(desc string) *Error {
		return NewError(ErrorCodeAccessDenied, desc, http.StatusBadRequest)
	}

	// AuthorizationPending indicates the device authorization is not yet approved
	AuthorizationPending = func(desc string) *Error {
		return NewError(ErrorCodeAuthorizationPending, desc, http.StatusBadRequest)
	}

	// SlowDown indicates the device is polling faster than its interval
	SlowDown = func(desc string) *Error {
		return NewError(ErrorCodeSlowDown, desc, http.StatusBadRequest)
	}

	// ExpiredToken indicates the device code has expired
	ExpiredToken = func(desc string) *Error {
		return NewError(ErrorCodeExpiredToken, desc, http.StatusBadRequest)
	}
)

// ServerError is the generic error written for infrastructure failures.
// It never carries internal details.
func ServerError() *Error {
	return NewError(ErrorCodeServerError, "The server encountered an unexpected condition", http.StatusInternalServerError)
}

// AuthorizeError is returned by the authorization step. When RedirectURI is set
// the error must be delivered to the client by redirect; otherwise the redirect
// target itself was not trustworthy and the error is shown to the user agent.
type AuthorizeError struct {
	Err         *Error
	RedirectURI string
	State       string
}

// Error implements the error interface
func (e *AuthorizeError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying protocol error
func (e *AuthorizeError) Unwrap() error {
	return e.Err
}
