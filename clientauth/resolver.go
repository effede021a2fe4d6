package clientauth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/protocol"
	"github.com/giantswarm/oauth-engine/security"
)

// Resolver picks the authenticator for a request.
type Resolver struct {
	authenticators  []Authenticator
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
	auditor         *security.Auditor
}

// NewResolver returns a Resolver that tries authenticators in order.
func NewResolver(authenticators ...Authenticator) *Resolver {
	return &Resolver{
		authenticators: authenticators,
		logger:         slog.Default(),
	}
}

// SetLogger sets a custom logger. Nil is ignored.
func (r *Resolver) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// observer is implemented by authenticators that report events of their own,
// such as assertion replays.
type observer interface {
	observe(inst *instrumentation.Instrumentation, auditor *security.Auditor)
}

// SetInstrumentation enables failure metrics. Authenticators without their own
// instrumentation inherit it.
func (r *Resolver) SetInstrumentation(inst *instrumentation.Instrumentation) {
	r.instrumentation = inst
	for _, a := range r.authenticators {
		if o, ok := a.(observer); ok {
			o.observe(inst, nil)
		}
	}
}

// SetAuditor enables audit events for failures. Authenticators without their
// own auditor inherit it.
func (r *Resolver) SetAuditor(auditor *security.Auditor) {
	r.auditor = auditor
	for _, a := range r.authenticators {
		if o, ok := a.(observer); ok {
			o.observe(nil, auditor)
		}
	}
}

// Methods returns the configured methods in resolution order.
func (r *Resolver) Methods() []Method {
	out := make([]Method, 0, len(r.authenticators))
	for _, a := range r.authenticators {
		out = append(out, a.Method())
	}
	return out
}

// Resolve authenticates creds with the first applicable authenticator that
// succeeds. It returns a protocol invalid_request when more than one credential
// kind is presented, an *Error when authentication fails, and any other error
// unchanged.
func (r *Resolver) Resolve(ctx context.Context, creds *Credentials) (*Identity, error) {
	if creds == nil {
		creds = &Credentials{}
	}
	if presentedKinds(creds) > 1 {
		return nil, protocol.InvalidRequest("Multiple client authentication methods were used")
	}

	var failure *Error
	for _, a := range r.authenticators {
		if !a.Applies(creds) {
			continue
		}
		id, err := a.Authenticate(ctx, creds)
		if err == nil {
			r.logger.Debug("Client authenticated", "client_id", id.ClientID(), "method", string(id.Method))
			return id, nil
		}
		var ae *Error
		if !errors.As(err, &ae) {
			return nil, err
		}
		if failure == nil {
			failure = ae
		}
	}

	if failure == nil {
		failure = &Error{ClientID: creds.PresentedClientID(), Reason: "no supported authentication method presented"}
	}

	r.logger.Warn("Client authentication failed",
		"client_id", failure.ClientID,
		"method", string(failure.Method),
		"reason", failure.Reason)
	r.instrumentation.Metrics().RecordClientAuthFailure(ctx, string(failure.Method))
	r.auditor.LogAuthFailure(failure.ClientID, string(failure.Method), failure.Reason)
	return nil, failure
}

// presentedKinds counts the distinct credential kinds on a request
func presentedKinds(creds *Credentials) int {
	n := 0
	if creds.HasBasic {
		n++
	}
	if creds.ClientSecret != "" {
		n++
	}
	if creds.ClientAssertion != "" {
		n++
	}
	return n
}
