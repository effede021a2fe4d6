package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
//
// Never put credential values (tokens, codes, secrets, assertions) into spans;
// only metadata such as grant type, method or key id.
const (
	// OAuth attributes
	AttrClientID   = "oauth.client_id"
	AttrSubject    = "oauth.subject"
	AttrScope      = "oauth.scope"
	AttrGrantType  = "oauth.grant_type"
	AttrGrantState = "oauth.grant.state"
	AttrAuthMethod = "oauth.client_auth.method"
	AttrKeyID      = "oauth.key.id"
	AttrKeyAlg     = "oauth.key.alg"
	AttrError      = "oauth.error"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds client, subject and scope attributes, skipping empty values
func AddOAuthFlowAttributes(span trace.Span, clientID, subject, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if subject != "" {
		SetSpanAttributes(span, attribute.String(AttrSubject, subject))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddGrantStateAttribute records the state a grant reached
func AddGrantStateAttribute(span trace.Span, state string) {
	SetSpanAttributes(span, attribute.String(AttrGrantState, state))
}
