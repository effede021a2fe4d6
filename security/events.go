package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a grant issues tokens
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh grant succeeds
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked at the revocation endpoint
	EventTokenRevoked = "token_revoked"

	// Replay events

	// EventAuthorizationCodeReuseDetected is logged when a redeemed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event type name, not a credential

	// EventDeviceCodeReuseDetected is logged when a redeemed device code is polled again
	EventDeviceCodeReuseDetected = "device_code_reuse_detected"

	// EventAssertionReplayDetected is logged when a client assertion jti is reused
	EventAssertionReplayDetected = "assertion_replay_detected"

	// Client events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventPKCEValidationFailed is logged when the code_verifier does not match
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventScopeEscalationAttempt is logged when a refresh requests scopes beyond the original grant
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventRateLimitExceeded is logged when a device code is polled too fast
	EventRateLimitExceeded = "rate_limit_exceeded"

	// Key management events

	// EventSigningKeyCreated is logged when a new current signing key is elected
	EventSigningKeyCreated = "signing_key_created"

	// EventSigningKeyRotated is logged when the current signing key is replaced on demand
	EventSigningKeyRotated = "signing_key_rotated"
)
