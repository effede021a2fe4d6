package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
// A nil *Auditor is valid and discards every event.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	Subject   string
	ClientID  string
	GrantType string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with the subject hashed
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.Subject),
		"client_id", event.ClientID,
		"grant_type", event.GrantType,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs a successful grant
func (a *Auditor) LogTokenIssued(subject, clientID, grantType, scope string, refresh bool) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		Subject:   subject,
		ClientID:  clientID,
		GrantType: grantType,
		Details: map[string]any{
			"scope":         scope,
			"refresh_token": refresh,
		},
	})
}

// LogTokenRefreshed logs a successful refresh
func (a *Auditor) LogTokenRefreshed(subject, clientID string, rotated bool) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		Subject:   subject,
		ClientID:  clientID,
		GrantType: "refresh_token",
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogTokenRevoked logs a revocation request that matched a token
func (a *Auditor) LogTokenRevoked(subject, clientID, tokenType string) {
	a.LogEvent(Event{
		Type:     EventTokenRevoked,
		Subject:  subject,
		ClientID: clientID,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogAuthFailure logs a client authentication failure
func (a *Auditor) LogAuthFailure(clientID, method, reason string) {
	a.LogEvent(Event{
		Type:     EventAuthFailure,
		ClientID: clientID,
		Details: map[string]any{
			"method": method,
			"reason": reason,
		},
	})
}

// LogReuseDetected logs a replayed one-time value. eventType is one of the
// *ReuseDetected or *ReplayDetected constants.
func (a *Auditor) LogReuseDetected(eventType, clientID, grantType, jti string) {
	a.LogEvent(Event{
		Type:      eventType,
		ClientID:  clientID,
		GrantType: grantType,
		Details: map[string]any{
			"jti_hash": hashForLogging(jti),
		},
	})
}

// LogRateLimitExceeded logs a polling or request rate violation
func (a *Auditor) LogRateLimitExceeded(clientID, grantType string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		ClientID:  clientID,
		GrantType: grantType,
	})
}

// LogSigningKey logs the creation or rotation of a signing key
func (a *Auditor) LogSigningKey(eventType, kid, alg string, expiresAt time.Time) {
	a.LogEvent(Event{
		Type: eventType,
		Details: map[string]any{
			"kid":        kid,
			"alg":        alg,
			"expires_at": expiresAt,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
