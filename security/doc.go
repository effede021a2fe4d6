// Package security provides the protective plumbing of the authorization engine:
// audit logging of security events, AES-256-GCM encryption of signing keys at
// rest, per-identifier rate limiting and response security headers.
//
// # Rate Limiting
//
// The RateLimiter keeps one token bucket per identifier with LRU eviction, so a
// flood of distinct identifiers cannot grow memory without bound. The device
// grant keys it by device code to enforce the polling interval:
//
//	limiter := security.NewRateLimiter(rate.Every(5*time.Second), 1, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(deviceCodeID) {
//	    // slow_down
//	}
//
// GetStats reports the current entry count and eviction totals for monitoring.
//
// # Audit Logging
//
// The Auditor writes one "security_audit" record per event. Subjects are hashed
// before they reach the log; client identifiers are logged as-is because they
// are not personal data.
package security
