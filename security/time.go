package security

import "time"

// DefaultClockSkewGracePeriod is the leeway applied when checking the expiry of
// tokens issued by other parties (client assertions) and when sweeping stored
// token records.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired checks if a token is expired with default clock skew grace period
func IsTokenExpired(expiresAt time.Time) bool {
	return IsExpiredAt(time.Now(), expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredAt reports whether expiresAt lies more than gracePeriod before now.
// A zero expiresAt never expires.
func IsExpiredAt(now, expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}

// NowFunc returns now, or time.Now when now is nil. Components accept an
// optional clock so tests can control expiry.
func NowFunc(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}
