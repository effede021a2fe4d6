package protocol

import (
	"slices"
	"strings"
)

// Scopes with protocol meaning
const (
	// ScopeOpenID requests an ID token
	ScopeOpenID = "openid"

	// ScopeOfflineAccess requests a refresh token
	ScopeOfflineAccess = "offline_access"
)

// ParseScope splits a space-delimited scope string, dropping duplicates.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// FormatScope joins scopes into the wire representation.
func FormatScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// HasScope reports whether scope is among scopes.
func HasScope(scopes []string, scope string) bool {
	return slices.Contains(scopes, scope)
}

// IsSubset reports whether every requested scope is in allowed.
func IsSubset(requested, allowed []string) bool {
	for _, s := range requested {
		if !slices.Contains(allowed, s) {
			return false
		}
	}
	return true
}

// Missing returns the requested scopes that are not in allowed.
func Missing(requested, allowed []string) []string {
	var missing []string
	for _, s := range requested {
		if !slices.Contains(allowed, s) {
			missing = append(missing, s)
		}
	}
	return missing
}
