package util

import "strings"

// SafeTruncate truncates s to at most maxLen bytes without panicking.
// It is used when logging token identifiers, where only a prefix may be shown.
// A negative maxLen yields an empty string.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("short", 10)                  // "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL removes trailing slashes so that "https://issuer/" and
// "https://issuer" compare equal as audience values.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// Dedupe returns values without duplicates, keeping the first occurrence.
// Empty strings are dropped.
func Dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
