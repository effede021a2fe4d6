package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets security headers on responses from token, authorize
// and metadata endpoints. Token responses must never be cached.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()

	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(issuer); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}

// Headers returns middleware applying SetSecurityHeaders to every response.
func Headers(issuer string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			SetSecurityHeaders(w, issuer)
			next.ServeHTTP(w, r)
		})
	}
}
