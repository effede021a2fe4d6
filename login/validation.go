package login

import (
	"fmt"
	"net"
	"net/url"

	"github.com/giantswarm/oauth-engine/internal/helpers"
)

// ValidateIssuerURL checks an upstream issuer URL. It must use HTTPS and must
// not be an internal address, so a misconfigured issuer cannot be used to
// reach internal services. allowPrivate lifts both rules for development.
func ValidateIssuerURL(issuerURL string, allowPrivate bool) error {
	u, err := url.Parse(issuerURL)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("issuer URL must have a hostname")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("issuer URL must not have a query or fragment")
	}
	if allowPrivate {
		if u.Scheme != "https" && u.Scheme != "http" {
			return fmt.Errorf("issuer URL must use HTTP(S), got %s", u.Scheme)
		}
		return nil
	}

	if u.Scheme != "https" {
		return fmt.Errorf("issuer URL must use HTTPS, got %s", u.Scheme)
	}
	if helpers.IsLoopbackHostname(u.Hostname()) {
		return fmt.Errorf("issuer URL must not point to loopback addresses")
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil {
		if c := helpers.ClassifyIP(ip); c != helpers.IPClassificationPublic {
			return fmt.Errorf("issuer URL must not point to %s addresses", c)
		}
	}
	return nil
}
