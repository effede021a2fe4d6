package helpers

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// IPClassification is the security classification of an IP address.
type IPClassification int

const (
	// IPClassificationPublic indicates a publicly routable IP address.
	IPClassificationPublic IPClassification = iota
	// IPClassificationLoopback indicates a loopback address (127.0.0.0/8, ::1).
	IPClassificationLoopback
	// IPClassificationPrivate indicates a private/internal address (RFC 1918, ULA).
	IPClassificationPrivate
	// IPClassificationLinkLocal indicates a link-local address (169.254.x.x, fe80::/10).
	IPClassificationLinkLocal
	// IPClassificationUnspecified indicates an unspecified address (0.0.0.0, ::).
	IPClassificationUnspecified
)

// String returns a human-readable name for the IP classification.
func (c IPClassification) String() string {
	switch c {
	case IPClassificationPublic:
		return "public"
	case IPClassificationLoopback:
		return "loopback"
	case IPClassificationPrivate:
		return "private"
	case IPClassificationLinkLocal:
		return "link_local"
	case IPClassificationUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP returns the security classification of ip. A nil ip is
// unspecified.
func ClassifyIP(ip net.IP) IPClassification {
	switch {
	case ip == nil, ip.IsUnspecified():
		return IPClassificationUnspecified
	case ip.IsLoopback():
		return IPClassificationLoopback
	// 169.254.169.254 is the cloud metadata service
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return IPClassificationLinkLocal
	case ip.IsPrivate():
		return IPClassificationPrivate
	}
	return IPClassificationPublic
}

// IsLoopbackHostname reports whether hostname, as returned by
// url.URL.Hostname, is localhost or a loopback IP. 0.0.0.0 is not loopback.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	hostname = strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// ValidateRedirectURI checks a redirect URI before it is registered. It must
// be absolute and free of fragments. Plain http is only allowed for loopback
// hosts, where native apps listen (RFC 8252 section 7.3). Custom schemes
// (RFC 8252 section 7.1) are accepted as they are.
func ValidateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid redirect URI: %w", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("redirect URI %q must be absolute", raw)
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return fmt.Errorf("redirect URI %q must not contain a fragment", raw)
	}

	switch u.Scheme {
	case "https":
		if u.Host == "" {
			return fmt.Errorf("redirect URI %q has no host", raw)
		}
	case "http":
		if !IsLoopbackHostname(u.Hostname()) {
			return fmt.Errorf("redirect URI %q must use https unless it targets a loopback address", raw)
		}
	case "javascript", "data", "file", "vbscript":
		return fmt.Errorf("redirect URI scheme %q is not allowed", u.Scheme)
	}
	return nil
}
