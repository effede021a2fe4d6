package grant

import (
	"fmt"
	"slices"
	"strings"

	"github.com/giantswarm/oauth-engine/protocol"
)

// allowedScopes is the client's scopes restricted to the advertised ones.
// A nil result means "anything": neither list restricts.
func allowedScopes(clientScopes, advertised []string) []string {
	switch {
	case len(clientScopes) == 0:
		return advertised
	case len(advertised) == 0:
		return clientScopes
	}
	out := make([]string, 0, len(clientScopes))
	for _, s := range clientScopes {
		if slices.Contains(advertised, s) {
			out = append(out, s)
		}
	}
	return out
}

// negotiateScope returns the scopes to grant. Requested scopes must all be
// allowed; an empty request gets the allowed part of the defaults.
func negotiateScope(requested, clientScopes, advertised, defaults []string) ([]string, error) {
	allowed := allowedScopes(clientScopes, advertised)
	unrestricted := len(clientScopes) == 0 && len(advertised) == 0

	if len(requested) == 0 {
		if unrestricted {
			return slices.Clone(defaults), nil
		}
		var out []string
		for _, s := range defaults {
			if slices.Contains(allowed, s) {
				out = append(out, s)
			}
		}
		return out, nil
	}

	if !unrestricted {
		if missing := protocol.Missing(requested, allowed); len(missing) > 0 {
			return nil, protocol.InvalidScope(fmt.Sprintf("scope not allowed: %s", strings.Join(missing, " ")))
		}
	}
	return requested, nil
}

// narrowScope checks that requested is within granted. An empty request keeps
// the granted scopes.
func narrowScope(requested, granted []string) ([]string, []string) {
	if len(requested) == 0 {
		return slices.Clone(granted), nil
	}
	return requested, protocol.Missing(requested, granted)
}
