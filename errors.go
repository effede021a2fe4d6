package oauth

import (
	"errors"
	"fmt"

	"github.com/giantswarm/oauth-engine/protocol"
)

// ConfigurationError reports an incomplete or inconsistent flow or deployment.
// It is only returned by Build and Compose, never while serving requests.
type ConfigurationError struct {
	GrantType protocol.GrantType // empty for deployment-wide problems
	Field     string
	Reason    string
}

// Error implements the error interface
func (e *ConfigurationError) Error() string {
	if e.GrantType == "" {
		return fmt.Sprintf("oauth configuration: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("oauth configuration: %s flow: %s: %s", e.GrantType, e.Field, e.Reason)
}

// IsConfigurationError reports whether err is, or wraps, a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

func configErr(gt protocol.GrantType, field, reason string) *ConfigurationError {
	return &ConfigurationError{GrantType: gt, Field: field, Reason: reason}
}
