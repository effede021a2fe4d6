package oauth

import (
	"slices"

	"github.com/giantswarm/oauth-engine/clientauth"
	"github.com/giantswarm/oauth-engine/protocol"
)

// Metadata returns the RFC 8414 document describing the deployment.
func (d *Deployment) Metadata() *AuthorizationServerMetadata {
	base := d.issuerURL
	md := &AuthorizationServerMetadata{
		Issuer:                           base,
		TokenEndpoint:                    base + d.paths.Token,
		JWKSURI:                          base + d.paths.JWKS,
		ScopesSupported:                  sortedKeys(d.scopes),
		ResponseTypesSupported:           []string{},
		RevocationEndpoint:               base + d.paths.Revocation,
		IntrospectionEndpoint:            base + d.paths.Introspection,
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{d.keys.Algorithm()},
	}

	for _, gt := range d.order {
		f := d.flows[gt]
		md.GrantTypesSupported = append(md.GrantTypesSupported, string(gt))
		switch gt {
		case protocol.GrantTypeAuthorizationCode:
			md.AuthorizationEndpoint = base + f.paths.Authorize
			md.ResponseTypesSupported = []string{protocol.ResponseTypeCode}
			md.CodeChallengeMethodsSupported = []string{protocol.PKCEMethodS256}
		case protocol.GrantTypeDeviceCode:
			md.DeviceAuthorizationEndpoint = base + f.paths.DeviceAuthorization
		}
	}

	methods := d.clients.Methods()
	for _, m := range methods {
		md.TokenEndpointAuthMethodsSupported = append(md.TokenEndpointAuthMethodsSupported, string(m))
	}
	if slices.Contains(methods, clientauth.MethodPrivateKeyJWT) {
		md.TokenEndpointAuthSigningAlgValuesSupported = append(md.TokenEndpointAuthSigningAlgValuesSupported, "RS256", "ES256")
	}
	if slices.Contains(methods, clientauth.MethodClientSecretJWT) {
		md.TokenEndpointAuthSigningAlgValuesSupported = append(md.TokenEndpointAuthSigningAlgValuesSupported, "HS256")
	}
	return md
}
