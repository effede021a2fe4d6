// Package clientauth authenticates OAuth clients at the token, device
// authorization, revocation and introspection endpoints.
//
// Each supported method is an Authenticator:
//   - client_secret_post: client_id and client_secret form parameters
//   - client_secret_basic: HTTP Basic credentials
//   - private_key_jwt: a client assertion signed with a key from the client's JWKS
//   - client_secret_jwt: a client assertion signed with the shared secret (HS256)
//   - none: public clients that present only their client_id
//
// A Resolver tries the authenticators that apply to the presented credentials
// in order and accepts the first success. Authentication failures are *Error
// values, which the grant handlers turn into invalid_client; failures of the
// client lookup or the replay store are returned unchanged so that the caller
// answers with a server error instead.
package clientauth
