// Package token mints and verifies the tokens returned by the grant handlers.
//
// Access tokens are JWTs (typ "at+jwt") or opaque random values persisted
// through a host callback. Refresh tokens are JWTs (typ "refresh+jwt") whose
// jti is registered in the replay store for their whole lifetime, so that
// rotation and revocation work without the host keeping any state. ID tokens
// follow OpenID Connect Core section 2 and are only minted for a resource owner
// who asked for the openid scope.
//
// All signing goes through keys.Store, so a token can never be minted with a
// key that could not be loaded.
package token
