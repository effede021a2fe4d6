// Package keys manages the signing key pairs behind every token the engine issues.
//
// A Store elects at most one current signing key at a time. When no current key
// exists (first use, or the previous key passed its TTL) a new pair is generated
// and handed to storage.SigningKeyStore.CreateCurrentSigningKey, which only makes
// it current if no other writer got there first. Writers in the same process are
// serialized by a mutex; writers in other processes converge through the shared
// store's atomic claim.
//
// Keys stop signing at ExpiresAt but stay published in the JWKS, and accepted by
// Parse, until RetainUntil (ExpiresAt plus the grace period), so tokens issued
// just before a rotation keep verifying.
//
// Tokens are signed with golang-jwt and always carry a "kid" and a "typ" header.
// Parse enforces the expected "typ" so an authorization code can never be
// replayed as an access token, or a refresh token as a device code.
//
// Example:
//
//	store := memory.New()
//	ks, err := keys.New(store, keys.Config{Algorithm: keys.AlgorithmES256})
//	signed, err := ks.Sign(ctx, claims, "at+jwt")
//	jwks, err := ks.JWKS(ctx)
package keys
