// Package valkey provides a Valkey storage backend for the authorization engine.
//
// Valkey is wire-compatible with Redis. Pointing several engine processes at the
// same server and key prefix gives them one elected signing key and one shared
// replay set, which the in-memory store cannot provide.
//
// # Implemented Interfaces
//
//   - [storage.SigningKeyStore]: signing key records and current-key election
//   - [storage.NonceStore]: TTL-bounded one-time values
//   - [storage.RefreshTokenStore]: refresh token records and revocation
//   - [storage.AccessTokenStore]: opaque access tokens
//   - [storage.ClientStore]: the client registry
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth:"):
//
//	{prefix}signingkey:{kid}        -> JSON(SigningKey), PX until RetainUntil
//	{prefix}signingkey-current      -> kid, PX until ExpiresAt
//	{prefix}nonce:{key}             -> "1", PX ttl
//	{prefix}refresh:{jti}           -> JSON(RefreshToken), PX until expiry
//	{prefix}access:{value}          -> JSON(AccessToken), PX until expiry
//	{prefix}client:{clientID}       -> JSON(Client)
//
// # Atomic Operations
//
// Current-key election, nonce claims and refresh token revocation run as Lua
// scripts. Nonce redemption uses DEL, whose reply count tells exactly one caller
// that it removed the key.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "oauth:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// Signing keys reach this package already encrypted when the key store is given
// an encryptor, so private key material is never written in the clear.
package valkey
