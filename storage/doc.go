// Package storage defines the persistence contracts used by the authorization engine.
//
// The interfaces are:
//   - SigningKeyStore: persists signing key pairs and elects the current key
//   - NonceStore: a TTL-bounded set guaranteeing at-most-once consumption of one-time values
//   - RefreshTokenStore: external persistence and revocation of refresh tokens
//   - AccessTokenStore: server-side resolution of opaque access tokens
//   - ClientStore: the client registry consulted through the lookup callback
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development, testing and single-process deployments
//   - storage/valkey: Valkey/Redis-compatible storage shared across processes
//   - storage/mock: function-field fakes for failure injection in tests
//
// A multi-process deployment must back SigningKeyStore and NonceStore with a shared
// store; the in-memory implementation only guarantees a single current key and
// at-most-once redemption within one process.
package storage
