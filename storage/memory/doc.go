// Package memory provides an in-memory implementation of every storage interface.
//
// The Store keeps signing keys, nonces, refresh tokens, opaque access tokens and
// clients in maps guarded by a sync.RWMutex. A background goroutine sweeps
// expired entries on a configurable interval; reads also check expiry, so a
// nonce stops being visible the moment its TTL elapses even between sweeps.
//
// It is suitable for development, testing and single-process deployments. When
// the engine runs in several processes use storage/valkey instead, otherwise the
// single-current-key and at-most-once redemption guarantees only hold per process.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	keyStore, _ := keys.New(store, keys.Config{})
//	flow, _ := oauth.ClientCredentialsFlow().
//	    WithKeyStore(keyStore).
//	    WithReplayStore(store).
//	    WithClientStore(store).
//	    Build()
package memory
