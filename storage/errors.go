package storage

import "errors"

// Lookup errors. Implementations return these (optionally wrapped) so that callers
// can distinguish "absent" from infrastructure failure.
var (
	ErrClientNotFound       = errors.New("client not found")
	ErrSigningKeyNotFound   = errors.New("signing key not found")
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrAccessTokenNotFound  = errors.New("access token not found")
)

// Infrastructure errors. The engine wraps backend failures with these so the
// transport can answer with a generic server error.
var (
	ErrKeyStoreUnavailable    = errors.New("key store unavailable")
	ErrReplayStoreUnavailable = errors.New("replay store unavailable")
)
