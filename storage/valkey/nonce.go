package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-engine/internal/util"
)

// ============================================================
// NonceStore Implementation
// ============================================================

func validateNonce(key string, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("nonce key cannot be empty")
	}
	if ttl <= 0 {
		return fmt.Errorf("nonce ttl must be positive, got %s", ttl)
	}
	return validateStringLength(key, MaxKeyLength, "nonce")
}

// AddNonce registers key for ttl, resetting the TTL of an existing key.
func (s *Store) AddNonce(ctx context.Context, key string, ttl time.Duration) error {
	if err := validateNonce(key, ttl); err != nil {
		return err
	}

	err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaSetWithPTTL).
			Numkeys(1).
			Key(s.nonceKey(key)).
			Arg("1", millis(ttl)).
			Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to add nonce: %w", err)
	}
	return nil
}

// ClaimNonce registers key only if it is absent. Valkey expires the key itself,
// so an expired nonce can be claimed again.
func (s *Store) ClaimNonce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := validateNonce(key, ttl); err != nil {
		return false, err
	}

	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaClaimNonce).
			Numkeys(1).
			Key(s.nonceKey(key)).
			Arg(millis(ttl)).
			Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to claim nonce: %w", err)
	}
	return n == 1, nil
}

// HasNonce reports whether key is present. TTL is managed by Valkey, so a
// present key is unexpired.
func (s *Store) HasNonce(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Do(ctx, s.client.B().Exists().Key(s.nonceKey(key)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check nonce: %w", err)
	}
	return n > 0, nil
}

// DeleteNonce removes key. DEL is atomic on the server, so exactly one of any
// number of concurrent callers sees a count of one.
func (s *Store) DeleteNonce(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Do(ctx, s.client.B().Del().Key(s.nonceKey(key)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to delete nonce: %w", err)
	}

	if n > 0 {
		s.logger.Debug("Consumed nonce", "nonce_prefix", util.SafeTruncate(key, tokenIDLogLength))
	}
	return n > 0, nil
}
