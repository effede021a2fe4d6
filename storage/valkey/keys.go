package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/giantswarm/oauth-engine/storage"
)

// ============================================================
// SigningKeyStore Implementation
// ============================================================

// signingKeyJSON is the JSON representation of a signing key record
type signingKeyJSON struct {
	KeyID       string `json:"kid"`
	Algorithm   string `json:"alg"`
	PrivateKey  []byte `json:"private_key"`
	Encrypted   bool   `json:"encrypted,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	ExpiresAt   int64  `json:"expires_at"`
	RetainUntil int64  `json:"retain_until"`
}

func toSigningKeyJSON(k *storage.SigningKey) *signingKeyJSON {
	return &signingKeyJSON{
		KeyID:       k.KeyID,
		Algorithm:   k.Algorithm,
		PrivateKey:  k.PrivateKey,
		Encrypted:   k.Encrypted,
		CreatedAt:   k.CreatedAt.UnixMilli(),
		ExpiresAt:   k.ExpiresAt.UnixMilli(),
		RetainUntil: k.RetainUntil.UnixMilli(),
	}
}

func fromSigningKeyJSON(j *signingKeyJSON) *storage.SigningKey {
	if j == nil {
		return nil
	}
	return &storage.SigningKey{
		KeyID:       j.KeyID,
		Algorithm:   j.Algorithm,
		PrivateKey:  j.PrivateKey,
		Encrypted:   j.Encrypted,
		CreatedAt:   time.UnixMilli(j.CreatedAt),
		ExpiresAt:   time.UnixMilli(j.ExpiresAt),
		RetainUntil: time.UnixMilli(j.RetainUntil),
	}
}

// signingKeyArgs marshals a key and computes the record and pointer TTLs.
func signingKeyArgs(key *storage.SigningKey) (data string, recordTTL, currentTTL time.Duration, err error) {
	if key == nil || key.KeyID == "" || len(key.PrivateKey) == 0 {
		return "", 0, 0, fmt.Errorf("invalid signing key")
	}
	if err := validateStringLength(key.KeyID, MaxKeyLength, "kid"); err != nil {
		return "", 0, 0, err
	}

	currentTTL = calculateTTL(key.ExpiresAt)
	recordTTL = calculateTTL(key.RetainUntil)
	if currentTTL <= 0 || recordTTL <= 0 {
		return "", 0, 0, fmt.Errorf("signing key %s already expired", key.KeyID)
	}

	raw, err := json.Marshal(toSigningKeyJSON(key))
	if err != nil {
		return "", 0, 0, fmt.Errorf("failed to marshal signing key: %w", err)
	}
	return string(raw), recordTTL, currentTTL, nil
}

// CreateCurrentSigningKey stores key and makes it current unless another
// writer already holds an unexpired current key. The election runs in a
// single Lua script so concurrent processes converge on one key.
func (s *Store) CreateCurrentSigningKey(ctx context.Context, key *storage.SigningKey) (*storage.SigningKey, error) {
	data, recordTTL, currentTTL, err := signingKeyArgs(key)
	if err != nil {
		return nil, err
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaCreateCurrentSigningKey).
			Numkeys(2).
			Key(s.currentSigningKeyKey(), s.signingKeyKey(key.KeyID)).
			Arg(key.KeyID, data, millis(recordTTL), millis(currentTTL), s.signingKeyKey("")).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to elect signing key: %w", err)
	}

	var j signingKeyJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signing key: %w", err)
	}

	current := fromSigningKeyJSON(&j)
	if current.KeyID == key.KeyID {
		s.logger.Debug("Created current signing key", "kid", key.KeyID, "alg", key.Algorithm)
	} else {
		s.logger.Debug("Another writer holds the current signing key", "kid", current.KeyID)
	}
	return current, nil
}

// SetCurrentSigningKey stores key and makes it current unconditionally.
func (s *Store) SetCurrentSigningKey(ctx context.Context, key *storage.SigningKey) error {
	data, recordTTL, currentTTL, err := signingKeyArgs(key)
	if err != nil {
		return err
	}

	err = s.client.Do(ctx,
		s.client.B().Eval().Script(luaSetCurrentSigningKey).
			Numkeys(2).
			Key(s.currentSigningKeyKey(), s.signingKeyKey(key.KeyID)).
			Arg(key.KeyID, data, millis(recordTTL), millis(currentTTL)).
			Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to set current signing key: %w", err)
	}

	s.logger.Debug("Set current signing key", "kid", key.KeyID)
	return nil
}

// GetCurrentSigningKey returns the current key or storage.ErrSigningKeyNotFound.
func (s *Store) GetCurrentSigningKey(ctx context.Context) (*storage.SigningKey, error) {
	kid, err := s.client.Do(ctx, s.client.B().Get().Key(s.currentSigningKeyKey()).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrSigningKeyNotFound
		}
		return nil, fmt.Errorf("failed to get current signing key: %w", err)
	}

	return getAndUnmarshal(ctx, s, s.signingKeyKey(kid), storage.ErrSigningKeyNotFound, fromSigningKeyJSON)
}

// ListSigningKeys returns every retained key, newest first.
func (s *Store) ListSigningKeys(ctx context.Context) ([]*storage.SigningKey, error) {
	keys, err := s.scanKeys(ctx, s.signingKeyKey("*"))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]*storage.SigningKey, 0, len(keys))
	for _, key := range keys {
		k, err := getAndUnmarshal(ctx, s, key, storage.ErrSigningKeyNotFound, fromSigningKeyJSON)
		if err != nil {
			if err == storage.ErrSigningKeyNotFound {
				continue // expired between SCAN and GET
			}
			return nil, err
		}
		if k.IsRetainedAt(now) {
			out = append(out, k)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
