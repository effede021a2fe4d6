package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
)

// Default lifetimes
const (
	DefaultKeyTTL          = 24 * time.Hour
	DefaultGracePeriod     = time.Hour
	DefaultRefreshInterval = time.Minute
)

// Key creation reasons, recorded in metrics
const (
	reasonInitial  = "initial"
	reasonExpired  = "expired"
	reasonRotation = "rotation"
)

// Config configures a Store.
type Config struct {
	// Algorithm is RS256 or ES256 (default RS256)
	Algorithm string

	// KeyTTL is how long a key signs (default 24h)
	KeyTTL time.Duration

	// GracePeriod is how long a key keeps verifying after it stops signing (default 1h)
	GracePeriod time.Duration

	// RefreshInterval bounds how long the cached key set is trusted before the
	// backing store is consulted again (default 1m). Keys elected by other
	// processes become visible within this interval.
	RefreshInterval time.Duration

	// Encryptor seals private keys at rest. Optional.
	Encryptor *security.Encryptor

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
	Auditor         *security.Auditor

	// Now overrides the clock, for tests
	Now func() time.Time
}

func (c *Config) applyDefaults() error {
	if c.Algorithm == "" {
		c.Algorithm = AlgorithmRS256
	}
	if !SupportedAlgorithm(c.Algorithm) {
		return fmt.Errorf("unsupported signing algorithm %q", c.Algorithm)
	}
	if c.KeyTTL == 0 {
		c.KeyTTL = DefaultKeyTTL
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.KeyTTL < 0 || c.GracePeriod < 0 || c.RefreshInterval < 0 {
		return fmt.Errorf("key lifetimes must not be negative")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Now = security.NowFunc(c.Now)
	return nil
}

// Store hands out the current signing key and the set of verification keys.
type Store struct {
	backend storage.SigningKeyStore
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer

	// writeMu serializes key generation and rotation
	writeMu sync.Mutex

	// mu guards the caches below
	mu           sync.RWMutex
	current      *KeyPair
	currentAt    time.Time
	decoded      map[string]*KeyPair
	verification []PublicKey
	verifiedAt   time.Time
}

// New creates a Store over backend.
func New(backend storage.SigningKeyStore, cfg Config) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("signing key store is required")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &Store{
		backend: backend,
		cfg:     cfg,
		logger:  cfg.Logger,
		tracer:  cfg.Instrumentation.Tracer("keys"),
		decoded: make(map[string]*KeyPair),
	}, nil
}

// Algorithm returns the algorithm new keys are generated with.
func (s *Store) Algorithm() string {
	return s.cfg.Algorithm
}

// GracePeriod returns how long a key stays verifiable after it stops signing.
// Tokens must not outlive it.
func (s *Store) GracePeriod() time.Duration {
	return s.cfg.GracePeriod
}

// SigningKey returns the current signing key, electing a new one when there is
// none or the current one has expired.
func (s *Store) SigningKey(ctx context.Context) (*KeyPair, error) {
	if pair := s.cachedCurrent(s.cfg.Now()); pair != nil {
		return pair, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// another goroutine may have elected a key while we waited
	now := s.cfg.Now()
	if pair := s.cachedCurrent(now); pair != nil {
		return pair, nil
	}

	rec, err := s.backend.GetCurrentSigningKey(ctx)
	switch {
	case err == nil && rec.IsCurrentAt(now):
		pair, err := s.decode(rec)
		if err != nil {
			return nil, s.unavailable(ctx, "decode", err)
		}
		s.setCurrent(pair, now)
		return pair, nil
	case err != nil && !errors.Is(err, storage.ErrSigningKeyNotFound):
		return nil, s.unavailable(ctx, "get_current", err)
	}

	reason := reasonInitial
	s.mu.RLock()
	if s.current != nil || len(s.decoded) > 0 {
		reason = reasonExpired
	}
	s.mu.RUnlock()

	return s.elect(ctx, now, reason)
}

// elect generates a key and offers it to the backend, adopting whichever key
// the backend reports as current afterwards. Callers hold writeMu.
func (s *Store) elect(ctx context.Context, now time.Time, reason string) (*KeyPair, error) {
	ctx, span := s.tracer.Start(ctx, "keys.generate")
	defer span.End()

	pair, rec, err := generateKeyPair(s.cfg.Algorithm, now, s.cfg.KeyTTL, s.cfg.GracePeriod, s.cfg.Encryptor)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, s.unavailable(ctx, "generate", err)
	}

	elected, err := s.backend.CreateCurrentSigningKey(ctx, rec)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, s.unavailable(ctx, "create_current", err)
	}

	if elected.KeyID != rec.KeyID {
		// another writer won the election
		s.logger.Debug("Adopted signing key elected by another writer", "kid", elected.KeyID)
		if pair, err = s.decode(elected); err != nil {
			instrumentation.RecordError(span, err)
			return nil, s.unavailable(ctx, "decode", err)
		}
	} else {
		s.remember(pair)
		s.cfg.Instrumentation.Metrics().RecordSigningKeyCreated(ctx, pair.Algorithm, reason)
		s.cfg.Auditor.LogSigningKey(security.EventSigningKeyCreated, pair.KeyID, pair.Algorithm, pair.ExpiresAt)
		s.logger.Info("Created signing key",
			"kid", pair.KeyID,
			"alg", pair.Algorithm,
			"reason", reason,
			"expires_at", pair.ExpiresAt)
	}

	span.SetAttributes(
		attribute.String(instrumentation.AttrKeyID, pair.KeyID),
		attribute.String(instrumentation.AttrKeyAlg, pair.Algorithm),
	)
	instrumentation.SetSpanSuccess(span)

	s.setCurrent(pair, now)
	s.invalidateVerification()
	return pair, nil
}

// Rotate generates a key and makes it current unconditionally. Earlier keys keep
// verifying until their own RetainUntil. A ttl of zero uses the configured KeyTTL.
func (s *Store) Rotate(ctx context.Context, ttl time.Duration) (*KeyPair, error) {
	if ttl <= 0 {
		ttl = s.cfg.KeyTTL
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, span := s.tracer.Start(ctx, "keys.rotate")
	defer span.End()

	now := s.cfg.Now()
	pair, rec, err := generateKeyPair(s.cfg.Algorithm, now, ttl, s.cfg.GracePeriod, s.cfg.Encryptor)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, s.unavailable(ctx, "generate", err)
	}
	if err := s.backend.SetCurrentSigningKey(ctx, rec); err != nil {
		instrumentation.RecordError(span, err)
		return nil, s.unavailable(ctx, "set_current", err)
	}

	s.remember(pair)
	s.setCurrent(pair, now)
	s.invalidateVerification()

	s.cfg.Instrumentation.Metrics().RecordSigningKeyCreated(ctx, pair.Algorithm, reasonRotation)
	s.cfg.Auditor.LogSigningKey(security.EventSigningKeyRotated, pair.KeyID, pair.Algorithm, pair.ExpiresAt)
	s.logger.Info("Rotated signing key", "kid", pair.KeyID, "alg", pair.Algorithm, "expires_at", pair.ExpiresAt)

	instrumentation.SetSpanSuccess(span)
	return pair, nil
}

// VerificationKeys returns every key still inside its retention window, newest first.
func (s *Store) VerificationKeys(ctx context.Context) ([]PublicKey, error) {
	now := s.cfg.Now()

	s.mu.RLock()
	cached, at := s.verification, s.verifiedAt
	s.mu.RUnlock()

	if cached != nil && now.Sub(at) < s.cfg.RefreshInterval {
		return retained(cached, now), nil
	}
	return s.reloadVerification(ctx, now)
}

func (s *Store) reloadVerification(ctx context.Context, now time.Time) ([]PublicKey, error) {
	records, err := s.backend.ListSigningKeys(ctx)
	if err != nil {
		return nil, s.unavailable(ctx, "list", err)
	}

	out := make([]PublicKey, 0, len(records))
	for _, rec := range records {
		if !rec.IsRetainedAt(now) {
			continue
		}
		pair, err := s.decode(rec)
		if err != nil {
			// a key that cannot be decoded is never trusted
			s.logger.Warn("Skipping undecodable signing key", "kid", rec.KeyID, "error", err)
			s.cfg.Instrumentation.Metrics().RecordKeyStoreError(ctx, "decode")
			continue
		}
		out = append(out, pair.Public())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	s.mu.Lock()
	s.verification = out
	s.verifiedAt = now
	s.mu.Unlock()

	return retained(out, now), nil
}

// JWKS returns the public verification keys as a JSON Web Key Set.
func (s *Store) JWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	// The published set always holds the key the next token is signed with.
	current, err := s.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	pubs, err := s.VerificationKeys(ctx)
	if err != nil {
		return nil, err
	}
	if !slices.ContainsFunc(pubs, func(pk PublicKey) bool { return pk.KeyID == current.KeyID }) {
		if pubs, err = s.reloadVerification(ctx, s.cfg.Now()); err != nil {
			return nil, err
		}
	}
	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(pubs))}
	for _, pk := range pubs {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       pk.Key,
			KeyID:     pk.KeyID,
			Algorithm: pk.Algorithm,
			Use:       "sig",
		})
	}
	return set, nil
}

func (s *Store) cachedCurrent(now time.Time) *KeyPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || !s.current.IsCurrentAt(now) || now.Sub(s.currentAt) >= s.cfg.RefreshInterval {
		return nil
	}
	return s.current
}

func (s *Store) setCurrent(pair *KeyPair, now time.Time) {
	s.mu.Lock()
	s.current = pair
	s.currentAt = now
	s.mu.Unlock()
}

func (s *Store) remember(pair *KeyPair) {
	s.mu.Lock()
	s.decoded[pair.KeyID] = pair
	s.mu.Unlock()
}

func (s *Store) invalidateVerification() {
	s.mu.Lock()
	s.verification = nil
	s.mu.Unlock()
}

// decode returns the cached pair for rec, decoding and caching it on first use.
// Entries past their retention window are dropped on the way.
func (s *Store) decode(rec *storage.SigningKey) (*KeyPair, error) {
	s.mu.RLock()
	pair, ok := s.decoded[rec.KeyID]
	s.mu.RUnlock()
	if ok {
		return pair, nil
	}

	pair, err := decodeKeyPair(rec, s.cfg.Encryptor)
	if err != nil {
		return nil, err
	}

	now := s.cfg.Now()
	s.mu.Lock()
	for kid, p := range s.decoded {
		if !now.Before(p.RetainUntil) {
			delete(s.decoded, kid)
		}
	}
	s.decoded[pair.KeyID] = pair
	s.mu.Unlock()
	return pair, nil
}

func (s *Store) unavailable(ctx context.Context, op string, err error) error {
	s.cfg.Instrumentation.Metrics().RecordKeyStoreError(ctx, op)
	s.logger.Error("Key store operation failed", "operation", op, "error", err)
	return fmt.Errorf("%w: %s: %w", storage.ErrKeyStoreUnavailable, op, err)
}

func retained(keys []PublicKey, now time.Time) []PublicKey {
	out := make([]PublicKey, 0, len(keys))
	for _, k := range keys {
		if now.Before(k.RetainUntil) {
			out = append(out, k)
		}
	}
	return out
}
