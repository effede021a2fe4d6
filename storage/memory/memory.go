package memory

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/internal/util"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
)

const (
	// tokenIDLogLength is the number of characters of an identifier included in logs
	tokenIDLogLength = 8

	// DefaultCleanupInterval is how often expired entries are swept
	DefaultCleanupInterval = time.Minute
)

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	signingKeys  map[string]*storage.SigningKey // key id -> key
	currentKeyID string

	nonces map[string]time.Time // nonce -> expiry

	refreshTokens map[string]*storage.RefreshToken // jti -> record
	accessTokens  map[string]*storage.AccessToken  // opaque value -> record
	clients       map[string]*storage.Client

	now func() time.Time

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for lock-free size gauges
	noncesCountAtomic        atomic.Int64
	signingKeysCountAtomic   atomic.Int64
	refreshTokensCountAtomic atomic.Int64
	accessTokensCountAtomic  atomic.Int64
	clientsCountAtomic       atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.SigningKeyStore   = (*Store)(nil)
	_ storage.NonceStore        = (*Store)(nil)
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.AccessTokenStore  = (*Store)(nil)
	_ storage.ClientStore       = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(DefaultCleanupInterval)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, the default is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}

	s := &Store{
		signingKeys:     make(map[string]*storage.SigningKey),
		nonces:          make(map[string]time.Time),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		accessTokens:    make(map[string]*storage.AccessToken),
		clients:         make(map[string]*storage.Client),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the time source used for signing key and nonce expiry.
// Tests use it to share a controllable clock with the key store.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.refreshCountersLocked()
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.noncesCountAtomic.Load() },
			func() int64 { return s.signingKeysCountAtomic.Load() },
			func() int64 { return s.refreshTokensCountAtomic.Load() },
			func() int64 { return s.accessTokensCountAtomic.Load() },
			func() int64 { return s.clientsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// SigningKeyStore Implementation
// ============================================================

// CreateCurrentSigningKey stores key and makes it current unless a current
// unexpired key already exists, in which case that key is returned.
func (s *Store) CreateCurrentSigningKey(ctx context.Context, key *storage.SigningKey) (*storage.SigningKey, error) {
	ctx, span := s.startStorageSpan(ctx, "create_current_signing_key")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "create_current_signing_key", err, startTime)
	}()

	if err = validateSigningKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.signingKeys[s.currentKeyID]; ok && cur.IsCurrentAt(s.now()) {
		return cloneSigningKey(cur), nil
	}

	s.signingKeys[key.KeyID] = cloneSigningKey(key)
	s.currentKeyID = key.KeyID
	s.signingKeysCountAtomic.Store(int64(len(s.signingKeys)))

	s.logger.Debug("Created current signing key", "kid", key.KeyID, "alg", key.Algorithm)
	return cloneSigningKey(key), nil
}

// SetCurrentSigningKey stores key and makes it current unconditionally.
func (s *Store) SetCurrentSigningKey(ctx context.Context, key *storage.SigningKey) error {
	ctx, span := s.startStorageSpan(ctx, "set_current_signing_key")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "set_current_signing_key", err, startTime)
	}()

	if err = validateSigningKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.signingKeys[key.KeyID] = cloneSigningKey(key)
	s.currentKeyID = key.KeyID
	s.signingKeysCountAtomic.Store(int64(len(s.signingKeys)))

	s.logger.Debug("Set current signing key", "kid", key.KeyID)
	return nil
}

// GetCurrentSigningKey returns the current key or storage.ErrSigningKeyNotFound.
func (s *Store) GetCurrentSigningKey(ctx context.Context) (*storage.SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur, ok := s.signingKeys[s.currentKeyID]
	if !ok || !cur.IsCurrentAt(s.now()) {
		return nil, storage.ErrSigningKeyNotFound
	}
	return cloneSigningKey(cur), nil
}

// ListSigningKeys returns every retained key, newest first.
func (s *Store) ListSigningKeys(ctx context.Context) ([]*storage.SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	out := make([]*storage.SigningKey, 0, len(s.signingKeys))
	for _, k := range s.signingKeys {
		if k.IsRetainedAt(now) {
			out = append(out, cloneSigningKey(k))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func validateSigningKey(key *storage.SigningKey) error {
	if key == nil || key.KeyID == "" {
		return fmt.Errorf("invalid signing key")
	}
	if len(key.PrivateKey) == 0 {
		return fmt.Errorf("signing key %s has no private key material", key.KeyID)
	}
	return nil
}

func cloneSigningKey(k *storage.SigningKey) *storage.SigningKey {
	c := *k
	c.PrivateKey = bytes.Clone(k.PrivateKey)
	return &c
}

// ============================================================
// NonceStore Implementation
// ============================================================

// AddNonce registers key for ttl, resetting the TTL of an existing key.
func (s *Store) AddNonce(ctx context.Context, key string, ttl time.Duration) error {
	ctx, span := s.startStorageSpan(ctx, "add_nonce")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "add_nonce", err, startTime)
	}()

	if err = validateNonce(key, ttl); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nonces[key] = s.now().Add(ttl)
	s.noncesCountAtomic.Store(int64(len(s.nonces)))
	return nil
}

// ClaimNonce registers key only if it is absent or expired.
func (s *Store) ClaimNonce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, span := s.startStorageSpan(ctx, "claim_nonce")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "claim_nonce", err, startTime)
	}()

	if err = validateNonce(key, ttl); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.nonces[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.nonces[key] = now.Add(ttl)
	s.noncesCountAtomic.Store(int64(len(s.nonces)))
	return true, nil
}

// HasNonce reports whether key is present and unexpired.
func (s *Store) HasNonce(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp, ok := s.nonces[key]
	return ok && s.now().Before(exp), nil
}

// DeleteNonce removes key and reports whether it was present and unexpired.
func (s *Store) DeleteNonce(ctx context.Context, key string) (bool, error) {
	ctx, span := s.startStorageSpan(ctx, "delete_nonce")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_nonce", nil, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.nonces[key]
	if !ok {
		return false, nil
	}
	delete(s.nonces, key)
	s.noncesCountAtomic.Store(int64(len(s.nonces)))

	live := s.now().Before(exp)
	if live {
		s.logger.Debug("Consumed nonce", "nonce_prefix", util.SafeTruncate(key, tokenIDLogLength))
	}
	return live, nil
}

func validateNonce(key string, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("nonce key cannot be empty")
	}
	if ttl <= 0 {
		return fmt.Errorf("nonce ttl must be positive, got %s", ttl)
	}
	return nil
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken records a refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.ID == "" {
		return fmt.Errorf("invalid refresh token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *token
	c.Scopes = slices.Clone(token.Scopes)
	s.refreshTokens[token.ID] = &c
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))

	s.logger.Debug("Saved refresh token",
		"token_id", util.SafeTruncate(token.ID, tokenIDLogLength),
		"client_id", token.ClientID)
	return nil
}

// GetRefreshToken returns the refresh token record
func (s *Store) GetRefreshToken(ctx context.Context, id string) (*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rt, ok := s.refreshTokens[id]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}
	c := *rt
	c.Scopes = slices.Clone(rt.Scopes)
	return &c, nil
}

// RevokeRefreshToken marks a refresh token revoked
func (s *Store) RevokeRefreshToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rt, ok := s.refreshTokens[id]; ok {
		rt.Revoked = true
		s.logger.Debug("Revoked refresh token", "token_id", util.SafeTruncate(id, tokenIDLogLength))
	}
	return nil
}

// ============================================================
// AccessTokenStore Implementation
// ============================================================

// SaveAccessToken stores an opaque access token
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.Value == "" {
		return fmt.Errorf("invalid access token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *token
	c.Scopes = slices.Clone(token.Scopes)
	c.Audience = slices.Clone(token.Audience)
	s.accessTokens[token.Value] = &c
	s.accessTokensCountAtomic.Store(int64(len(s.accessTokens)))
	return nil
}

// GetAccessToken returns an unexpired opaque access token
func (s *Store) GetAccessToken(ctx context.Context, value string) (*storage.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	at, ok := s.accessTokens[value]
	if !ok || !s.now().Before(at.ExpiresAt) {
		return nil, storage.ErrAccessTokenNotFound
	}
	c := *at
	c.Scopes = slices.Clone(at.Scopes)
	c.Audience = slices.Clone(at.Audience)
	return &c, nil
}

// DeleteAccessToken removes an opaque access token
func (s *Store) DeleteAccessToken(ctx context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.accessTokens, value)
	s.accessTokensCountAtomic.Store(int64(len(s.accessTokens)))
	return nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient registers or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[client.ClientID] = client
	s.clientsCountAtomic.Store(int64(len(s.clients)))

	s.logger.Debug("Saved client", "client_id", client.ClientID, "client_type", client.ClientType)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	return client, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	for key, exp := range s.nonces {
		if !now.Before(exp) {
			delete(s.nonces, key)
			cleaned++
		}
	}

	for kid, k := range s.signingKeys {
		if !k.IsRetainedAt(now) {
			delete(s.signingKeys, kid)
			cleaned++
		}
	}

	// Token records get the clock skew grace period before they are dropped
	for id, rt := range s.refreshTokens {
		if security.IsExpiredAt(now, rt.ExpiresAt, security.DefaultClockSkewGracePeriod) {
			delete(s.refreshTokens, id)
			cleaned++
		}
	}

	for value, at := range s.accessTokens {
		if security.IsExpiredAt(now, at.ExpiresAt, security.DefaultClockSkewGracePeriod) {
			delete(s.accessTokens, value)
			cleaned++
		}
	}

	s.refreshCountersLocked()

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// refreshCountersLocked must be called with s.mu held
func (s *Store) refreshCountersLocked() {
	s.noncesCountAtomic.Store(int64(len(s.nonces)))
	s.signingKeysCountAtomic.Store(int64(len(s.signingKeys)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.accessTokensCountAtomic.Store(int64(len(s.accessTokens)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
