// Package mock provides mock implementations of storage interfaces for testing.
//
// Every mock is backed by a working in-memory default. Tests replace individual
// Func fields to inject failures and read CallCounts to assert interactions.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/giantswarm/oauth-engine/storage"
)

// Compile-time interface checks
var (
	_ storage.NonceStore      = (*MockNonceStore)(nil)
	_ storage.SigningKeyStore = (*MockSigningKeyStore)(nil)
	_ storage.ClientStore     = (*MockClientStore)(nil)
)

// callCounter is a concurrency-safe call counter shared by the mocks
type callCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *callCounter) inc(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[name]++
}

// CallCount returns how often the named method was called
func (c *callCounter) CallCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

// ResetCallCounts resets all call counters
func (c *callCounter) ResetCallCounts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = make(map[string]int)
}

// MockNonceStore is a mock implementation of NonceStore for testing
type MockNonceStore struct {
	callCounter

	mu     sync.Mutex
	nonces map[string]time.Time

	AddNonceFunc    func(ctx context.Context, key string, ttl time.Duration) error
	ClaimNonceFunc  func(ctx context.Context, key string, ttl time.Duration) (bool, error)
	HasNonceFunc    func(ctx context.Context, key string) (bool, error)
	DeleteNonceFunc func(ctx context.Context, key string) (bool, error)
}

// NewMockNonceStore creates a new mock nonce store
func NewMockNonceStore() *MockNonceStore {
	m := &MockNonceStore{nonces: make(map[string]time.Time)}

	m.AddNonceFunc = func(_ context.Context, key string, ttl time.Duration) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.nonces[key] = time.Now().Add(ttl)
		return nil
	}

	m.ClaimNonceFunc = func(_ context.Context, key string, ttl time.Duration) (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if exp, ok := m.nonces[key]; ok && time.Now().Before(exp) {
			return false, nil
		}
		m.nonces[key] = time.Now().Add(ttl)
		return true, nil
	}

	m.HasNonceFunc = func(_ context.Context, key string) (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		exp, ok := m.nonces[key]
		return ok && time.Now().Before(exp), nil
	}

	m.DeleteNonceFunc = func(_ context.Context, key string) (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		exp, ok := m.nonces[key]
		delete(m.nonces, key)
		return ok && time.Now().Before(exp), nil
	}

	return m
}

// AddNonce registers a nonce
func (m *MockNonceStore) AddNonce(ctx context.Context, key string, ttl time.Duration) error {
	m.inc("AddNonce")
	return m.AddNonceFunc(ctx, key, ttl)
}

// ClaimNonce registers a nonce if absent
func (m *MockNonceStore) ClaimNonce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.inc("ClaimNonce")
	return m.ClaimNonceFunc(ctx, key, ttl)
}

// HasNonce checks a nonce
func (m *MockNonceStore) HasNonce(ctx context.Context, key string) (bool, error) {
	m.inc("HasNonce")
	return m.HasNonceFunc(ctx, key)
}

// DeleteNonce consumes a nonce
func (m *MockNonceStore) DeleteNonce(ctx context.Context, key string) (bool, error) {
	m.inc("DeleteNonce")
	return m.DeleteNonceFunc(ctx, key)
}

// MockSigningKeyStore is a mock implementation of SigningKeyStore for testing
type MockSigningKeyStore struct {
	callCounter

	mu      sync.Mutex
	keys    map[string]*storage.SigningKey
	current string

	CreateCurrentSigningKeyFunc func(ctx context.Context, key *storage.SigningKey) (*storage.SigningKey, error)
	SetCurrentSigningKeyFunc    func(ctx context.Context, key *storage.SigningKey) error
	GetCurrentSigningKeyFunc    func(ctx context.Context) (*storage.SigningKey, error)
	ListSigningKeysFunc         func(ctx context.Context) ([]*storage.SigningKey, error)
}

// NewMockSigningKeyStore creates a new mock signing key store
func NewMockSigningKeyStore() *MockSigningKeyStore {
	m := &MockSigningKeyStore{keys: make(map[string]*storage.SigningKey)}

	m.CreateCurrentSigningKeyFunc = func(_ context.Context, key *storage.SigningKey) (*storage.SigningKey, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.keys[m.current]; ok && cur.IsCurrentAt(time.Now()) {
			return cur, nil
		}
		m.keys[key.KeyID] = key
		m.current = key.KeyID
		return key, nil
	}

	m.SetCurrentSigningKeyFunc = func(_ context.Context, key *storage.SigningKey) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.keys[key.KeyID] = key
		m.current = key.KeyID
		return nil
	}

	m.GetCurrentSigningKeyFunc = func(_ context.Context) (*storage.SigningKey, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		cur, ok := m.keys[m.current]
		if !ok || !cur.IsCurrentAt(time.Now()) {
			return nil, storage.ErrSigningKeyNotFound
		}
		return cur, nil
	}

	m.ListSigningKeysFunc = func(_ context.Context) ([]*storage.SigningKey, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		out := make([]*storage.SigningKey, 0, len(m.keys))
		for _, k := range m.keys {
			if k.IsRetainedAt(time.Now()) {
				out = append(out, k)
			}
		}
		return out, nil
	}

	return m
}

// CreateCurrentSigningKey elects a current key
func (m *MockSigningKeyStore) CreateCurrentSigningKey(ctx context.Context, key *storage.SigningKey) (*storage.SigningKey, error) {
	m.inc("CreateCurrentSigningKey")
	return m.CreateCurrentSigningKeyFunc(ctx, key)
}

// SetCurrentSigningKey replaces the current key
func (m *MockSigningKeyStore) SetCurrentSigningKey(ctx context.Context, key *storage.SigningKey) error {
	m.inc("SetCurrentSigningKey")
	return m.SetCurrentSigningKeyFunc(ctx, key)
}

// GetCurrentSigningKey returns the current key
func (m *MockSigningKeyStore) GetCurrentSigningKey(ctx context.Context) (*storage.SigningKey, error) {
	m.inc("GetCurrentSigningKey")
	return m.GetCurrentSigningKeyFunc(ctx)
}

// ListSigningKeys returns retained keys
func (m *MockSigningKeyStore) ListSigningKeys(ctx context.Context) ([]*storage.SigningKey, error) {
	m.inc("ListSigningKeys")
	return m.ListSigningKeysFunc(ctx)
}

// MockClientStore is a mock implementation of ClientStore for testing
type MockClientStore struct {
	callCounter

	mu      sync.RWMutex
	clients map[string]*storage.Client

	SaveClientFunc func(ctx context.Context, client *storage.Client) error
	GetClientFunc  func(ctx context.Context, clientID string) (*storage.Client, error)
}

// NewMockClientStore creates a new mock client store
func NewMockClientStore() *MockClientStore {
	m := &MockClientStore{clients: make(map[string]*storage.Client)}

	m.SaveClientFunc = func(_ context.Context, client *storage.Client) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.clients[client.ClientID] = client
		return nil
	}

	m.GetClientFunc = func(_ context.Context, clientID string) (*storage.Client, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		client, ok := m.clients[clientID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return client, nil
	}

	return m
}

// SaveClient saves a client
func (m *MockClientStore) SaveClient(ctx context.Context, client *storage.Client) error {
	m.inc("SaveClient")
	return m.SaveClientFunc(ctx, client)
}

// GetClient retrieves a client
func (m *MockClientStore) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.inc("GetClient")
	return m.GetClientFunc(ctx, clientID)
}
