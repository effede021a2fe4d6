package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/storage"
)

func testSigningKey(kid string, created time.Time) *storage.SigningKey {
	return &storage.SigningKey{
		KeyID:       kid,
		Algorithm:   "RS256",
		PrivateKey:  []byte("der-" + kid),
		CreatedAt:   created,
		ExpiresAt:   created.Add(time.Hour),
		RetainUntil: created.Add(2 * time.Hour),
	}
}

// ============================================================
// NonceStore Tests
// ============================================================

func TestStore_Nonce_ExpiresAfterTTL(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	if err := store.AddNonce(ctx, "n1", time.Second); err != nil {
		t.Fatalf("AddNonce() error = %v", err)
	}

	has, err := store.HasNonce(ctx, "n1")
	if err != nil {
		t.Fatalf("HasNonce() error = %v", err)
	}
	if !has {
		t.Fatal("HasNonce() = false immediately after AddNonce")
	}

	time.Sleep(1200 * time.Millisecond)

	has, _ = store.HasNonce(ctx, "n1")
	if has {
		t.Error("HasNonce() = true after TTL elapsed")
	}
}

func TestStore_Nonce_ReAddResetsTTL(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	_ = store.AddNonce(ctx, "n1", 10*time.Second)

	now = now.Add(8 * time.Second)
	_ = store.AddNonce(ctx, "n1", 10*time.Second)

	now = now.Add(5 * time.Second)
	if has, _ := store.HasNonce(ctx, "n1"); !has {
		t.Error("HasNonce() = false, re-adding should have reset the TTL")
	}

	now = now.Add(6 * time.Second)
	if has, _ := store.HasNonce(ctx, "n1"); has {
		t.Error("HasNonce() = true after the reset TTL elapsed")
	}
}

func TestStore_Nonce_InvalidInput(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	if err := store.AddNonce(ctx, "", time.Second); err == nil {
		t.Error("AddNonce() with empty key should return error")
	}
	if err := store.AddNonce(ctx, "n", 0); err == nil {
		t.Error("AddNonce() with zero ttl should return error")
	}
	if _, err := store.ClaimNonce(ctx, "n", -time.Second); err == nil {
		t.Error("ClaimNonce() with negative ttl should return error")
	}
}

func TestStore_DeleteNonce(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	_ = store.AddNonce(ctx, "n1", time.Minute)

	existed, err := store.DeleteNonce(ctx, "n1")
	if err != nil {
		t.Fatalf("DeleteNonce() error = %v", err)
	}
	if !existed {
		t.Error("DeleteNonce() = false for a live nonce")
	}

	existed, _ = store.DeleteNonce(ctx, "n1")
	if existed {
		t.Error("second DeleteNonce() = true, want false")
	}

	existed, _ = store.DeleteNonce(ctx, "never-added")
	if existed {
		t.Error("DeleteNonce() = true for unknown nonce")
	}
}

func TestStore_DeleteNonce_Expired(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	_ = store.AddNonce(ctx, "n1", time.Second)
	now = now.Add(2 * time.Second)

	existed, _ := store.DeleteNonce(ctx, "n1")
	if existed {
		t.Error("DeleteNonce() = true for an expired nonce")
	}
}

func TestStore_DeleteNonce_Concurrent(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	_ = store.AddNonce(ctx, "code:abc", time.Minute)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := store.DeleteNonce(ctx, "code:abc"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("concurrent DeleteNonce() winners = %d, want 1", got)
	}
}

func TestStore_ClaimNonce(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	ok, err := store.ClaimNonce(ctx, "assertion:c1:j1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first ClaimNonce() = %v, %v; want true, nil", ok, err)
	}

	ok, _ = store.ClaimNonce(ctx, "assertion:c1:j1", time.Minute)
	if ok {
		t.Error("second ClaimNonce() = true, want false")
	}

	now = now.Add(2 * time.Minute)
	ok, _ = store.ClaimNonce(ctx, "assertion:c1:j1", time.Minute)
	if !ok {
		t.Error("ClaimNonce() after expiry = false, want true")
	}
}

// ============================================================
// SigningKeyStore Tests
// ============================================================

func TestStore_CreateCurrentSigningKey_Election(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	first, err := store.CreateCurrentSigningKey(ctx, testSigningKey("k1", now))
	if err != nil {
		t.Fatalf("CreateCurrentSigningKey() error = %v", err)
	}
	if first.KeyID != "k1" {
		t.Fatalf("KeyID = %q, want k1", first.KeyID)
	}

	second, err := store.CreateCurrentSigningKey(ctx, testSigningKey("k2", now))
	if err != nil {
		t.Fatalf("CreateCurrentSigningKey() error = %v", err)
	}
	if second.KeyID != "k1" {
		t.Errorf("second CreateCurrentSigningKey() returned %q, want existing k1", second.KeyID)
	}

	keys, _ := store.ListSigningKeys(ctx)
	if len(keys) != 1 {
		t.Errorf("ListSigningKeys() len = %d, want 1 (loser must not be stored)", len(keys))
	}
}

func TestStore_CreateCurrentSigningKey_Concurrent(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	results := make([]string, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k, err := store.CreateCurrentSigningKey(ctx, testSigningKey(string(rune('a'+i)), now))
			if err == nil {
				results[i] = k.KeyID
			}
		}(i)
	}
	wg.Wait()

	for i, kid := range results {
		if kid != results[0] {
			t.Fatalf("result[%d] = %q, result[0] = %q; all callers must observe one current key", i, kid, results[0])
		}
	}
}

func TestStore_CreateCurrentSigningKey_ReplacesExpired(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	_, _ = store.CreateCurrentSigningKey(ctx, testSigningKey("k1", now))

	now = now.Add(90 * time.Minute)
	got, _ := store.CreateCurrentSigningKey(ctx, testSigningKey("k2", now))
	if got.KeyID != "k2" {
		t.Errorf("KeyID = %q, want k2 after k1 expired", got.KeyID)
	}

	keys, _ := store.ListSigningKeys(ctx)
	if len(keys) != 2 {
		t.Fatalf("ListSigningKeys() len = %d, want 2 while k1 is in grace", len(keys))
	}
	if keys[0].KeyID != "k2" {
		t.Errorf("ListSigningKeys()[0] = %q, want newest first", keys[0].KeyID)
	}

	now = now.Add(time.Hour)
	keys, _ = store.ListSigningKeys(ctx)
	if len(keys) != 1 {
		t.Errorf("ListSigningKeys() len = %d, want 1 after grace", len(keys))
	}
}

func TestStore_GetCurrentSigningKey_NotFound(t *testing.T) {
	store := New()
	defer store.Stop()

	_, err := store.GetCurrentSigningKey(context.Background())
	if !errors.Is(err, storage.ErrSigningKeyNotFound) {
		t.Errorf("GetCurrentSigningKey() error = %v, want ErrSigningKeyNotFound", err)
	}
}

func TestStore_SetCurrentSigningKey_Invalid(t *testing.T) {
	store := New()
	defer store.Stop()

	if err := store.SetCurrentSigningKey(context.Background(), &storage.SigningKey{KeyID: "k"}); err == nil {
		t.Error("SetCurrentSigningKey() without key material should return error")
	}
	if err := store.SetCurrentSigningKey(context.Background(), nil); err == nil {
		t.Error("SetCurrentSigningKey(nil) should return error")
	}
}

// ============================================================
// RefreshTokenStore / AccessTokenStore Tests
// ============================================================

func TestStore_RefreshToken(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	rt := &storage.RefreshToken{
		ID:        "rt-1",
		ClientID:  "c1",
		Subject:   "alice",
		Scopes:    []string{"openid", "offline_access"},
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := store.SaveRefreshToken(ctx, rt); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	got, err := store.GetRefreshToken(ctx, "rt-1")
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	if got.Subject != "alice" || got.Revoked {
		t.Errorf("GetRefreshToken() = %+v", got)
	}

	_ = store.RevokeRefreshToken(ctx, "rt-1")
	got, _ = store.GetRefreshToken(ctx, "rt-1")
	if !got.Revoked {
		t.Error("Revoked = false after RevokeRefreshToken")
	}

	if _, err := store.GetRefreshToken(ctx, "missing"); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		t.Errorf("GetRefreshToken(missing) error = %v", err)
	}
}

func TestStore_AccessToken_Expired(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	at := &storage.AccessToken{
		Value:     "opaque",
		ClientID:  "c1",
		ExpiresAt: time.Now().Add(-time.Second),
	}
	_ = store.SaveAccessToken(ctx, at)

	if _, err := store.GetAccessToken(ctx, "opaque"); !errors.Is(err, storage.ErrAccessTokenNotFound) {
		t.Errorf("GetAccessToken() error = %v, want ErrAccessTokenNotFound", err)
	}
}

func TestStore_AccessToken_Delete(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	_ = store.SaveAccessToken(ctx, &storage.AccessToken{Value: "v", ExpiresAt: time.Now().Add(time.Hour)})
	if _, err := store.GetAccessToken(ctx, "v"); err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	_ = store.DeleteAccessToken(ctx, "v")
	if _, err := store.GetAccessToken(ctx, "v"); err == nil {
		t.Error("GetAccessToken() after delete should fail")
	}
}

// ============================================================
// ClientStore Tests
// ============================================================

func TestStore_SaveClient(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	client := &storage.Client{ClientID: "c1", ClientType: storage.ClientTypeConfidential}
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := store.GetClient(ctx, "c1")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientType != storage.ClientTypeConfidential {
		t.Errorf("ClientType = %q", got.ClientType)
	}
}

func TestStore_SaveClient_Invalid(t *testing.T) {
	store := New()
	defer store.Stop()

	if err := store.SaveClient(context.Background(), nil); err == nil {
		t.Error("SaveClient(nil) should return error")
	}
	if err := store.SaveClient(context.Background(), &storage.Client{}); err == nil {
		t.Error("SaveClient() with empty ID should return error")
	}
}

func TestStore_GetClient_NotFound(t *testing.T) {
	store := New()
	defer store.Stop()

	_, err := store.GetClient(context.Background(), "nope")
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() error = %v, want ErrClientNotFound", err)
	}
}

// ============================================================
// Cleanup Tests
// ============================================================

func TestStore_Cleanup(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	_ = store.AddNonce(ctx, "short", time.Second)
	_ = store.AddNonce(ctx, "long", time.Hour)
	_ = store.SetCurrentSigningKey(ctx, testSigningKey("old", now))
	_ = store.SaveRefreshToken(ctx, &storage.RefreshToken{ID: "rt", ExpiresAt: time.Now().Add(-time.Minute)})

	now = now.Add(3 * time.Hour)
	store.cleanup()

	store.mu.RLock()
	defer store.mu.RUnlock()

	if _, ok := store.nonces["short"]; ok {
		t.Error("expired nonce not cleaned up")
	}
	if _, ok := store.nonces["long"]; ok {
		t.Error("nonce past its hour TTL not cleaned up")
	}
	if len(store.signingKeys) != 0 {
		t.Errorf("signingKeys = %d, want 0 after retention", len(store.signingKeys))
	}
	if len(store.refreshTokens) != 0 {
		t.Errorf("refreshTokens = %d, want 0", len(store.refreshTokens))
	}
	if got := store.noncesCountAtomic.Load(); got != 0 {
		t.Errorf("nonce counter = %d, want 0", got)
	}
}

func TestStore_Cleanup_UsesStoreClock(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	// The store's clock runs a day behind the wall clock
	now := time.Now().Add(-24 * time.Hour)
	store.SetClock(func() time.Time { return now })

	_ = store.SaveRefreshToken(ctx, &storage.RefreshToken{ID: "rt", ExpiresAt: now.Add(time.Hour)})
	_ = store.SaveAccessToken(ctx, &storage.AccessToken{Value: "at", ExpiresAt: now.Add(time.Hour)})

	store.cleanup()
	store.mu.RLock()
	kept := len(store.refreshTokens) == 1 && len(store.accessTokens) == 1
	store.mu.RUnlock()
	if !kept {
		t.Fatal("records live on the store clock were cleaned up on wall time")
	}

	now = now.Add(2 * time.Hour)
	store.cleanup()
	store.mu.RLock()
	defer store.mu.RUnlock()
	if len(store.refreshTokens) != 0 || len(store.accessTokens) != 0 {
		t.Errorf("records = %d refresh, %d access, want 0 after expiry on the store clock",
			len(store.refreshTokens), len(store.accessTokens))
	}
}

func TestStore_NewWithInterval_Default(t *testing.T) {
	store := NewWithInterval(0)
	defer store.Stop()

	if store.cleanupInterval != DefaultCleanupInterval {
		t.Errorf("cleanupInterval = %v, want %v", store.cleanupInterval, DefaultCleanupInterval)
	}
}

func TestStore_StopTwice(t *testing.T) {
	store := New()
	store.Stop()
	store.Stop()
}

func TestStore_SetLogger(t *testing.T) {
	store := New()
	defer store.Stop()

	logger := slog.Default()
	store.SetLogger(logger)
	if store.logger != logger {
		t.Error("SetLogger() did not set logger")
	}

	store.SetLogger(nil)
	if store.logger != logger {
		t.Error("SetLogger(nil) replaced the logger")
	}
}

func TestStore_StorageSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "memory-test",
		Enabled:        true,
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)),
	})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	store := New()
	defer store.Stop()
	store.SetInstrumentation(inst)

	if err := store.AddNonce(context.Background(), "n1", time.Minute); err != nil {
		t.Fatalf("AddNonce() error = %v", err)
	}

	var found bool
	for _, span := range recorder.Ended() {
		if span.Name() != "storage.add_nonce" {
			continue
		}
		found = true
		attrs := map[string]string{}
		for _, kv := range span.Attributes() {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		if attrs[instrumentation.AttrStorageOperation] != "add_nonce" || attrs[instrumentation.AttrStorageType] != "memory" {
			t.Errorf("span attributes = %v", attrs)
		}
	}
	if !found {
		t.Error("no storage.add_nonce span recorded")
	}
}
