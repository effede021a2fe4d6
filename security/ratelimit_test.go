package security

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestNewRateLimiter(t *testing.T) {
	rl := NewRateLimiter(10, 20, nil)
	defer rl.Stop()

	if rl.limit != 10 {
		t.Errorf("limit = %v, want 10", rl.limit)
	}
	if rl.burst != 20 {
		t.Errorf("burst = %d, want 20", rl.burst)
	}
	if rl.logger == nil {
		t.Error("logger should not be nil")
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(10, 5, slog.Default())
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		if !rl.Allow("id") {
			t.Errorf("Allow() request %d should be allowed", i+1)
		}
	}
	if rl.Allow("id") {
		t.Error("Allow() should return false once the burst is spent")
	}
	if !rl.Allow("other") {
		t.Error("identifiers must not share a bucket")
	}
}

func TestRateLimiter_PollingInterval(t *testing.T) {
	rl := NewRateLimiter(rate.Every(5*time.Second), 1, nil)
	defer rl.Stop()

	start := time.Now()
	if !rl.AllowAt("device", start) {
		t.Fatal("first poll should be allowed")
	}
	if rl.AllowAt("device", start.Add(2*time.Second)) {
		t.Error("poll after 2s should be limited")
	}
	if !rl.AllowAt("device", start.Add(6*time.Second)) {
		t.Error("poll after 6s should be allowed")
	}
}

func TestRateLimiter_Forget(t *testing.T) {
	rl := NewRateLimiter(rate.Every(time.Hour), 1, nil)
	defer rl.Stop()

	rl.Allow("id")
	rl.Forget("id")
	if !rl.Allow("id") {
		t.Error("Allow() after Forget() should start a fresh bucket")
	}
	rl.Forget("never-seen")
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(1, 1, 3, nil)
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		rl.Allow(fmt.Sprintf("id-%d", i))
	}

	stats := rl.GetStats()
	if stats.CurrentEntries != 3 {
		t.Errorf("CurrentEntries = %d, want 3", stats.CurrentEntries)
	}
	if stats.TotalEvictions != 2 {
		t.Errorf("TotalEvictions = %d, want 2", stats.TotalEvictions)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(10, 1, nil)
	defer rl.Stop()

	rl.AllowAt("old", time.Now().Add(-time.Hour))
	rl.Allow("fresh")

	rl.Cleanup(30 * time.Minute)

	if got := rl.GetStats().CurrentEntries; got != 1 {
		t.Errorf("CurrentEntries = %d, want 1", got)
	}
	if rl.GetStats().TotalCleanups != 1 {
		t.Errorf("TotalCleanups = %d, want 1", rl.GetStats().TotalCleanups)
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(1000, 1000, nil)
	defer rl.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				rl.Allow(fmt.Sprintf("id-%d", i%5))
			}
		}(i)
	}
	wg.Wait()
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	rl.Stop()
	rl.Stop()
}
