package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxRateLimitEntries bounds the number of tracked identifiers
	DefaultMaxRateLimitEntries = 10000

	rateLimitCleanupInterval = 5 * time.Minute
	rateLimitMaxIdle         = 30 * time.Minute
)

// rateLimiterEntry tracks a rate limiter and its last access time
type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter keeps one token bucket per identifier with LRU eviction.
type RateLimiter struct {
	limiters   map[string]*list.Element // identifier -> list element
	lruList    *list.List               // of *rateLimiterEntry, most recent first
	mu         sync.Mutex
	limit      rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	totalEvictions int64
	totalCleanups  int64
}

// NewRateLimiter creates a rate limiter tracking up to DefaultMaxRateLimitEntries identifiers.
func NewRateLimiter(limit rate.Limit, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(limit, burst, DefaultMaxRateLimitEntries, logger)
}

// NewRateLimiterWithConfig creates a rate limiter with a custom entry bound.
// maxEntries of 0 means unlimited.
func NewRateLimiterWithConfig(limit rate.Limit, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		logger.Warn("Invalid maxEntries, using default", "maxEntries", maxEntries)
		maxEntries = DefaultMaxRateLimitEntries
	}
	if burst < 1 {
		burst = 1
	}

	rl := &RateLimiter{
		limiters:        make(map[string]*list.Element),
		lruList:         list.New(),
		limit:           limit,
		burst:           burst,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: rateLimitCleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether one event for identifier may happen now.
func (rl *RateLimiter) Allow(identifier string) bool {
	return rl.AllowAt(identifier, time.Now())
}

// AllowAt is Allow at an explicit time.
func (rl *RateLimiter) AllowAt(identifier string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, exists := rl.limiters[identifier]; exists {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
		rl.evictLRU()
	}

	entry := &rateLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lruList.PushFront(entry)

	return entry.limiter.AllowN(now, 1)
}

// Forget drops the bucket for identifier, e.g. once a device code is redeemed.
func (rl *RateLimiter) Forget(identifier string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.limiters[identifier]; ok {
		rl.lruList.Remove(elem)
		delete(rl.limiters, identifier)
	}
}

// evictLRU removes the least recently used entry. Must be called with mu held.
func (rl *RateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}

	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.limiters))
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(rateLimitMaxIdle)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes limiters idle for longer than maxIdleTime.
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0

	// Idle entries collect at the back of the list
	for elem := rl.lruList.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*rateLimiterEntry)
		if now.Sub(entry.lastAccess) <= maxIdleTime {
			break
		}
		delete(rl.limiters, entry.identifier)
		rl.lruList.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters))
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

// Stats holds rate limiter statistics for monitoring
type Stats struct {
	CurrentEntries int
	MaxEntries     int // 0 = unlimited
	TotalEvictions int64
	TotalCleanups  int64
}

// GetStats returns current rate limiter statistics.
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return Stats{
		CurrentEntries: len(rl.limiters),
		MaxEntries:     rl.maxEntries,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
	}
}
