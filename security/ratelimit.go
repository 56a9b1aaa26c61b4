package security

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxLimiterEntries bounds the number of tracked identifiers so a scan
// across many source IPs cannot grow the map without limit.
const maxLimiterEntries = 10000

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token-bucket limit per identifier (typically a
// client IP). Idle entries are swept periodically; when the entry cap is
// hit, the stalest entry is dropped to make room.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry

	rate   int
	burst  int
	logger *slog.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewRateLimiter creates a per-identifier rate limiter allowing
// requestsPerSecond with the given burst. cleanupInterval controls how
// often idle entries are swept; zero uses five minutes.
func NewRateLimiter(requestsPerSecond, burst int, cleanupInterval time.Duration, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		entries:         make(map[string]*limiterEntry),
		rate:            requestsPerSecond,
		burst:           burst,
		logger:          logger,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request from identifier fits its bucket.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.entries[identifier]
	if !ok {
		if len(rl.entries) >= maxLimiterEntries {
			rl.evictStalest()
		}
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(rl.rate), rl.burst),
		}
		rl.entries[identifier] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// Stop halts the background sweep.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// evictStalest drops the least recently seen entry. Caller holds the lock.
func (rl *RateLimiter) evictStalest() {
	var staleKey string
	var staleTime time.Time
	for key, entry := range rl.entries {
		if staleKey == "" || entry.lastSeen.Before(staleTime) {
			staleKey = key
			staleTime = entry.lastSeen
		}
	}
	if staleKey != "" {
		delete(rl.entries, staleKey)
	}
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweepIdle()
		case <-rl.stopCleanup:
			return
		}
	}
}

// sweepIdle removes entries idle for at least three cleanup intervals.
func (rl *RateLimiter) sweepIdle() {
	cutoff := time.Now().Add(-3 * rl.cleanupInterval)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for key, entry := range rl.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.entries, key)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("swept idle rate limiter entries", "removed", removed)
	}
}
