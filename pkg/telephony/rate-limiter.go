package telephony

import (
	"sync"
	"time"
)

// ============================================
// CALL ADMISSION RATE LIMITER
// Fixed window per caller identifier
// ============================================

const (
	DefaultMaxAttempts     = 5
	DefaultRateLimitWindow = 60 * time.Second
	DefaultStaleAfter      = time.Hour
)

// RateLimiter gates outbound call attempts per identifier
type RateLimiter struct {
	mu          sync.Mutex
	windows     map[string]*rateWindow
	maxAttempts int
	window      time.Duration
	staleAfter  time.Duration
	now         func() time.Time
}

type rateWindow struct {
	count       int
	windowStart time.Time
	lastAttempt time.Time
}

// NewRateLimiter creates a limiter; non-positive arguments take the defaults.
func NewRateLimiter(maxAttempts int, window, staleAfter time.Duration) *RateLimiter {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &RateLimiter{
		windows:     make(map[string]*rateWindow),
		maxAttempts: maxAttempts,
		window:      window,
		staleAfter:  staleAfter,
		now:         time.Now,
	}
}

// Check admits and records an attempt, or returns false without touching
// state when identifier is already at the limit inside its window.
func (rl *RateLimiter) Check(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, exists := rl.windows[identifier]
	if !exists || now.Sub(w.windowStart) > rl.window {
		rl.windows[identifier] = &rateWindow{count: 1, windowStart: now, lastAttempt: now}
		return true
	}

	if w.count >= rl.maxAttempts {
		return false
	}

	w.count++
	w.lastAttempt = now
	return true
}

// Cleanup drops identifiers idle for longer than the staleness threshold.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.staleAfter)
	removed := 0
	for id, w := range rl.windows {
		if w.lastAttempt.Before(cutoff) {
			delete(rl.windows, id)
			removed++
		}
	}
	return removed
}

// Clear resets all state.
func (rl *RateLimiter) Clear() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.windows = make(map[string]*rateWindow)
}

// Len returns the number of tracked identifiers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}
