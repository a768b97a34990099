package telephony

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RequestLimiter throttles browser API requests per client IP with a token
// bucket. Carrier webhooks, /health and /metrics are never throttled.
type RequestLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	byKey   map[string]*requestLimitEntry
	hits    uint64
	idleTTL time.Duration
	now     func() time.Time
}

type requestLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRequestLimiter returns nil (no limiting) when rps or burst is not positive.
func NewRequestLimiter(rps float64, burst int, idleTTL time.Duration) *RequestLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &RequestLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		byKey:   make(map[string]*requestLimitEntry),
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

// Allow reports whether one more request from key may proceed.
func (l *RequestLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.byKey[key]
	if !ok {
		e = &requestLimitEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}
	return allowed
}

// Middleware rejects throttled requests with 429.
func (l *RequestLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exemptFromRequestLimit(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if !l.Allow(requestLimitKey(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func exemptFromRequestLimit(path string) bool {
	return strings.HasPrefix(path, "/api/voice/") || path == "/health" || path == "/metrics"
}

func requestLimitKey(r *http.Request) string {
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "ip:unknown"
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return "ip:" + remote
	}
	return "ip:" + host
}
