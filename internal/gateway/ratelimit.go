package gateway

import (
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter hands out one token-bucket limiter per client IP so a single
// noisy client cannot starve the REST API or the WS upgrade path.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiterEntry
	r        rate.Limit
	burst    int
}

type ipLimiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// newIPLimiter creates a per-IP limiter replenishing r tokens per second
// with the given burst. Stale entries are evicted in the background.
func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	if perSecond <= 0 {
		perSecond = 10
	}
	if burst <= 0 {
		burst = 20
	}
	l := &ipLimiter{
		limiters: make(map[string]*ipLimiterEntry),
		r:        rate.Every(time.Duration(float64(time.Second) / perSecond)),
		burst:    burst,
	}
	go l.evictLoop()
	return l
}

// Allow reports whether the given remote address may proceed.
func (l *ipLimiter) Allow(remoteAddr string) bool {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		ip = remoteAddr
	}

	l.mu.Lock()
	e, ok := l.limiters[ip]
	if !ok {
		e = &ipLimiterEntry{lim: rate.NewLimiter(l.r, l.burst)}
		l.limiters[ip] = e
	}
	e.lastSeen = time.Now()
	l.mu.Unlock()

	return e.lim.Allow()
}

// evictLoop drops limiters for IPs not seen in the last 10 minutes.
func (l *ipLimiter) evictLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		l.mu.Lock()
		for ip, e := range l.limiters {
			if e.lastSeen.Before(cutoff) {
				delete(l.limiters, ip)
			}
		}
		l.mu.Unlock()
	}
}

// Middleware wraps an HTTP handler and answers 429 when the caller's IP
// is over its budget.
func (l *ipLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r.RemoteAddr) {
			rateLimitedTotal.Inc()
			log.Printf("[gateway] rate limited %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
