// Package web provides HTTP middleware for the server's non-MCP surface.
package web

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterEntry holds a rate limiter and its last access time
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter enforces a per-client-IP request rate.
type RateLimiter struct {
	limit          rate.Limit
	burst          int
	limiters       map[string]*limiterEntry
	mu             sync.Mutex
	cleanupCancel  context.CancelFunc
	cleanupRunning bool
}

// NewRateLimiter creates a rate limiter allowing limit events per second
// with the given burst per client IP.
func NewRateLimiter(limit rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*limiterEntry),
	}
}

func (m *RateLimiter) getLimiter(ip string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.limiters[ip]
	if !exists {
		entry = &limiterEntry{
			limiter:    rate.NewLimiter(m.limit, m.burst),
			lastAccess: time.Now(),
		}
		m.limiters[ip] = entry

		if !m.cleanupRunning {
			m.startCleanup()
		}
	} else {
		entry.lastAccess = time.Now()
	}

	return entry.limiter
}

// Middleware returns a middleware that enforces rate limiting.
func (m *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !m.getLimiter(ip).Allow() {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// startCleanup starts the background cleanup goroutine
func (m *RateLimiter) startCleanup() {
	if m.cleanupRunning {
		return
	}

	m.cleanupRunning = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cleanupCancel = cancel

	go m.cleanupRoutine(ctx)
}

// StopCleanup stops the background cleanup goroutine
func (m *RateLimiter) StopCleanup() {
	if m.cleanupCancel != nil {
		m.cleanupCancel()
		m.cleanupRunning = false
	}
}

// cleanupRoutine periodically removes inactive rate limiters
func (m *RateLimiter) cleanupRoutine(ctx context.Context) {
	const maxIdleTime = time.Hour
	const cleanupInterval = 30 * time.Minute

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanupInactive(maxIdleTime)
		}
	}
}

// cleanupInactive removes rate limiters that have been idle longer than maxIdleTime
func (m *RateLimiter) cleanupInactive(maxIdleTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for ip, entry := range m.limiters {
		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(m.limiters, ip)
		}
	}

	// Nothing left to expire, stop ticking until a new client shows up.
	if len(m.limiters) == 0 {
		if m.cleanupCancel != nil {
			m.cleanupCancel()
			m.cleanupRunning = false
		}
	}
}
