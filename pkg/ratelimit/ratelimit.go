// Package ratelimit holds the in-memory limiters of the server.
//
// TokenRateLimiter guards credential issuance per client IP and role.
// ChatRateLimiter guards the messaging relay per member. State is
// process-local, like the stream registry.
//
// The package imports nothing from the project, so handlers and ws can both
// depend on it.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

type tokenKey struct {
	ip   string
	role string
}

// TokenRateLimiter limits token requests per (client IP, role).
//
// Every role has its own budget per window. Audience tokens are requested
// by every viewer and many viewers can sit behind one NAT address; host
// tokens start broadcasts and deserve a tighter budget. A role without a
// budget is not limited.
//
// The window slides: each key keeps the times of its granted requests and a
// request passes while fewer than budget of them fall inside the window.
// Rejected requests are not recorded.
//
//	limiter := NewTokenRateLimiter(time.Minute, map[string]int{"host": 10, "audience": 30})
//	defer limiter.Close()
//	if !limiter.Allow(ip, "host") { return 429 }
type TokenRateLimiter struct {
	mu      sync.Mutex
	grants  map[tokenKey][]time.Time
	budgets map[string]int
	window  time.Duration
	now     func() time.Time

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// NewTokenRateLimiter creates a limiter and starts its cleanup goroutine.
func NewTokenRateLimiter(window time.Duration, budgets map[string]int) *TokenRateLimiter {
	rl := newTokenRateLimiter(window, budgets, time.Now)
	go rl.cleanupLoop()
	return rl
}

func newTokenRateLimiter(window time.Duration, budgets map[string]int, now func() time.Time) *TokenRateLimiter {
	copied := make(map[string]int, len(budgets))
	for role, n := range budgets {
		copied[role] = n
	}
	return &TokenRateLimiter{
		grants:      make(map[tokenKey][]time.Time),
		budgets:     copied,
		window:      window,
		now:         now,
		stopCleanup: make(chan struct{}),
	}
}

// Allow reports whether ip may get another token for role, and records the
// grant if so.
func (rl *TokenRateLimiter) Allow(ip, role string) bool {
	budget, limited := rl.budgets[role]
	if !limited {
		return true
	}

	now := rl.now()
	key := tokenKey{ip: ip, role: role}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	recent := inWindow(rl.grants[key], now.Add(-rl.window))
	if len(recent) >= budget {
		rl.grants[key] = recent
		return false
	}
	rl.grants[key] = append(recent, now)
	return true
}

// RetryAfter is the wait until the oldest grant of (ip, role) leaves the
// window. Zero means a request would pass now.
func (rl *TokenRateLimiter) RetryAfter(ip, role string) time.Duration {
	budget, limited := rl.budgets[role]
	if !limited {
		return 0
	}

	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	recent := inWindow(rl.grants[tokenKey{ip: ip, role: role}], now.Add(-rl.window))
	if len(recent) < budget {
		return 0
	}
	return recent[0].Add(rl.window).Sub(now)
}

// RetryAfterSeconds is RetryAfter rounded up, for the Retry-After header.
func (rl *TokenRateLimiter) RetryAfterSeconds(ip, role string) int {
	d := rl.RetryAfter(ip, role)
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (rl *TokenRateLimiter) Close() {
	rl.closeOnce.Do(func() { close(rl.stopCleanup) })
}

func (rl *TokenRateLimiter) cleanupLoop() {
	interval := rl.window
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup drops keys whose grants all left the window.
func (rl *TokenRateLimiter) cleanup() {
	cutoff := rl.now().Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, grants := range rl.grants {
		if len(inWindow(grants, cutoff)) == 0 {
			delete(rl.grants, key)
		}
	}
}

// inWindow returns the suffix of the ascending grants after cutoff.
func inWindow(grants []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(grants) && !grants[i].After(cutoff) {
		i++
	}
	return grants[i:]
}

// ExtractIP returns the client IP of r: the first X-Forwarded-For entry,
// then X-Real-IP, then RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
