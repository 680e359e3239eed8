package ratelimit

import (
	"sync"
	"time"
)

// chatBucket has two modes:
//  1. normal: count grows inside the window
//  2. cooldown: cooldownUntil > now, every message is dropped
type chatBucket struct {
	count         int
	windowStart   time.Time
	cooldownUntil time.Time // zero = no cooldown
}

// ChatRateLimiter throttles relay messages per member.
//
// Unlike TokenRateLimiter the penalty is longer than the window: with
// (5, 5s, 15s) the sixth message inside five seconds starts a fifteen
// second cooldown during which everything from that member is dropped.
//
// Keys are "channel:identity" so one member's flood in one room does not
// silence them in another.
type ChatRateLimiter struct {
	mu          sync.RWMutex
	buckets     map[string]*chatBucket
	maxMessages int
	window      time.Duration
	cooldown    time.Duration
	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// NewChatRateLimiter creates a limiter and starts its cleanup goroutine.
func NewChatRateLimiter(maxMessages int, window, cooldown time.Duration) *ChatRateLimiter {
	rl := &ChatRateLimiter{
		buckets:     make(map[string]*chatBucket),
		maxMessages: maxMessages,
		window:      window,
		cooldown:    cooldown,
		stopCleanup: make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether key may send another message.
func (rl *ChatRateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[key]
	if !exists {
		rl.buckets[key] = &chatBucket{count: 1, windowStart: now}
		return true
	}

	if !b.cooldownUntil.IsZero() && now.Before(b.cooldownUntil) {
		return false
	}

	// Cooldown over: start fresh.
	if !b.cooldownUntil.IsZero() {
		b.count = 1
		b.windowStart = now
		b.cooldownUntil = time.Time{}
		return true
	}

	if now.Sub(b.windowStart) > rl.window {
		b.count = 1
		b.windowStart = now
		return true
	}

	b.count++
	if b.count > rl.maxMessages {
		b.cooldownUntil = now.Add(rl.cooldown)
		return false
	}

	return true
}

// CooldownSeconds returns the remaining penalty of key, 0 if none.
func (rl *ChatRateLimiter) CooldownSeconds(key string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	b, exists := rl.buckets[key]
	if !exists || b.cooldownUntil.IsZero() {
		return 0
	}

	remaining := time.Until(b.cooldownUntil)
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds()) + 1
}

// Forget drops key's bucket, used when a member leaves the room.
func (rl *ChatRateLimiter) Forget(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, key)
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (rl *ChatRateLimiter) Close() {
	rl.closeOnce.Do(func() { close(rl.stopCleanup) })
}

func (rl *ChatRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
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

// cleanup only deletes buckets whose window AND cooldown have both passed,
// otherwise a member in cooldown would get a clean slate.
func (rl *ChatRateLimiter) cleanup() {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, b := range rl.buckets {
		windowExpired := now.Sub(b.windowStart) > rl.window
		cooldownExpired := b.cooldownUntil.IsZero() || now.After(b.cooldownUntil)

		if windowExpired && cooldownExpired {
			delete(rl.buckets, key)
		}
	}
}
