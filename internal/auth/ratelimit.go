package auth

import (
	"sync"
	"time"
)

// RateLimiter limits attempts per IP within a window and blocks an IP
// that exceeds the limit.
type RateLimiter struct {
	mu          sync.Mutex
	attempts    map[string]*ipAttempts
	maxAttempts int
	window      time.Duration
	blockTime   time.Duration
	now         func() time.Time
	done        chan struct{}
	closeOnce   sync.Once
}

type ipAttempts struct {
	count     int
	firstTime time.Time
	blocked   bool
	blockEnd  time.Time
}

// NewRateLimiter creates a limiter allowing maxAttempts per window, then
// blocking for blockTime. Call Close to stop the cleanup goroutine.
func NewRateLimiter(maxAttempts int, window, blockTime time.Duration) *RateLimiter {
	rl := &RateLimiter{
		attempts:    make(map[string]*ipAttempts),
		maxAttempts: maxAttempts,
		window:      window,
		blockTime:   blockTime,
		now:         time.Now,
		done:        make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// NewUploadRateLimiter allows 3 firmware uploads per 10 minutes per IP and
// blocks for 30 minutes after that.
func NewUploadRateLimiter() *RateLimiter {
	return NewRateLimiter(3, 10*time.Minute, 30*time.Minute)
}

// Allow records an attempt from ip. It returns false and the seconds left
// on the block when ip is over the limit.
func (rl *RateLimiter) Allow(ip string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	att, ok := rl.attempts[ip]
	if !ok {
		rl.attempts[ip] = &ipAttempts{count: 1, firstTime: now}
		return true, 0
	}

	if att.blocked {
		if now.After(att.blockEnd) {
			*att = ipAttempts{count: 1, firstTime: now}
			return true, 0
		}
		return false, int(att.blockEnd.Sub(now).Seconds()) + 1
	}

	if now.Sub(att.firstTime) > rl.window {
		att.count = 1
		att.firstTime = now
		return true, 0
	}

	att.count++
	if att.count > rl.maxAttempts {
		att.blocked = true
		att.blockEnd = now.Add(rl.blockTime)
		return false, int(rl.blockTime.Seconds())
	}
	return true, 0
}

// Reset forgets ip.
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

// Close stops the cleanup goroutine.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() { close(rl.done) })
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, att := range rl.attempts {
		if (!att.blocked && now.Sub(att.firstTime) > rl.window) || (att.blocked && now.After(att.blockEnd)) {
			delete(rl.attempts, ip)
		}
	}
}
