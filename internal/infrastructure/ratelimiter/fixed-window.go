package ratelimiter

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// FixedWindowRateLimiter counts events per key in aligned windows. The
// websocket transport uses it for inbound frames, keyed by connection.
type FixedWindowRateLimiter struct {
	counts  map[string]*windowData
	limit   int
	window  time.Duration
	clock   clockwork.Clock
	mu      sync.Mutex
	done    chan struct{}
	closeMu sync.Once
}

type windowData struct {
	count   int
	resetAt time.Time
}

func NewFixedWindowRateLimiter(limit int, window time.Duration, clock clockwork.Clock) *FixedWindowRateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	rl := &FixedWindowRateLimiter{
		counts: make(map[string]*windowData),
		limit:  limit,
		window: window,
		clock:  clock,
		done:   make(chan struct{}),
	}
	go rl.startCleanup()
	return rl
}

// Allow records one event for key. When the window is exhausted it reports
// false and the time left until the window resets. A limit <= 0 disables
// limiting.
func (rl *FixedWindowRateLimiter) Allow(key string) (bool, time.Duration) {
	if rl.limit <= 0 {
		return true, 0
	}

	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	data, ok := rl.counts[key]
	if !ok || !now.Before(data.resetAt) {
		rl.counts[key] = &windowData{
			count:   1,
			resetAt: now.Truncate(rl.window).Add(rl.window),
		}
		return true, 0
	}

	if data.count >= rl.limit {
		return false, data.resetAt.Sub(now)
	}

	data.count++
	return true, 0
}

// Forget drops the window for key, typically on disconnect.
func (rl *FixedWindowRateLimiter) Forget(key string) {
	rl.mu.Lock()
	delete(rl.counts, key)
	rl.mu.Unlock()
}

func (rl *FixedWindowRateLimiter) startCleanup() {
	ticker := rl.clock.NewTicker(rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			rl.cleanup()
		case <-rl.done:
			return
		}
	}
}

func (rl *FixedWindowRateLimiter) cleanup() {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, data := range rl.counts {
		if !now.Before(data.resetAt) {
			delete(rl.counts, key)
		}
	}
}

func (rl *FixedWindowRateLimiter) Close() {
	rl.closeMu.Do(func() {
		close(rl.done)
	})
}
