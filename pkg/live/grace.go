package live

import (
	"sync"
	"time"
)

// GraceTimer holds the speaking signal for a short window after the last
// live segment ends, so the tiny scheduling gap between back-to-back
// chunks is not reported as the agent going quiet.
//
// Start arms the expiry timer, replacing any pending one, so consecutive
// segment completions cannot make the signal flicker. Cancel discards the
// window without firing the callback; a new segment joining the live set
// does exactly that.
type GraceTimer struct {
	duration time.Duration

	mu        sync.Mutex
	active    bool
	startTime time.Time
	timer     *time.Timer
	onExpired func()
}

// NewGraceTimer creates a grace timer with the given hold duration.
func NewGraceTimer(duration time.Duration) *GraceTimer {
	return &GraceTimer{duration: duration}
}

// Start begins a hold window. The callback runs on the timer goroutine
// when the window elapses without a Cancel.
func (g *GraceTimer) Start(onExpired func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.duration <= 0 {
		// No hold configured, expire immediately.
		g.active = false
		if onExpired != nil {
			go onExpired()
		}
		return
	}

	// Replace any pending window.
	if g.timer != nil {
		g.timer.Stop()
	}

	g.active = true
	g.startTime = time.Now()
	g.onExpired = onExpired
	g.timer = time.AfterFunc(g.duration, g.expire)
}

// expire is called when the hold window elapses.
func (g *GraceTimer) expire() {
	g.mu.Lock()
	if !g.active {
		g.mu.Unlock()
		return
	}
	g.active = false
	callback := g.onExpired
	g.mu.Unlock()

	if callback != nil {
		callback()
	}
}

// Cancel discards the pending window without firing the callback.
func (g *GraceTimer) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.timer != nil {
		g.timer.Stop()
	}
	g.active = false
}

// IsActive returns whether a hold window is currently pending.
func (g *GraceTimer) IsActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// TimeRemaining returns the time left in the pending window.
func (g *GraceTimer) TimeRemaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.active {
		return 0
	}

	remaining := g.duration - time.Since(g.startTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}
