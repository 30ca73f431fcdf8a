package capture

import (
	"sync"
	"time"
)

// DefaultThrottleWindow applies to hover and scroll.
const DefaultThrottleWindow = 200 * time.Millisecond

// Throttle admits at most one call per window. Calls inside the window are
// dropped, not deferred, so throttled sources lose events under load.
type Throttle struct {
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	last  time.Time
	fired bool
}

func NewThrottle(window time.Duration, now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{window: window, now: now}
}

// Allow reports whether a call at the current time passes.
func (t *Throttle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if t.fired && now.Sub(t.last) < t.window {
		return false
	}
	t.last = now
	t.fired = true
	return true
}
