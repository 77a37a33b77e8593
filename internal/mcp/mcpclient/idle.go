package mcpclient

import (
	"sync"
	"time"
)

// idleTimer runs fire once after a period without rearm calls.
type idleTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	fire  func()
}

func newIdleTimer(fire func()) *idleTimer {
	return &idleTimer{fire: fire}
}

// rearm replaces any pending timer with one that fires after d. A
// non-positive d only stops the pending timer.
func (t *idleTimer) rearm(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if d <= 0 {
		return
	}
	var self *time.Timer
	self = time.AfterFunc(d, func() {
		t.mu.Lock()
		current := t.timer == self
		if current {
			t.timer = nil
		}
		t.mu.Unlock()
		// A timer stopped too late to prevent its callback must not fire.
		if current {
			t.fire()
		}
	})
	t.timer = self
}

// stop cancels the pending timer, if any.
func (t *idleTimer) stop() {
	t.rearm(0)
}

// pending reports whether a timer is armed.
func (t *idleTimer) pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}
