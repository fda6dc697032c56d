package netscene

import (
	"sync"
	"time"
)

// opTimer calls onExpire once after a duration unless stopped.
// It is safe for concurrent use.
type opTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// startOpTimer starts a timer that calls onExpire after d in its own goroutine.
//
// Precondition: d > 0; onExpire must not be nil.
// Postcondition: onExpire will be called unless Stop is called first.
func startOpTimer(d time.Duration, onExpire func()) *opTimer {
	t := &opTimer{}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		stopped := t.stopped
		t.stopped = true
		t.mu.Unlock()
		if !stopped {
			onExpire()
		}
	})
	return t
}

// Stop prevents onExpire from being called. Safe to call multiple times and
// on a nil timer.
func (t *opTimer) Stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.timer.Stop()
}
