package connection

import (
	"sync"
	"time"
)

// eventTimer fires a callback after a configurable duration unless stopped.
// It is safe for concurrent use.
type eventTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// newEventTimer creates and starts a timer that calls onFire after duration.
// onFire is called in a separate goroutine.
//
// Precondition: duration > 0; onFire must not be nil.
// Postcondition: Returns a running eventTimer; onFire will be called unless Stop is called first.
func newEventTimer(duration time.Duration, onFire func()) *eventTimer {
	et := &eventTimer{}
	et.timer = time.AfterFunc(duration, func() {
		et.mu.Lock()
		stopped := et.stopped
		et.mu.Unlock()
		if !stopped {
			onFire()
		}
	})
	return et
}

// Reset cancels the current timer and starts a new one with the provided duration and callback.
//
// Precondition: duration > 0; onFire must not be nil.
// Postcondition: onFire will be called after duration from now unless Stop is called first.
func (et *eventTimer) Reset(duration time.Duration, onFire func()) {
	et.mu.Lock()
	et.stopped = false
	et.timer.Stop()
	et.mu.Unlock()

	newTimer := time.AfterFunc(duration, func() {
		et.mu.Lock()
		s := et.stopped
		et.mu.Unlock()
		if !s {
			onFire()
		}
	})

	et.mu.Lock()
	et.timer = newTimer
	et.mu.Unlock()
}

// Stop prevents the callback from firing. Safe to call multiple times.
//
// Postcondition: onFire will not be called after Stop returns.
func (et *eventTimer) Stop() {
	et.mu.Lock()
	defer et.mu.Unlock()
	et.stopped = true
	et.timer.Stop()
}
