package connection

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestEventTimerFires(t *testing.T) {
	var called atomic.Int32
	et := newEventTimer(20*time.Millisecond, func() {
		called.Add(1)
	})
	_ = et
	time.Sleep(50 * time.Millisecond)
	if called.Load() != 1 {
		t.Fatalf("expected callback called once, got %d", called.Load())
	}
}

func TestEventTimerStopPreventsFiring(t *testing.T) {
	var called atomic.Int32
	et := newEventTimer(20*time.Millisecond, func() {
		called.Add(1)
	})
	et.Stop()
	time.Sleep(50 * time.Millisecond)
	if called.Load() != 0 {
		t.Fatalf("expected no callback after Stop, got %d", called.Load())
	}
}

func TestEventTimerStopIsIdempotent(t *testing.T) {
	et := newEventTimer(20*time.Millisecond, func() {})
	et.Stop()
	et.Stop()
}

func TestEventTimerReset(t *testing.T) {
	var first, second atomic.Int32
	et := newEventTimer(20*time.Millisecond, func() {
		first.Add(1)
	})
	et.Reset(30*time.Millisecond, func() {
		second.Add(1)
	})
	time.Sleep(70 * time.Millisecond)
	if first.Load() != 0 {
		t.Fatalf("expected original callback cancelled, got %d", first.Load())
	}
	if second.Load() != 1 {
		t.Fatalf("expected replacement callback called once, got %d", second.Load())
	}
}

func TestEventTimerResetAfterStopRearms(t *testing.T) {
	var called atomic.Int32
	et := newEventTimer(20*time.Millisecond, func() {})
	et.Stop()
	et.Reset(20*time.Millisecond, func() {
		called.Add(1)
	})
	time.Sleep(50 * time.Millisecond)
	if called.Load() != 1 {
		t.Fatalf("expected callback after rearm, got %d", called.Load())
	}
}
