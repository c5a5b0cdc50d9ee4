// Package ratelimit provides per-client sliding-window rate limiting across
// independently configured channels.
package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Channel identifies an independently limited traffic class.
type Channel string

const (
	// ChannelAPI covers REST endpoints.
	ChannelAPI Channel = "api"
	// ChannelMessage covers realtime messages on an established connection.
	ChannelMessage Channel = "message"
	// ChannelHandshake covers WebSocket upgrade attempts.
	ChannelHandshake Channel = "handshake"
)

// windowSpan is the sliding window over which requests are counted.
const windowSpan = time.Minute

// retention is how long the housekeeping sweep keeps old timestamps around
// before discarding them outright.
const retention = 5 * time.Minute

// ChannelLimit configures one channel.
type ChannelLimit struct {
	// RequestsPerMinute is the sliding-window budget.
	RequestsPerMinute int
	// BurstCapacity caps how many accepted requests may sit in the window at
	// once. With BurstCapacity < RequestsPerMinute the burst check is the
	// effective limit; that configuration is allowed and tested.
	BurstCapacity int
}

// Status is a point-in-time view of one client's standing on a channel,
// shaped for rate-limit response headers.
type Status struct {
	CountInLastMinute int
	Limit             int
	Limited           bool
	// ResetAt is when the oldest in-window entry slides out; zero when the
	// window is empty.
	ResetAt time.Time
}

// Remaining returns the requests left in the window, clamped to zero.
func (s Status) Remaining() int {
	if r := s.Limit - s.CountInLastMinute; r > 0 {
		return r
	}
	return 0
}

type clientWindow struct {
	mu    sync.Mutex
	times []time.Time
}

// Limiter makes sliding-window accept/reject decisions per (client key,
// channel). The key map is guarded by a short read-write lock; each window
// carries its own mutex so unrelated clients never contend on a decision.
type Limiter struct {
	limits  map[Channel]ChannelLimit
	enabled bool
	logger  *zap.Logger

	mu      sync.RWMutex
	windows map[string]*clientWindow

	now func() time.Time
}

// NewLimiter creates a Limiter with the given per-channel limits.
// When enabled is false, Allow always accepts but bookkeeping continues, so
// re-enabling enforcement starts from an accurate window.
//
// Precondition: every channel used with Allow must be present in limits.
func NewLimiter(limits map[Channel]ChannelLimit, enabled bool, logger *zap.Logger) *Limiter {
	return &Limiter{
		limits:  limits,
		enabled: enabled,
		logger:  logger,
		windows: make(map[string]*clientWindow),
		now:     time.Now,
	}
}

func windowKey(clientKey string, channel Channel) string {
	return string(channel) + "|" + clientKey
}

func (l *Limiter) window(key string) *clientWindow {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[key]; ok {
		return w
	}
	w = &clientWindow{}
	l.windows[key] = w
	return w
}

// trimLocked drops timestamps older than cutoff. Caller holds w.mu.
func trimLocked(w *clientWindow, cutoff time.Time) {
	keep := 0
	for _, ts := range w.times {
		if ts.After(cutoff) {
			break
		}
		keep++
	}
	if keep > 0 {
		w.times = w.times[keep:]
	}
}

// Allow decides whether one request on the given channel is admitted.
// Rejections are not recorded, so a caller that backs off re-enters
// accounting immediately. The first call for an unseen key always succeeds.
//
// Precondition: channel must be configured.
func (l *Limiter) Allow(clientKey string, channel Channel) bool {
	limit, ok := l.limits[channel]
	if !ok {
		// Unconfigured channels are never throttled; likely a wiring bug.
		l.logger.Warn("rate limit check on unconfigured channel",
			zap.String("channel", string(channel)),
		)
		return true
	}

	now := l.now()
	w := l.window(windowKey(clientKey, channel))

	w.mu.Lock()
	defer w.mu.Unlock()

	trimLocked(w, now.Add(-windowSpan))

	if !l.enabled {
		w.times = append(w.times, now)
		return true
	}

	if len(w.times) >= limit.BurstCapacity {
		return false
	}
	if len(w.times) >= limit.RequestsPerMinute {
		return false
	}

	w.times = append(w.times, now)
	return true
}

// Status reports the client's current standing on a channel without
// recording anything.
func (l *Limiter) Status(clientKey string, channel Channel) Status {
	limit, ok := l.limits[channel]
	if !ok {
		// Unconfigured channels are never throttled; likely a wiring bug.
		l.logger.Warn("rate limit status on unconfigured channel",
			zap.String("channel", string(channel)),
		)
		return Status{}
	}

	effective := limit.RequestsPerMinute
	if limit.BurstCapacity < effective {
		effective = limit.BurstCapacity
	}

	now := l.now()
	w := l.window(windowKey(clientKey, channel))

	w.mu.Lock()
	defer w.mu.Unlock()

	trimLocked(w, now.Add(-windowSpan))

	st := Status{
		CountInLastMinute: len(w.times),
		Limit:             effective,
		Limited:           l.enabled && len(w.times) >= effective,
	}
	if len(w.times) > 0 {
		st.ResetAt = w.times[0].Add(windowSpan)
	}
	return st
}

// Sweep drops timestamps older than the retention horizon and deletes
// windows left empty. Intended to run every few minutes.
//
// Postcondition: no window retains entries older than the retention horizon.
func (l *Limiter) Sweep() {
	cutoff := l.now().Add(-retention)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		trimLocked(w, cutoff)
		empty := len(w.times) == 0
		w.mu.Unlock()
		if empty {
			delete(l.windows, key)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug("rate limit sweep removed idle windows",
			zap.Int("removed", removed),
			zap.Int("remaining", len(l.windows)),
		)
	}
}

// WindowCount returns the number of live client windows, for diagnostics.
func (l *Limiter) WindowCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}
