package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

// fakeClock lets tests slide the window deterministically.
type fakeClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{cur: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(d)
}

func newTestLimiter(t *testing.T, limits map[Channel]ChannelLimit, enabled bool) (*Limiter, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	l := NewLimiter(limits, enabled, zaptest.NewLogger(t))
	l.now = clock.now
	return l, clock
}

func TestAllowAdmitsExactlyEffectiveLimit(t *testing.T) {
	l, _ := newTestLimiter(t, map[Channel]ChannelLimit{
		ChannelAPI: {RequestsPerMinute: 120, BurstCapacity: 80},
	}, true)

	accepted := 0
	for i := 0; i < 120; i++ {
		if l.Allow("client-1", ChannelAPI) {
			accepted++
		}
	}

	// Burst capacity is the effective limit when it is below the per-minute
	// budget.
	assert.Equal(t, 80, accepted)
}

func TestBurstHeadroomAboveBudgetDoesNotRaiseLimit(t *testing.T) {
	l, _ := newTestLimiter(t, map[Channel]ChannelLimit{
		ChannelAPI: {RequestsPerMinute: 60, BurstCapacity: 80},
	}, true)

	accepted := 0
	for i := 0; i < 120; i++ {
		if l.Allow("client-1", ChannelAPI) {
			accepted++
		}
	}

	// The per-minute budget still binds when burst capacity sits above it.
	assert.Equal(t, 60, accepted)
}

func TestAllowFirstRequestForUnseenKeySucceeds(t *testing.T) {
	l, _ := newTestLimiter(t, map[Channel]ChannelLimit{
		ChannelMessage: {RequestsPerMinute: 1, BurstCapacity: 1},
	}, true)

	assert.True(t, l.Allow("fresh", ChannelMessage))
	assert.False(t, l.Allow("fresh", ChannelMessage))
}

func TestChannelsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, map[Channel]ChannelLimit{
		ChannelAPI:     {RequestsPerMinute: 1, BurstCapacity: 1},
		ChannelMessage: {RequestsPerMinute: 5, BurstCapacity: 5},
	}, true)

	require.True(t, l.Allow("client-1", ChannelAPI))
	require.False(t, l.Allow("client-1", ChannelAPI))

	// Exhausting the API channel must not touch the message channel.
	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("client-1", ChannelMessage), "message request %d", i)
	}
}

func TestClientKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, map[Channel]ChannelLimit{
		ChannelAPI: {RequestsPerMinute: 2, BurstCapacity: 2},
	}, true)

	require.True(t, l.Allow("a", ChannelAPI))
	require.True(t, l.Allow("a", ChannelAPI))
	require.False(t, l.Allow("a", ChannelAPI))

	assert.True(t, l.Allow("b", ChannelAPI))
}

func TestWindowSlidesAndFreesCapacity(t *testing.T) {
	l, clock := newTestLimiter(t, map[Channel]ChannelLimit{
		ChannelAPI: {RequestsPerMinute: 2, BurstCapacity: 2},
	}, true)

	require.True(t, l.Allow("c", ChannelAPI))
	clock.advance(30 * time.Second)
	require.True(t, l.Allow("c", ChannelAPI))
	require.False(t, l.Allow("c", ChannelAPI))

	// 31s later the first entry has slid out; exactly one slot opens.
	clock.advance(31 * time.Second)
	assert.True(t, l.Allow("c", ChannelAPI))
	assert.False(t, l.Allow("c", ChannelAPI))
}

func TestRejectionsAreNotRecorded(t *testing.T) {
	l, clock := newTestLimiter(t, map[Channel]ChannelLimit{
		ChannelAPI: {RequestsPerMinute: 1, BurstCapacity: 1},
	}, true)

	require.True(t, l.Allow("c", ChannelAPI))
	for i := 0; i < 50; i++ {
		require.False(t, l.Allow("c", ChannelAPI))
	}

	// The 50 rejections left no trace; once the single accepted entry
	// expires the client is immediately admitted again.
	clock.advance(windowSpan + time.Second)
	assert.True(t, l.Allow("c", ChannelAPI))
}

func TestDisabledLimiterAlwaysAdmitsButKeepsCounting(t *testing.T) {
	l, _ := newTestLimiter(t, map[Channel]ChannelLimit{
		ChannelAPI: {RequestsPerMinute: 2, BurstCapacity: 2},
	}, false)

	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("c", ChannelAPI))
	}

	st := l.Status("c", ChannelAPI)
	assert.Equal(t, 10, st.CountInLastMinute)
	assert.False(t, st.Limited)
}

func TestUnconfiguredChannelIsNeverThrottled(t *testing.T) {
	l, _ := newTestLimiter(t, map[Channel]ChannelLimit{}, true)

	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("c", ChannelAPI))
	}

	st := l.Status("c", ChannelAPI)
	assert.False(t, st.Limited)
	assert.Zero(t, st.Limit)
	assert.Zero(t, st.CountInLastMinute)
}

func TestStatusReflectsWindowState(t *testing.T) {
	l, clock := newTestLimiter(t, map[Channel]ChannelLimit{
		ChannelAPI: {RequestsPerMinute: 3, BurstCapacity: 5},
	}, true)

	st := l.Status("c", ChannelAPI)
	assert.Equal(t, 0, st.CountInLastMinute)
	assert.Equal(t, 3, st.Limit)
	assert.False(t, st.Limited)
	assert.True(t, st.ResetAt.IsZero())
	assert.Equal(t, 3, st.Remaining())

	first := clock.now()
	require.True(t, l.Allow("c", ChannelAPI))
	require.True(t, l.Allow("c", ChannelAPI))
	require.True(t, l.Allow("c", ChannelAPI))
	require.False(t, l.Allow("c", ChannelAPI))

	st = l.Status("c", ChannelAPI)
	assert.Equal(t, 3, st.CountInLastMinute)
	assert.True(t, st.Limited)
	assert.Equal(t, 0, st.Remaining())
	assert.Equal(t, first.Add(windowSpan), st.ResetAt)
}

func TestSweepDropsIdleWindows(t *testing.T) {
	l, clock := newTestLimiter(t, map[Channel]ChannelLimit{
		ChannelAPI: {RequestsPerMinute: 10, BurstCapacity: 10},
	}, true)

	require.True(t, l.Allow("old", ChannelAPI))
	clock.advance(retention + time.Second)
	require.True(t, l.Allow("fresh", ChannelAPI))

	require.Equal(t, 2, l.WindowCount())
	l.Sweep()
	assert.Equal(t, 1, l.WindowCount())

	// The surviving window still enforces normally.
	st := l.Status("fresh", ChannelAPI)
	assert.Equal(t, 1, st.CountInLastMinute)
}

func TestAllowNeverExceedsEffectiveLimitProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rpm := rapid.IntRange(1, 50).Draw(t, "rpm")
		burst := rapid.IntRange(1, 50).Draw(t, "burst")
		attempts := rapid.IntRange(1, 200).Draw(t, "attempts")

		clock := newFakeClock()
		l := NewLimiter(map[Channel]ChannelLimit{
			ChannelAPI: {RequestsPerMinute: rpm, BurstCapacity: burst},
		}, true, zaptest.NewLogger(t))
		l.now = clock.now

		effective := rpm
		if burst < effective {
			effective = burst
		}

		accepted := 0
		for i := 0; i < attempts; i++ {
			if l.Allow("c", ChannelAPI) {
				accepted++
			}
			// Small, sub-window jitter so entries never expire mid-run.
			clock.advance(time.Duration(rapid.IntRange(0, 50).Draw(t, fmt.Sprintf("jitter-%d", i))) * time.Millisecond)
		}

		if attempts < effective {
			assert.Equal(t, attempts, accepted)
		} else {
			assert.Equal(t, effective, accepted)
		}
	})
}

func TestConcurrentAllowStaysWithinLimit(t *testing.T) {
	const (
		workers  = 8
		perWorker = 50
		limit    = 100
	)

	l := NewLimiter(map[Channel]ChannelLimit{
		ChannelMessage: {RequestsPerMinute: limit, BurstCapacity: limit},
	}, true, zaptest.NewLogger(t))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := 0
			for i := 0; i < perWorker; i++ {
				if l.Allow("shared", ChannelMessage) {
					local++
				}
			}
			mu.Lock()
			accepted += local
			mu.Unlock()
		}()
	}
	wg.Wait()

	// 400 racing attempts against a budget of 100: exactly the budget lands.
	assert.Equal(t, limit, accepted)
}

func TestConcurrentDistinctKeys(t *testing.T) {
	l := NewLimiter(map[Channel]ChannelLimit{
		ChannelAPI: {RequestsPerMinute: 5, BurstCapacity: 5},
	}, true, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := fmt.Sprintf("client-%d", id)
			got := 0
			for i := 0; i < 20; i++ {
				if l.Allow(key, ChannelAPI) {
					got++
				}
			}
			assert.Equal(t, 5, got)
		}(w)
	}
	wg.Wait()
}
