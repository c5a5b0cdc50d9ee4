package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/doojoo9999/liargame/internal/config"
	"github.com/doojoo9999/liargame/internal/realtime/connection"
	"github.com/doojoo9999/liargame/internal/realtime/identity"
	"github.com/doojoo9999/liargame/internal/realtime/ratelimit"
	"github.com/doojoo9999/liargame/internal/realtime/session"
)

func newTestGateway(t *testing.T, limits map[ratelimit.Channel]ratelimit.ChannelLimit) (*Gateway, *connection.Manager, *session.Registry) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	limiter := ratelimit.NewLimiter(limits, true, logger)
	sessions := session.NewRegistry(30*time.Minute, logger)
	conns := connection.NewManager(config.RealtimeConfig{
		HeartbeatInterval:    time.Hour,
		HeartbeatTimeout:     time.Hour,
		MaxReconnectAttempts: 5,
		DisconnectGrace:      time.Hour,
	}, logger)
	t.Cleanup(conns.Shutdown)

	return New(limiter, sessions, conns, logger), conns, sessions
}

func openLimits() map[ratelimit.Channel]ratelimit.ChannelLimit {
	return map[ratelimit.Channel]ratelimit.ChannelLimit{
		ratelimit.ChannelHandshake: {RequestsPerMinute: 100, BurstCapacity: 100},
		ratelimit.ChannelMessage:   {RequestsPerMinute: 100, BurstCapacity: 100},
	}
}

func user(id int64) identity.Identity {
	return identity.Identity{IdentityKey: "key", UserID: id, Roles: []string{"client", "user"}}
}

func TestConnectRegistersFreshConnection(t *testing.T) {
	g, conns, _ := newTestGateway(t, openLimits())

	require.NoError(t, g.Connect("conn-1", user(10), ""))

	assert.True(t, g.IsConnected(10))
	state, ok := conns.Get("conn-1")
	require.True(t, ok)
	assert.Equal(t, connection.StatusConnected, state.Status)
}

func TestConnectWithHintStitchesPriorConnection(t *testing.T) {
	g, conns, _ := newTestGateway(t, openLimits())

	require.NoError(t, g.Connect("conn-old", user(10), ""))
	require.NoError(t, g.Connect("conn-new", user(10), "conn-old"))

	_, ok := conns.Get("conn-old")
	assert.False(t, ok)
	state, ok := conns.Get("conn-new")
	require.True(t, ok)
	assert.Equal(t, connection.StatusReconnected, state.Status)
}

func TestConnectWithStaleHintFallsBackToRegister(t *testing.T) {
	g, conns, _ := newTestGateway(t, openLimits())

	require.NoError(t, g.Connect("conn-1", user(10), "never-existed"))

	state, ok := conns.Get("conn-1")
	require.True(t, ok)
	assert.Equal(t, connection.StatusConnected, state.Status)
}

func TestConnectHandshakeRateLimited(t *testing.T) {
	limits := openLimits()
	limits[ratelimit.ChannelHandshake] = ratelimit.ChannelLimit{RequestsPerMinute: 1, BurstCapacity: 1}
	g, _, _ := newTestGateway(t, limits)

	require.NoError(t, g.Connect("conn-1", user(10), ""))

	err := g.Connect("conn-2", user(10), "")
	require.ErrorIs(t, err, ErrRateLimited)

	// The rejected handshake tracked nothing.
	_, ok := g.conns.Get("conn-2")
	assert.False(t, ok)
}

func TestHandleMessageRateLimited(t *testing.T) {
	limits := openLimits()
	limits[ratelimit.ChannelMessage] = ratelimit.ChannelLimit{RequestsPerMinute: 2, BurstCapacity: 2}
	g, _, _ := newTestGateway(t, limits)

	require.NoError(t, g.Connect("conn-1", user(10), ""))

	require.NoError(t, g.HandleMessage("conn-1", user(10)))
	require.NoError(t, g.HandleMessage("conn-1", user(10)))
	assert.ErrorIs(t, g.HandleMessage("conn-1", user(10)), ErrRateLimited)
}

func TestHandleMessageTouchesSession(t *testing.T) {
	g, _, sessions := newTestGateway(t, openLimits())

	sessions.Register("key", 10, "sess-1", "")
	before, _ := sessions.Lookup("key")

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, g.Connect("conn-1", user(10), ""))
	require.NoError(t, g.HandleMessage("conn-1", user(10)))

	after, _ := sessions.Lookup("key")
	assert.True(t, after.LastActivity.After(before.LastActivity))
}

func TestHandleHeartbeat(t *testing.T) {
	g, _, _ := newTestGateway(t, openLimits())

	require.NoError(t, g.Connect("conn-1", user(10), ""))
	assert.True(t, g.HandleHeartbeat("conn-1", user(10)))
	assert.False(t, g.HandleHeartbeat("ghost", user(10)))
}

func TestHandleDisconnectAndError(t *testing.T) {
	g, conns, _ := newTestGateway(t, openLimits())

	require.NoError(t, g.Connect("conn-1", user(10), ""))
	require.NoError(t, g.Connect("conn-2", user(20), ""))

	g.HandleDisconnect("conn-1")
	g.HandleTransportError("conn-2")

	s1, _ := conns.Get("conn-1")
	assert.Equal(t, connection.StatusDisconnected, s1.Status)
	s2, _ := conns.Get("conn-2")
	assert.Equal(t, connection.StatusError, s2.Status)
}

func TestSessionEvictionDropsConnections(t *testing.T) {
	g, _, sessions := newTestGateway(t, openLimits())

	sessions.Register("key", 10, "sess-1", "")
	require.NoError(t, g.Connect("conn-1", user(10), ""))
	require.True(t, g.IsConnected(10))

	// A second login for the same identity evicts the first session and,
	// through the dropper wiring, severs its connection.
	sessions.Register("key", 10, "sess-2", "")
	assert.False(t, g.IsConnected(10))
}

func TestStatsSurfaces(t *testing.T) {
	g, _, sessions := newTestGateway(t, openLimits())

	sessions.Register("key", 10, "sess-1", "")
	require.NoError(t, g.Connect("conn-1", user(10), ""))

	cs := g.ConnectionStats()
	assert.Equal(t, 1, cs.Total)
	ss := g.SessionStats()
	assert.Equal(t, 1, ss.Total)

	st := g.RateLimitStatus("key", ratelimit.ChannelHandshake)
	assert.Equal(t, 1, st.CountInLastMinute)
}
