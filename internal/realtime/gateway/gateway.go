// Package gateway composes rate limiting, identity, session tracking, and
// connection health into the single entry point the transports talk to.
package gateway

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/doojoo9999/liargame/internal/realtime/connection"
	"github.com/doojoo9999/liargame/internal/realtime/identity"
	"github.com/doojoo9999/liargame/internal/realtime/ratelimit"
	"github.com/doojoo9999/liargame/internal/realtime/session"
)

// ErrRateLimited is returned when a channel budget rejects the caller.
var ErrRateLimited = errors.New("rate limit exceeded")

// Gateway is the composition root for the realtime control plane.
type Gateway struct {
	limiter  *ratelimit.Limiter
	sessions *session.Registry
	conns    *connection.Manager
	logger   *zap.Logger
}

// New wires the gateway. The session registry's connection dropper is bound
// to the connection manager here so an evicted or expired session always
// severs its live connections.
func New(limiter *ratelimit.Limiter, sessions *session.Registry, conns *connection.Manager, logger *zap.Logger) *Gateway {
	sessions.SetDropper(conns)
	return &Gateway{
		limiter:  limiter,
		sessions: sessions,
		conns:    conns,
		logger:   logger,
	}
}

// Connect admits a new realtime connection. When the client supplies the id
// of a previous connection, the gateway first tries to stitch onto it; a
// hint that cannot be honored falls back to a fresh registration.
//
// Postcondition: on nil error the connection is tracked and heartbeat
// monitored.
func (g *Gateway) Connect(connID string, id identity.Identity, oldConnID string) error {
	if !g.limiter.Allow(id.IdentityKey, ratelimit.ChannelHandshake) {
		g.logger.Warn("handshake rate limited",
			zap.String("identity_key", id.IdentityKey),
		)
		return fmt.Errorf("handshake for %s: %w", connID, ErrRateLimited)
	}

	if oldConnID != "" && g.conns.Reconnect(oldConnID, connID, id.UserID) {
		g.sessions.Touch(id.IdentityKey)
		return nil
	}
	if oldConnID != "" {
		g.logger.Debug("reconnect hint not honored, registering fresh",
			zap.String("old_conn_id", oldConnID),
			zap.String("conn_id", connID),
		)
	}

	g.conns.Register(connID, id.UserID)
	g.sessions.Touch(id.IdentityKey)
	return nil
}

// HandleHeartbeat records a client heartbeat frame.
func (g *Gateway) HandleHeartbeat(connID string, id identity.Identity) bool {
	g.sessions.Touch(id.IdentityKey)
	return g.conns.Heartbeat(connID)
}

// HandleMessage accounts one inbound application message. Admitted traffic
// counts as liveness for both the connection and the session.
func (g *Gateway) HandleMessage(connID string, id identity.Identity) error {
	if !g.limiter.Allow(id.IdentityKey, ratelimit.ChannelMessage) {
		return fmt.Errorf("message on %s: %w", connID, ErrRateLimited)
	}
	g.conns.Touch(connID)
	g.sessions.Touch(id.IdentityKey)
	return nil
}

// HandleDisconnect reports a cleanly closed socket.
func (g *Gateway) HandleDisconnect(connID string) {
	g.conns.Disconnect(connID)
}

// HandleTransportError reports a socket lost to a read or write fault.
func (g *Gateway) HandleTransportError(connID string) {
	g.conns.MarkError(connID)
}

// IsConnected reports whether the user has a live connection.
func (g *Gateway) IsConnected(userID int64) bool {
	return g.conns.IsConnected(userID)
}

// ConnectionStats exposes connection counts for the stats endpoint.
func (g *Gateway) ConnectionStats() connection.Stats {
	return g.conns.Stats()
}

// SessionStats exposes session counts for the stats endpoint.
func (g *Gateway) SessionStats() session.Stats {
	return g.sessions.Stats()
}

// RateLimitStatus reports the caller's standing on a channel.
func (g *Gateway) RateLimitStatus(clientKey string, ch ratelimit.Channel) ratelimit.Status {
	return g.limiter.Status(clientKey, ch)
}
