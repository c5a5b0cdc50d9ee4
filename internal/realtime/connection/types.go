// Package connection tracks the health of realtime connections: heartbeat
// monitoring, reconnection stitching, and disconnect grace periods.
package connection

import "time"

// Status is the lifecycle state of one connection.
type Status string

const (
	// StatusConnected is a live connection with fresh heartbeats.
	StatusConnected Status = "CONNECTED"
	// StatusReconnected is a live connection stitched onto an earlier one.
	StatusReconnected Status = "RECONNECTED"
	// StatusTimeout means heartbeats stopped arriving; the client is being
	// asked to reconnect.
	StatusTimeout Status = "TIMEOUT"
	// StatusError marks a connection that hit a transport fault.
	StatusError Status = "ERROR"
	// StatusFailed means reconnection attempts ran out; the connection is
	// being torn down.
	StatusFailed Status = "FAILED"
	// StatusDisconnected means the socket closed; a grace period decides
	// whether the user really left.
	StatusDisconnected Status = "DISCONNECTED"
)

// live reports whether the status counts as an active connection.
func (s Status) live() bool {
	return s == StatusConnected || s == StatusReconnected
}

// State is a snapshot of one connection.
type State struct {
	ConnID         string
	UserID         int64
	Status         Status
	ConnectedAt    time.Time
	LastHeartbeat  time.Time
	ReconnectedAt  time.Time
	DisconnectedAt time.Time
}

// Connection log actions, shared with the persistence layer.
const (
	ActionConnect      = "CONNECT"
	ActionDisconnect   = "DISCONNECT"
	ActionReconnect    = "RECONNECT"
	ActionGraceStarted = "GRACE_STARTED"
	ActionGraceExpired = "GRACE_EXPIRED"
)

// Stats summarizes live connection state for the stats endpoint.
type Stats struct {
	Total           int
	ByStatus        map[Status]int
	AverageDuration time.Duration
}
