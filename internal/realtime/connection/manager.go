package connection

import (
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/doojoo9999/liargame/internal/config"
)

const stripeCount = 64

// reconnectDestination is the queue a reconnect notice is sent on.
const reconnectDestination = "/queue/reconnect"

// Notifier learns about connection lifecycle transitions the rest of the
// server cares about. Called outside manager locks.
type Notifier interface {
	// OnDisconnect fires once the grace period decides the user really left.
	OnDisconnect(userID int64)
	// OnReconnect fires when a user's connection is stitched onto a new one.
	OnReconnect(userID int64)
}

// Messenger delivers server-initiated notices to a single connection.
// Notices are connection-scoped so guest connections, which all share user
// id zero, are reachable too.
type Messenger interface {
	SendToConn(connID, destination string, payload any) error
}

// Recorder persists connection lifecycle events, best effort.
type Recorder interface {
	Record(userID int64, connID, action string)
}

// Closer severs a transport connection by id.
type Closer interface {
	CloseConnection(connID string)
}

type entry struct {
	state    State
	attempts int
	health   *eventTimer
	grace    *eventTimer
}

// Manager owns the per-connection state machine. Map access goes through a
// short read-write lock; operations for one user serialize on a striped
// mutex so a reconnect swap cannot interleave with a concurrent disconnect
// for the same user. Collaborator callbacks always run outside both.
type Manager struct {
	cfg    config.RealtimeConfig
	logger *zap.Logger

	notifier  Notifier
	messenger Messenger
	recorder  Recorder
	closer    Closer

	userStripes [stripeCount]sync.Mutex

	mu     sync.RWMutex
	conns  map[string]*entry
	byUser map[int64]map[string]struct{}

	now func() time.Time
}

// NewManager creates a Manager. Collaborators are installed with the
// Set* methods before traffic arrives; each is optional.
func NewManager(cfg config.RealtimeConfig, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[string]*entry),
		byUser: make(map[int64]map[string]struct{}),
		now:    time.Now,
	}
}

func (m *Manager) SetNotifier(n Notifier)   { m.notifier = n }
func (m *Manager) SetMessenger(s Messenger) { m.messenger = s }
func (m *Manager) SetRecorder(r Recorder)   { m.recorder = r }
func (m *Manager) SetCloser(c Closer)       { m.closer = c }

func (m *Manager) userStripe(userID int64) *sync.Mutex {
	h := fnv.New64a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(userID >> (8 * i))
	}
	h.Write(buf[:])
	return &m.userStripes[h.Sum64()%stripeCount]
}

// Register starts tracking a freshly opened connection and begins its
// heartbeat health checks.
//
// Postcondition: the connection is CONNECTED and indexed under its user.
func (m *Manager) Register(connID string, userID int64) {
	s := m.userStripe(userID)
	s.Lock()

	now := m.now()
	e := &entry{
		state: State{
			ConnID:        connID,
			UserID:        userID,
			Status:        StatusConnected,
			ConnectedAt:   now,
			LastHeartbeat: now,
		},
	}
	e.health = newEventTimer(m.cfg.HeartbeatInterval, func() { m.healthCheck(connID) })

	m.mu.Lock()
	// A conn id being re-registered displaces the old entry; its timers
	// must not keep firing against the new state.
	if old, ok := m.conns[connID]; ok {
		old.health.Stop()
		if old.grace != nil {
			old.grace.Stop()
		}
		m.unindexLocked(old.state.UserID, connID)
	}
	m.conns[connID] = e
	m.indexLocked(userID, connID)
	m.mu.Unlock()
	s.Unlock()

	m.logger.Info("connection registered",
		zap.String("conn_id", connID),
		zap.Int64("user_id", userID),
	)
	m.record(userID, connID, ActionConnect)
}

// Heartbeat records a client heartbeat. A connection in TIMEOUT that starts
// beating again is restored to its live status and its attempt counter is
// cleared.
func (m *Manager) Heartbeat(connID string) bool {
	m.mu.Lock()
	e, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	e.state.LastHeartbeat = m.now()
	if e.state.Status == StatusTimeout {
		if e.state.ReconnectedAt.IsZero() {
			e.state.Status = StatusConnected
		} else {
			e.state.Status = StatusReconnected
		}
		e.attempts = 0
	}
	m.mu.Unlock()
	return true
}

// Touch advances the heartbeat clock without changing status. Used when any
// client traffic arrives, since traffic proves liveness as well as a
// heartbeat frame does.
func (m *Manager) Touch(connID string) {
	m.mu.Lock()
	if e, ok := m.conns[connID]; ok {
		e.state.LastHeartbeat = m.now()
	}
	m.mu.Unlock()
}

// Reconnect stitches the session onto a new connection. The old connection's
// timers are cancelled before the new state is installed, so no stale grace
// or health check can fire against it. Returns false without side effects
// when the old connection is unknown or belongs to a different user.
//
// Postcondition: on success the old conn id is fully removed and the new one
// is RECONNECTED with a zero attempt counter.
func (m *Manager) Reconnect(oldConnID, newConnID string, userID int64) bool {
	s := m.userStripe(userID)
	s.Lock()

	m.mu.Lock()
	old, ok := m.conns[oldConnID]
	if !ok || old.state.UserID != userID {
		m.mu.Unlock()
		s.Unlock()
		return false
	}

	old.health.Stop()
	if old.grace != nil {
		old.grace.Stop()
	}
	delete(m.conns, oldConnID)
	m.unindexLocked(userID, oldConnID)

	now := m.now()
	e := &entry{
		state: State{
			ConnID:        newConnID,
			UserID:        userID,
			Status:        StatusReconnected,
			ConnectedAt:   old.state.ConnectedAt,
			LastHeartbeat: now,
			ReconnectedAt: now,
		},
	}
	e.health = newEventTimer(m.cfg.HeartbeatInterval, func() { m.healthCheck(newConnID) })
	m.conns[newConnID] = e
	m.indexLocked(userID, newConnID)
	m.mu.Unlock()
	s.Unlock()

	m.logger.Info("connection reconnected",
		zap.String("old_conn_id", oldConnID),
		zap.String("conn_id", newConnID),
		zap.Int64("user_id", userID),
	)
	m.record(userID, newConnID, ActionReconnect)
	if m.notifier != nil {
		m.safeCall("OnReconnect", func() { m.notifier.OnReconnect(userID) })
	}
	return true
}

// Disconnect marks the connection closed and starts the grace period. The
// user is only reported gone if nothing revives the connection before the
// grace timer fires.
func (m *Manager) Disconnect(connID string) {
	m.closeWith(connID, StatusDisconnected)
}

// MarkError is Disconnect for connections lost to a transport fault.
func (m *Manager) MarkError(connID string) {
	m.closeWith(connID, StatusError)
}

func (m *Manager) closeWith(connID string, status Status) {
	m.mu.Lock()
	e, ok := m.conns[connID]
	if !ok || (!e.state.Status.live() && e.state.Status != StatusTimeout) {
		m.mu.Unlock()
		return
	}
	e.state.Status = status
	e.state.DisconnectedAt = m.now()
	e.health.Stop()
	if e.grace != nil {
		e.grace.Stop()
	}
	e.grace = newEventTimer(m.cfg.DisconnectGrace, func() { m.finalize(connID) })
	userID := e.state.UserID
	m.mu.Unlock()

	m.logger.Info("connection closed, grace period started",
		zap.String("conn_id", connID),
		zap.Int64("user_id", userID),
		zap.String("status", string(status)),
		zap.Duration("grace", m.cfg.DisconnectGrace),
	)
	m.record(userID, connID, ActionDisconnect)
	m.record(userID, connID, ActionGraceStarted)
}

// finalize runs when the grace period ends. A connection that went live
// again, or was replaced by a reconnect, is left alone. A user who came
// back on a brand-new connection in the meantime has the stale state
// removed without being reported gone.
func (m *Manager) finalize(connID string) {
	m.mu.Lock()
	e, ok := m.conns[connID]
	if !ok || e.state.Status.live() {
		m.mu.Unlock()
		return
	}
	e.health.Stop()
	if e.grace != nil {
		e.grace.Stop()
	}
	delete(m.conns, connID)
	m.unindexLocked(e.state.UserID, connID)
	userID := e.state.UserID
	// Guests share user id zero, so supersession is only meaningful for
	// authenticated users.
	superseded := userID != 0 && m.hasLiveLocked(userID)
	m.mu.Unlock()

	m.record(userID, connID, ActionGraceExpired)
	if superseded {
		m.logger.Info("grace period expired, user already back on a new connection",
			zap.String("conn_id", connID),
			zap.Int64("user_id", userID),
		)
		return
	}

	m.logger.Info("grace period expired, user left",
		zap.String("conn_id", connID),
		zap.Int64("user_id", userID),
	)
	if m.notifier != nil {
		m.safeCall("OnDisconnect", func() { m.notifier.OnDisconnect(userID) })
	}
}

func (m *Manager) hasLiveLocked(userID int64) bool {
	for connID := range m.byUser[userID] {
		if m.conns[connID].state.Status.live() {
			return true
		}
	}
	return false
}

// healthCheck runs every heartbeat interval per connection.
func (m *Manager) healthCheck(connID string) {
	m.mu.Lock()
	e, ok := m.conns[connID]
	if !ok || (!e.state.Status.live() && e.state.Status != StatusTimeout) {
		m.mu.Unlock()
		return
	}

	now := m.now()
	elapsed := now.Sub(e.state.LastHeartbeat)
	userID := e.state.UserID

	if elapsed <= m.cfg.HeartbeatTimeout {
		e.health.Reset(m.cfg.HeartbeatInterval, func() { m.healthCheck(connID) })
		m.mu.Unlock()

		if m.messenger != nil {
			m.safeCall("SendToConn", func() {
				if err := m.messenger.SendToConn(connID, "/queue/ping", map[string]any{"type": "PING"}); err != nil {
					m.logger.Debug("server ping failed",
						zap.String("conn_id", connID),
						zap.Error(err),
					)
				}
			})
		}
		return
	}

	e.attempts++
	if e.attempts > m.cfg.MaxReconnectAttempts {
		e.state.Status = StatusFailed
		e.health.Stop()
		if e.grace != nil {
			e.grace.Stop()
		}
		delete(m.conns, connID)
		m.unindexLocked(userID, connID)
		superseded := userID != 0 && m.hasLiveLocked(userID)
		m.mu.Unlock()

		m.logger.Warn("connection failed after exhausting reconnect attempts",
			zap.String("conn_id", connID),
			zap.Int64("user_id", userID),
			zap.Int("attempts", m.cfg.MaxReconnectAttempts),
		)
		m.record(userID, connID, ActionGraceExpired)
		if m.closer != nil {
			m.safeCall("CloseConnection", func() { m.closer.CloseConnection(connID) })
		}
		if m.notifier != nil && !superseded {
			m.safeCall("OnDisconnect", func() { m.notifier.OnDisconnect(userID) })
		}
		return
	}

	e.state.Status = StatusTimeout
	attempt := e.attempts
	e.health.Reset(m.cfg.HeartbeatInterval, func() { m.healthCheck(connID) })
	m.mu.Unlock()

	m.logger.Warn("heartbeat timed out, requesting reconnect",
		zap.String("conn_id", connID),
		zap.Int64("user_id", userID),
		zap.Duration("since_heartbeat", elapsed),
		zap.Int("attempt", attempt),
	)
	if m.messenger != nil {
		m.safeCall("SendToConn", func() {
			payload := map[string]any{"type": "RECONNECT_REQUIRED", "attempt": attempt}
			if err := m.messenger.SendToConn(connID, reconnectDestination, payload); err != nil {
				m.logger.Debug("reconnect notice failed",
					zap.String("conn_id", connID),
					zap.Error(err),
				)
			}
		})
	}
}

// DropForUser tears down all of a user's connections immediately, with no
// grace period. Used when the user's session is evicted or expires.
func (m *Manager) DropForUser(userID int64) {
	s := m.userStripe(userID)
	s.Lock()

	m.mu.Lock()
	var dropped []string
	for connID := range m.byUser[userID] {
		e := m.conns[connID]
		e.health.Stop()
		if e.grace != nil {
			e.grace.Stop()
		}
		delete(m.conns, connID)
		dropped = append(dropped, connID)
	}
	delete(m.byUser, userID)
	m.mu.Unlock()
	s.Unlock()

	if len(dropped) == 0 {
		return
	}
	m.logger.Info("dropped connections for user",
		zap.Int64("user_id", userID),
		zap.Int("count", len(dropped)),
	)
	for _, connID := range dropped {
		m.record(userID, connID, ActionDisconnect)
		if m.closer != nil {
			connID := connID
			m.safeCall("CloseConnection", func() { m.closer.CloseConnection(connID) })
		}
	}
	if m.notifier != nil {
		m.safeCall("OnDisconnect", func() { m.notifier.OnDisconnect(userID) })
	}
}

// Get returns a snapshot of one connection.
func (m *Manager) Get(connID string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.conns[connID]
	if !ok {
		return State{}, false
	}
	return e.state, true
}

// IsConnected reports whether the user has at least one live connection.
func (m *Manager) IsConnected(userID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasLiveLocked(userID)
}

// ConnectionsForUser returns snapshots of all tracked connections for a
// user, in no particular order.
func (m *Manager) ConnectionsForUser(userID int64) []State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []State
	for connID := range m.byUser[userID] {
		out = append(out, m.conns[connID].state)
	}
	return out
}

// Stats summarizes tracked connections for the stats endpoint.
func (m *Manager) Stats() Stats {
	now := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{
		Total:    len(m.conns),
		ByStatus: make(map[Status]int),
	}
	var total time.Duration
	live := 0
	for _, e := range m.conns {
		st.ByStatus[e.state.Status]++
		if e.state.Status.live() {
			total += now.Sub(e.state.ConnectedAt)
			live++
		}
	}
	if live > 0 {
		st.AverageDuration = total / time.Duration(live)
	}
	return st
}

// Shutdown stops every timer. Tracked state is left in place; the process
// is exiting.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.conns {
		e.health.Stop()
		if e.grace != nil {
			e.grace.Stop()
		}
	}
}

func (m *Manager) indexLocked(userID int64, connID string) {
	set, ok := m.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		m.byUser[userID] = set
	}
	set[connID] = struct{}{}
}

func (m *Manager) unindexLocked(userID int64, connID string) {
	if set, ok := m.byUser[userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(m.byUser, userID)
		}
	}
}

func (m *Manager) record(userID int64, connID, action string) {
	if m.recorder == nil {
		return
	}
	m.safeCall("Record", func() { m.recorder.Record(userID, connID, action) })
}

// safeCall shields the state machine from collaborator panics.
func (m *Manager) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("collaborator callback panicked",
				zap.String("callback", name),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}
