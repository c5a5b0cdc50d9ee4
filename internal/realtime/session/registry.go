// Package session enforces the single-session-per-identity rule and tracks
// session activity for expiry.
package session

import (
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// activeWindow bounds the "recently active" statistic.
const activeWindow = 5 * time.Minute

// loginWindow bounds the "recent logins" statistic.
const loginWindow = time.Hour

const stripeCount = 64

// Session is one live login.
type Session struct {
	SessionID    string
	IdentityKey  string
	UserID       int64
	IPAddress    string
	LoginTime    time.Time
	LastActivity time.Time
}

// RegisterOutcome describes what Register did.
type RegisterOutcome int

const (
	// RegisteredNew installed a session for an identity with none before.
	RegisteredNew RegisterOutcome = iota
	// Refreshed saw the same session id again and only advanced activity.
	Refreshed
	// Evicted displaced a different session for the same identity.
	Evicted
)

// RegisterResult reports the outcome of a Register call.
type RegisterResult struct {
	Outcome RegisterOutcome
	// EvictedSessionID is set only when Outcome is Evicted.
	EvictedSessionID string
}

// ValidationStatus classifies a Validate result.
type ValidationStatus int

const (
	// StatusValid means the session exists and is within its idle window.
	StatusValid ValidationStatus = iota
	// StatusExpired means the session existed but sat idle too long; it has
	// been removed.
	StatusExpired
	// StatusNotFound means no session with that id is registered.
	StatusNotFound
)

// ValidationResult reports the outcome of a Validate call.
type ValidationResult struct {
	Status  ValidationStatus
	Session Session
}

// ConnectionDropper severs live connections when their session goes away.
// Called outside registry locks.
type ConnectionDropper interface {
	DropForUser(userID int64)
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Total        int
	ActiveRecent int
	RecentLogins int
}

// Registry maps identities to their single live session. The two indexes are
// guarded by one short read-write lock; mutations for an identity serialize
// on a striped mutex so concurrent logins for the same identity cannot
// interleave their evict-then-install sequences.
type Registry struct {
	inactivityTimeout time.Duration
	logger            *zap.Logger
	dropper           ConnectionDropper

	stripes [stripeCount]sync.Mutex

	mu         sync.RWMutex
	byIdentity map[string]*Session
	byID       map[string]string

	now func() time.Time
}

// NewRegistry creates a Registry. dropper may be nil during wiring and set
// later with SetDropper.
func NewRegistry(inactivityTimeout time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		inactivityTimeout: inactivityTimeout,
		logger:            logger,
		byIdentity:        make(map[string]*Session),
		byID:              make(map[string]string),
		now:               time.Now,
	}
}

// SetDropper installs the connection dropper. Call before serving traffic.
func (r *Registry) SetDropper(d ConnectionDropper) {
	r.dropper = d
}

func (r *Registry) stripe(identityKey string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(identityKey))
	return &r.stripes[h.Sum32()%stripeCount]
}

// Register installs sessionID as the identity's session. Seeing the same
// session id again is a refresh, not a re-login. A different id evicts the
// previous session from both indexes before the new one goes in.
//
// Postcondition: the identity has exactly one registered session, sessionID.
func (r *Registry) Register(identityKey string, userID int64, sessionID, ipAddress string) RegisterResult {
	s := r.stripe(identityKey)
	s.Lock()

	now := r.now()
	result := RegisterResult{Outcome: RegisteredNew}
	var evictedUser int64
	dropEvicted := false

	r.mu.Lock()
	if prev, ok := r.byIdentity[identityKey]; ok {
		if prev.SessionID == sessionID {
			prev.LastActivity = now
			r.mu.Unlock()
			s.Unlock()
			return RegisterResult{Outcome: Refreshed}
		}
		delete(r.byID, prev.SessionID)
		result = RegisterResult{Outcome: Evicted, EvictedSessionID: prev.SessionID}
		evictedUser = prev.UserID
		dropEvicted = prev.UserID != 0
	}
	r.byIdentity[identityKey] = &Session{
		SessionID:    sessionID,
		IdentityKey:  identityKey,
		UserID:       userID,
		IPAddress:    ipAddress,
		LoginTime:    now,
		LastActivity: now,
	}
	r.byID[sessionID] = identityKey
	r.mu.Unlock()
	s.Unlock()

	if result.Outcome == Evicted {
		r.logger.Info("session evicted by new login",
			zap.String("evicted_session_id", result.EvictedSessionID),
			zap.String("session_id", sessionID),
			zap.Int64("user_id", userID),
		)
		if dropEvicted && r.dropper != nil {
			r.dropper.DropForUser(evictedUser)
		}
	}
	return result
}

// Validate checks sessionID and, when valid, advances its activity time.
// Expired sessions are removed as a side effect.
func (r *Registry) Validate(sessionID string) ValidationResult {
	r.mu.RLock()
	identityKey, ok := r.byID[sessionID]
	r.mu.RUnlock()
	if !ok {
		return ValidationResult{Status: StatusNotFound}
	}

	s := r.stripe(identityKey)
	s.Lock()
	defer s.Unlock()

	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byIdentity[identityKey]
	if !ok || sess.SessionID != sessionID {
		return ValidationResult{Status: StatusNotFound}
	}
	if now.Sub(sess.LastActivity) > r.inactivityTimeout {
		delete(r.byIdentity, identityKey)
		delete(r.byID, sessionID)
		return ValidationResult{Status: StatusExpired, Session: *sess}
	}
	sess.LastActivity = now
	return ValidationResult{Status: StatusValid, Session: *sess}
}

// Touch advances the activity time of the identity's session, if any.
func (r *Registry) Touch(identityKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.byIdentity[identityKey]; ok {
		sess.LastActivity = r.now()
	}
}

// Lookup returns the identity's session without touching activity.
func (r *Registry) Lookup(identityKey string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byIdentity[identityKey]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Invalidate removes the identity's session, if any, returning it.
func (r *Registry) Invalidate(identityKey string) (Session, bool) {
	s := r.stripe(identityKey)
	s.Lock()
	defer s.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byIdentity[identityKey]
	if !ok {
		return Session{}, false
	}
	delete(r.byIdentity, identityKey)
	delete(r.byID, sess.SessionID)
	return *sess, true
}

// InvalidateByID removes the session with the given id, if any.
func (r *Registry) InvalidateByID(sessionID string) (Session, bool) {
	r.mu.RLock()
	identityKey, ok := r.byID[sessionID]
	r.mu.RUnlock()
	if !ok {
		return Session{}, false
	}

	s := r.stripe(identityKey)
	s.Lock()
	defer s.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byIdentity[identityKey]
	if !ok || sess.SessionID != sessionID {
		return Session{}, false
	}
	delete(r.byIdentity, identityKey)
	delete(r.byID, sessionID)
	return *sess, true
}

// Sweep removes sessions idle beyond the inactivity timeout and drops any
// live connections belonging to them. Intended to run periodically.
func (r *Registry) Sweep() int {
	now := r.now()

	var expired []Session

	r.mu.Lock()
	for identityKey, sess := range r.byIdentity {
		if now.Sub(sess.LastActivity) > r.inactivityTimeout {
			delete(r.byIdentity, identityKey)
			delete(r.byID, sess.SessionID)
			expired = append(expired, *sess)
		}
	}
	r.mu.Unlock()

	for _, sess := range expired {
		r.logger.Info("session expired",
			zap.String("session_id", sess.SessionID),
			zap.Int64("user_id", sess.UserID),
			zap.Duration("idle", now.Sub(sess.LastActivity)),
		)
		if sess.UserID != 0 && r.dropper != nil {
			r.dropper.DropForUser(sess.UserID)
		}
	}
	return len(expired)
}

// Stats summarizes the registry for the stats endpoint.
func (r *Registry) Stats() Stats {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{Total: len(r.byIdentity)}
	for _, sess := range r.byIdentity {
		if now.Sub(sess.LastActivity) <= activeWindow {
			st.ActiveRecent++
		}
		if now.Sub(sess.LoginTime) <= loginWindow {
			st.RecentLogins++
		}
	}
	return st
}
