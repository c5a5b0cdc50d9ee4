package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Stability classifications derived from the disconnect count in a window.
const (
	StabilityStable   = "STABLE"
	StabilityUnstable = "UNSTABLE"
	StabilityPoor     = "POOR"
)

// poorThreshold is the disconnect count at which a user is classified POOR.
const poorThreshold = 3

// LogEntry is one persisted connection lifecycle event.
type LogEntry struct {
	ID         int64
	UserID     int64
	ConnID     string
	Action     string
	OccurredAt time.Time
}

// ErrNoEvents is returned when a user has no recorded connection events.
var ErrNoEvents = errors.New("no connection events")

// ConnectionLogRepository persists and queries connection lifecycle events.
type ConnectionLogRepository struct {
	db *pgxpool.Pool
}

// NewConnectionLogRepository creates a ConnectionLogRepository backed by the
// given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewConnectionLogRepository(db *pgxpool.Pool) *ConnectionLogRepository {
	return &ConnectionLogRepository{db: db}
}

// Insert records one connection event.
//
// Postcondition: Returns the stored entry with ID and OccurredAt set.
func (r *ConnectionLogRepository) Insert(ctx context.Context, userID int64, connID, action string) (LogEntry, error) {
	var entry LogEntry
	err := r.db.QueryRow(ctx,
		`INSERT INTO connection_logs (user_id, conn_id, action)
		 VALUES ($1, $2, $3)
		 RETURNING id, user_id, conn_id, action, occurred_at`,
		userID, connID, action,
	).Scan(&entry.ID, &entry.UserID, &entry.ConnID, &entry.Action, &entry.OccurredAt)
	if err != nil {
		return LogEntry{}, fmt.Errorf("inserting connection log: %w", err)
	}
	return entry, nil
}

// Latest returns the most recent event for a user.
//
// Postcondition: Returns ErrNoEvents when the user has no history.
func (r *ConnectionLogRepository) Latest(ctx context.Context, userID int64) (LogEntry, error) {
	var entry LogEntry
	err := r.db.QueryRow(ctx,
		`SELECT id, user_id, conn_id, action, occurred_at
		 FROM connection_logs
		 WHERE user_id = $1
		 ORDER BY occurred_at DESC, id DESC
		 LIMIT 1`,
		userID,
	).Scan(&entry.ID, &entry.UserID, &entry.ConnID, &entry.Action, &entry.OccurredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return LogEntry{}, ErrNoEvents
	}
	if err != nil {
		return LogEntry{}, fmt.Errorf("querying latest connection log: %w", err)
	}
	return entry, nil
}

// RecentDisconnectCount counts DISCONNECT events for a user within the window.
func (r *ConnectionLogRepository) RecentDisconnectCount(ctx context.Context, userID int64, window time.Duration) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM connection_logs
		 WHERE user_id = $1
		   AND action = 'DISCONNECT'
		   AND occurred_at > now() - make_interval(secs => $2)`,
		userID, window.Seconds(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting disconnects: %w", err)
	}
	return count, nil
}

// Stability classifies a user's recent connection stability from the number
// of disconnects inside the window: none is STABLE, a few is UNSTABLE, and
// three or more is POOR.
func (r *ConnectionLogRepository) Stability(ctx context.Context, userID int64, window time.Duration) (string, int, error) {
	count, err := r.RecentDisconnectCount(ctx, userID, window)
	if err != nil {
		return "", 0, err
	}
	switch {
	case count == 0:
		return StabilityStable, count, nil
	case count < poorThreshold:
		return StabilityUnstable, count, nil
	default:
		return StabilityPoor, count, nil
	}
}

// Recorder adapts the repository to the connection manager's best-effort
// event hook. Failures are logged and swallowed; the control plane never
// depends on persistence.
type Recorder struct {
	repo    *ConnectionLogRepository
	logger  *zap.Logger
	timeout time.Duration
}

// NewRecorder creates a Recorder with a per-insert timeout.
func NewRecorder(repo *ConnectionLogRepository, logger *zap.Logger) *Recorder {
	return &Recorder{repo: repo, logger: logger, timeout: 2 * time.Second}
}

// Record persists one event asynchronously.
func (r *Recorder) Record(userID int64, connID, action string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if _, err := r.repo.Insert(ctx, userID, connID, action); err != nil {
			r.logger.Warn("connection log insert failed",
				zap.Int64("user_id", userID),
				zap.String("action", action),
				zap.Error(err),
			)
		}
	}()
}
