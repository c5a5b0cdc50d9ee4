// Package httpapi exposes the session and stats surface over HTTP and
// mounts the WebSocket upgrade endpoint.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/doojoo9999/liargame/internal/realtime/gateway"
	"github.com/doojoo9999/liargame/internal/realtime/identity"
	"github.com/doojoo9999/liargame/internal/realtime/ratelimit"
	"github.com/doojoo9999/liargame/internal/realtime/session"
)

// sessionIDHeader carries the session id on validate and logout requests.
const sessionIDHeader = "X-Session-Id"

// StabilityReader classifies recent connection stability for a user.
// Implemented by the connection log repository.
type StabilityReader interface {
	Stability(ctx context.Context, userID int64, window time.Duration) (string, int, error)
}

// Handlers holds the HTTP handler set and its collaborators.
type Handlers struct {
	gateway   *gateway.Gateway
	sessions  *session.Registry
	stability StabilityReader
	logger    *zap.Logger
}

// NewHandlers creates the handler set. stability may be nil when
// persistence is disabled; the stability endpoint then reports unavailable.
func NewHandlers(gw *gateway.Gateway, sessions *session.Registry, stability StabilityReader, logger *zap.Logger) *Handlers {
	return &Handlers{
		gateway:   gw,
		sessions:  sessions,
		stability: stability,
		logger:    logger,
	}
}

// CreateSession registers a session for the caller's identity. Retrying the
// same session id only refreshes it; a new login from the same identity
// evicts the previous session.
func (h *Handlers) CreateSession(c *gin.Context) {
	id := identityFrom(c)

	sessionID := uuid.NewString()
	result := h.sessions.Register(id.IdentityKey, id.UserID, sessionID, c.ClientIP())

	body := gin.H{
		"session_id": sessionID,
		"outcome":    outcomeString(result.Outcome),
	}
	if result.Outcome == session.Evicted {
		body["evicted_session_id"] = result.EvictedSessionID
	}
	c.JSON(http.StatusCreated, body)
}

func outcomeString(o session.RegisterOutcome) string {
	switch o {
	case session.Refreshed:
		return "refreshed"
	case session.Evicted:
		return "evicted"
	default:
		return "registered"
	}
}

// GetSession validates the session id from the X-Session-Id header.
func (h *Handlers) GetSession(c *gin.Context) {
	sessionID := c.GetHeader(sessionIDHeader)
	if sessionID == "" {
		sessionID = c.Query("session_id")
	}
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session id required"})
		return
	}

	result := h.sessions.Validate(sessionID)
	switch result.Status {
	case session.StatusValid:
		c.JSON(http.StatusOK, gin.H{
			"status":        "valid",
			"session_id":    result.Session.SessionID,
			"user_id":       result.Session.UserID,
			"login_time":    result.Session.LoginTime,
			"last_activity": result.Session.LastActivity,
		})
	case session.StatusExpired:
		c.JSON(http.StatusGone, gin.H{"status": "expired"})
	default:
		c.JSON(http.StatusNotFound, gin.H{"status": "not_found"})
	}
}

// DeleteSession logs the caller out. With an X-Session-Id header the named
// session is removed; otherwise the caller's identity is invalidated.
func (h *Handlers) DeleteSession(c *gin.Context) {
	if sessionID := c.GetHeader(sessionIDHeader); sessionID != "" {
		h.sessions.InvalidateByID(sessionID)
		c.Status(http.StatusNoContent)
		return
	}
	id := identityFrom(c)
	h.sessions.Invalidate(id.IdentityKey)
	c.Status(http.StatusNoContent)
}

// ConnectionStats reports live connection counts.
func (h *Handlers) ConnectionStats(c *gin.Context) {
	st := h.gateway.ConnectionStats()
	byStatus := make(map[string]int, len(st.ByStatus))
	for status, n := range st.ByStatus {
		byStatus[string(status)] = n
	}
	c.JSON(http.StatusOK, gin.H{
		"total":                st.Total,
		"by_status":            byStatus,
		"average_duration_sec": int(st.AverageDuration.Seconds()),
	})
}

// SessionStats reports registry counts.
func (h *Handlers) SessionStats(c *gin.Context) {
	st := h.gateway.SessionStats()
	c.JSON(http.StatusOK, gin.H{
		"total":         st.Total,
		"active_recent": st.ActiveRecent,
		"recent_logins": st.RecentLogins,
	})
}

// RateLimitStatus reports the caller's standing on every channel.
func (h *Handlers) RateLimitStatus(c *gin.Context) {
	key := identity.ClientKey(c.Request, identityFrom(c))

	channels := gin.H{}
	for _, ch := range []ratelimit.Channel{ratelimit.ChannelAPI, ratelimit.ChannelMessage, ratelimit.ChannelHandshake} {
		st := h.gateway.RateLimitStatus(key, ch)
		channels[string(ch)] = gin.H{
			"count":     st.CountInLastMinute,
			"limit":     st.Limit,
			"remaining": st.Remaining(),
			"limited":   st.Limited,
		}
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

// UserStability classifies a user's recent connection stability from the
// persisted connection log.
func (h *Handlers) UserStability(c *gin.Context) {
	if h.stability == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "connection log persistence disabled"})
		return
	}

	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	classification, disconnects, err := h.stability.Stability(c.Request.Context(), userID, time.Hour)
	if err != nil {
		h.logger.Error("stability lookup failed",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stability lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":          userID,
		"stability":        classification,
		"disconnects_1h":   disconnects,
		"connected":        h.gateway.IsConnected(userID),
	})
}
