// Package ws is the WebSocket transport: it upgrades HTTP requests, runs
// the per-connection read and write pumps, and delivers server-initiated
// messages to users.
package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/doojoo9999/liargame/internal/config"
	"github.com/doojoo9999/liargame/internal/realtime/gateway"
	"github.com/doojoo9999/liargame/internal/realtime/identity"
)

// reconnectHintHeader carries the client's previous connection id on a
// reconnect attempt. Also accepted as the old_session_id query parameter
// for clients that cannot set headers on the upgrade request.
const reconnectHintHeader = "X-Old-Session-Id"

// MessageSink receives application messages once the control plane has
// admitted them. The game layer implements this.
type MessageSink interface {
	HandleClientMessage(connID string, id identity.Identity, destination string, payload json.RawMessage)
}

// Hub owns all live WebSocket clients on this node.
type Hub struct {
	gateway  *gateway.Gateway
	resolver *identity.Resolver
	logger   *zap.Logger

	upgrader   websocket.Upgrader
	queueSize  int
	pongWait   time.Duration
	pingPeriod time.Duration

	sink MessageSink

	mu     sync.RWMutex
	conns  map[string]*Client
	byUser map[int64]map[string]*Client
}

// NewHub creates a Hub. The pong deadline follows the heartbeat timeout and
// pings go out on the heartbeat interval, so transport-level liveness and
// the connection state machine agree on what "stale" means.
func NewHub(gw *gateway.Gateway, resolver *identity.Resolver, cfg config.RealtimeConfig, logger *zap.Logger) *Hub {
	return &Hub{
		gateway:  gw,
		resolver: resolver,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		queueSize:  cfg.SendQueueSize,
		pongWait:   cfg.HeartbeatTimeout,
		pingPeriod: cfg.HeartbeatInterval,
		conns:      make(map[string]*Client),
		byUser:     make(map[int64]map[string]*Client),
	}
}

// SetMessageSink installs the application message handler. Without one,
// admitted messages are logged and dropped.
func (h *Hub) SetMessageSink(s MessageSink) {
	h.sink = s
}

// HandleUpgrade is the gin handler for the WebSocket endpoint. Admission
// runs before the upgrade so a rate-limited client gets a proper 429
// instead of a dead socket.
func (h *Hub) HandleUpgrade(c *gin.Context) {
	var principal *identity.Principal
	if v, ok := c.Get(identity.ContextKey); ok {
		principal, _ = v.(*identity.Principal)
	}
	id := h.resolver.Resolve(c.Writer, c.Request, principal)

	oldConnID := c.GetHeader(reconnectHintHeader)
	if oldConnID == "" {
		oldConnID = c.Query("old_session_id")
	}

	connID := uuid.NewString()
	if err := h.gateway.Connect(connID, id, oldConnID); err != nil {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("conn_id", connID),
			zap.Error(err),
		)
		h.gateway.HandleDisconnect(connID)
		return
	}

	client := newClient(connID, id, conn, h, h.queueSize, h.logger)

	h.mu.Lock()
	h.conns[connID] = client
	if id.UserID != 0 {
		set, ok := h.byUser[id.UserID]
		if !ok {
			set = make(map[string]*Client)
			h.byUser[id.UserID] = set
		}
		set[connID] = client
	}
	h.mu.Unlock()

	go client.writePump()
	go client.readPump()
}

// SendToUser delivers a server-initiated message to every live connection
// of the user. Returns an error when the user has none.
func (h *Hub) SendToUser(userID int64, destination string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for user %d: %w", userID, err)
	}
	frame := Frame{Type: frameMessage, Destination: destination, Payload: data}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.byUser[userID]))
	for _, client := range h.byUser[userID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return fmt.Errorf("user %d has no live connection", userID)
	}
	for _, client := range clients {
		client.enqueue(frame)
	}
	return nil
}

// SendToConn delivers a server-initiated message to one connection.
// Connection-scoped notices use this so guest connections, which all share
// user id zero, are still reachable.
func (h *Hub) SendToConn(connID, destination string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for conn %s: %w", connID, err)
	}

	h.mu.RLock()
	client, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s is not registered", connID)
	}
	client.enqueue(Frame{Type: frameMessage, Destination: destination, Payload: data})
	return nil
}

// CloseConnection severs the socket. The read pump observes the close and
// unwinds registration on its way out.
func (h *Hub) CloseConnection(connID string) {
	h.mu.RLock()
	client, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	client.conn.Close()
}

// ConnectionCount returns the number of registered clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// deliver hands an admitted application message to the sink.
func (h *Hub) deliver(c *Client, frame Frame) {
	if h.sink == nil {
		h.logger.Debug("no message sink installed, dropping message",
			zap.String("conn_id", c.ConnID),
			zap.String("destination", frame.Destination),
		)
		return
	}
	h.sink.HandleClientMessage(c.ConnID, c.Identity, frame.Destination, frame.Payload)
}

// unregister runs exactly once per client, from the read pump's exit path.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.conns[c.ConnID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.ConnID)
	if set, ok := h.byUser[c.Identity.UserID]; ok {
		delete(set, c.ConnID)
		if len(set) == 0 {
			delete(h.byUser, c.Identity.UserID)
		}
	}
	h.mu.Unlock()
	close(c.send)
}
