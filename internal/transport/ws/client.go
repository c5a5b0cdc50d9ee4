package ws

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/doojoo9999/liargame/internal/realtime/identity"
)

const (
	// writeWait bounds a single write to the peer.
	writeWait = 10 * time.Second
	// maxMessageSize bounds inbound frames.
	maxMessageSize = 64 * 1024
)

// Frame is the wire envelope for both directions.
type Frame struct {
	Type        string          `json:"type"`
	Destination string          `json:"destination,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Inbound frame types.
const (
	frameHeartbeat = "HEARTBEAT"
	frameMessage   = "MESSAGE"
)

// Outbound frame types.
const (
	frameRateLimited = "RATE_LIMITED"
)

// Client is one WebSocket connection. A single reader goroutine owns the
// socket's read side, a single writer goroutine owns the write side, and
// everything outbound goes through the send channel.
type Client struct {
	ConnID   string
	Identity identity.Identity

	conn *websocket.Conn
	send chan []byte

	hub    *Hub
	logger *zap.Logger
}

func newClient(connID string, id identity.Identity, conn *websocket.Conn, hub *Hub, queueSize int, logger *zap.Logger) *Client {
	return &Client{
		ConnID:   connID,
		Identity: id,
		conn:     conn,
		send:     make(chan []byte, queueSize),
		hub:      hub,
		logger:   logger,
	}
}

// readPump consumes inbound frames until the socket dies. Pong responses
// and any inbound frame both push the read deadline forward.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Debug("websocket read failed",
					zap.String("conn_id", c.ConnID),
					zap.Error(err),
				)
				c.hub.gateway.HandleTransportError(c.ConnID)
			} else {
				c.hub.gateway.HandleDisconnect(c.ConnID)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Debug("unparseable frame dropped",
			zap.String("conn_id", c.ConnID),
			zap.Error(err),
		)
		return
	}

	switch frame.Type {
	case frameHeartbeat:
		c.hub.gateway.HandleHeartbeat(c.ConnID, c.Identity)
	case frameMessage:
		if err := c.hub.gateway.HandleMessage(c.ConnID, c.Identity); err != nil {
			c.enqueue(Frame{Type: frameRateLimited})
			return
		}
		c.hub.deliver(c, frame)
	default:
		c.logger.Debug("unknown frame type dropped",
			zap.String("conn_id", c.ConnID),
			zap.String("type", frame.Type),
		)
	}
}

// enqueue queues an outbound frame without blocking. A full queue means the
// client has stopped draining; the frame is dropped.
func (c *Client) enqueue(frame Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("send queue full, dropping frame",
			zap.String("conn_id", c.ConnID),
			zap.String("type", frame.Type),
		)
		return false
	}
}

// writePump drains the send channel and keeps the connection alive with
// periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
