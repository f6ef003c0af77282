// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	sendBufferSize = 256
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second
)

// Application close codes sent to clients.
const (
	// CloseSuperseded is sent to a connection replaced by a newer one for
	// the same user.
	CloseSuperseded = 4000
	// CloseAuthFailed is sent when the token in the connection path is
	// rejected.
	CloseAuthFailed = 4001
)

// Identity is the authenticated user bound to a connection. Username and
// email are cached at authentication time.
type Identity struct {
	ID       string
	Username string
	Email    string
}

// Client represents one authenticated WebSocket connection. The room, closed
// and closeCode fields are owned by the Hub and guarded by its lock.
type Client struct {
	id             string
	user           Identity
	conn           *websocket.Conn
	send           chan []byte
	addr           string
	maxMessageSize int64
	limiter        *rate.Limiter
	rateLimit      RateLimitConfig
	logger         *slog.Logger

	roomID    string
	closed    bool
	closeCode int
}

// NewClient creates a Client for an authenticated connection. The send
// channel is buffered so fan-out never blocks on a slow peer.
func NewClient(conn *websocket.Conn, user Identity, addr string, logger *slog.Logger) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	limit := rate.Limit(float64(cfg.RateLimit.Burst) / cfg.RateLimit.RefillInterval.Seconds())
	id := uuid.NewString()

	return &Client{
		id:             id,
		user:           user,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		limiter:        rate.NewLimiter(limit, cfg.RateLimit.Burst),
		rateLimit:      cfg.RateLimit,
		logger:         orDefault(logger).With("conn", id, "user", user.ID, "addr", addr),
		closeCode:      websocket.CloseNormalClosure,
	}
}

// User returns the identity the connection authenticated as.
func (c *Client) User() Identity {
	return c.user
}

// GetSendChan returns the client's send channel for reading outgoing messages.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("failed to set initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// logReadError records why the read loop ended.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.logger.Info("client disconnected", "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("connection closed", "reason", err)
	case websocket.IsUnexpectedCloseError(err):
		c.logger.Warn("unexpected WebSocket close", "error", err)
	default:
		c.logger.Warn("WebSocket read error", "error", err)
	}
}

// allowMessage reports whether the client is within its rate limit.
func (c *Client) allowMessage() bool {
	if c.limiter != nil && !c.limiter.Allow() {
		c.logger.Warn("rate limit exceeded; discarding message",
			"burst", c.rateLimit.Burst,
			"interval", c.rateLimit.RefillInterval,
		)
		return false
	}
	return true
}

// readPump feeds every accepted text frame to dispatch until the channel
// fails or closes.
func (c *Client) readPump(dispatch func(raw []byte)) {
	c.setupReadConnection()

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if messageType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text frame", "frame_type", messageType)
			continue
		}

		if !c.allowMessage() {
			continue
		}

		dispatch(raw)
	}
}

// writePump drains the send channel onto the socket and keeps the peer alive
// with pings. It returns once the send channel is closed or a write fails; in
// both cases the socket is closed, which ends readPump as well.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.writeCloseMessage()
				return
			}
			if !c.writeTextMessage(message) {
				return
			}
		case <-ticker.C:
			if !c.writePing() {
				return
			}
		}
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("error closing connection", "error", err)
	}
}

// writeCloseMessage sends the close frame chosen by the hub when it detached
// the client. The code is read without the hub lock: it is written before the
// send channel is closed, and the receive that observed the close orders it.
func (c *Client) writeCloseMessage() {
	reason := ""
	if c.closeCode == CloseSuperseded {
		reason = "superseded by a newer connection"
	}
	msg := websocket.FormatCloseMessage(c.closeCode, reason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("error writing close message", "error", err)
	}
}

// writeTextMessage writes one JSON message per frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing message", "error", err)
		}
		return false
	}
	return true
}

// writePing sends a ping message to keep the connection alive
func (c *Client) writePing() bool {
	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("error writing ping", "error", err)
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe")
}
