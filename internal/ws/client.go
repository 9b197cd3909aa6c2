package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is one WebSocket connection. Until the authenticate frame has
// been validated only authenticate is accepted; anything else closes
// the connection.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	send    chan []byte
	limiter *rate.Limiter

	mu     sync.RWMutex
	authed bool
	userID string

	closeOnce sync.Once
}

// ID returns the server-issued client id.
func (c *Client) ID() string { return c.id }

// UserID returns the authenticated user, or "" before authentication.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Send queues an envelope for delivery. It never blocks: a full buffer
// drops the frame and reports false. Lagging receivers are logged but
// stay connected.
func (c *Client) Send(env Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		c.hub.log.Errorw("marshal outbound frame", "client_id", c.id, "error", err)
		return false
	}
	// The send channel is closed on unregister; a concurrent Send from
	// a stream flusher must not crash the process.
	defer func() { _ = recover() }()
	select {
	case c.send <- data:
		return true
	default:
		c.hub.log.Warnw("client send buffer full, dropping frame",
			"client_id", c.id, "type", env.Type)
		return false
	}
}

func (c *Client) sendError(message string) {
	c.Send(NewEnvelope(TypeError, ErrorPayload{Message: message}))
}

func (c *Client) authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authed
}

// readPump drives the connection state machine: frames in, auth
// handshake, routing. Exit unregisters the client and stops everything
// it owns.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Warnw("read error", "client_id", c.id, "error", err)
			}
			return
		}

		if !c.limiter.Allow() {
			c.sendError("message rate limit exceeded")
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendError("invalid message format")
			continue
		}

		if !c.authenticated() {
			if !c.handleAuthenticate(env) {
				return
			}
			continue
		}
		c.hub.route(c, env)
	}
}

// handleAuthenticate processes the only frame legal before
// authentication. It reports whether the connection may continue.
func (c *Client) handleAuthenticate(env Envelope) bool {
	if env.Type != TypeAuthenticate {
		c.sendError("authentication required")
		return false
	}
	var auth Authenticate
	if err := env.Decode(&auth); err != nil || auth.Token == "" {
		c.Send(NewEnvelope(TypeAuthenticationFailed, AuthenticationFailed{Reason: "missing token"}))
		return false
	}
	userID, err := c.hub.validator.Validate(auth.Token)
	if err != nil {
		c.Send(NewEnvelope(TypeAuthenticationFailed, AuthenticationFailed{Reason: "invalid token"}))
		c.hub.log.Warnw("authentication failed", "client_id", c.id, "error", err)
		return false
	}

	c.mu.Lock()
	c.authed = true
	c.userID = userID
	c.mu.Unlock()

	c.Send(NewEnvelope(TypeAuthenticationOK, AuthenticationOK{ClientID: c.id, UserID: userID}))
	c.hub.log.Infow("client authenticated", "client_id", c.id, "user", userID)
	return true
}

// writePump drains the send buffer to the connection and keeps the
// peer alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
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
			// One JSON envelope per frame; consumers rely on the framing.
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

// close tears the connection down; the read pump exit handles
// unregistration.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(writeWait))
		c.conn.Close()
	})
}
