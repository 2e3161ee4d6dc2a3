package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096
)

var ErrClientDisconnected = errors.New("client disconnected")

// Conn is the part of *websocket.Conn the pumps use.
type Conn interface {
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one live connection. Frames queued on send are written by a
// single goroutine, so pushes reach the peer in the order they were made.
type Client struct {
	id      string
	hub     *Hub
	conn    Conn
	send    chan []byte
	limiter *rate.Limiter

	mu     sync.RWMutex
	userID string

	// Connection state management
	ctx    context.Context
	cancel context.CancelFunc
	closed int32 // atomic flag to track if client is closed

	wg     sync.WaitGroup
	logger *slog.Logger
}

func newClient(id string, hub *Hub, conn Conn) *Client {
	ctx, cancel := context.WithCancel(hub.ctx)

	return &Client{
		id:      id,
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, hub.opts.SendBufferSize),
		limiter: rate.NewLimiter(rate.Limit(hub.opts.MessagesPerSecond), hub.opts.Burst),
		ctx:     ctx,
		cancel:  cancel,
		logger:  hub.logger.With("connectionID", id),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) setUserID(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// isClosed returns true if the client is closed
func (c *Client) isClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

// close marks the client as closed, cancels its context and closes the
// socket, which unblocks the read pump.
func (c *Client) close() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		c.cancel()
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("Error closing connection", "error", err)
		}
		c.logger.Debug("Client marked as closed", "userID", c.UserID())
	}
}

// waitForGoroutines waits for both pumps to finish with timeout
func (c *Client) waitForGoroutines(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		c.logger.Warn("Timeout waiting for goroutines to finish", "timeout", timeout)
	}
}

func (c *Client) start() {
	c.wg.Add(2)
	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.wg.Done()
		c.close()
		c.hub.unregisterClient(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		if c.isClosed() {
			return websocket.ErrCloseSent
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", "userID", c.UserID(), "error", err)
			} else {
				c.logger.Debug("WebSocket connection closed", "userID", c.UserID(), "error", err)
			}
			return
		}

		if !c.limiter.Allow() {
			c.sendError(ErrCodeRateLimited, "Too many messages")
			continue
		}

		var msg Message
		if err := json.Unmarshal(messageBytes, &msg); err != nil || msg.Validate() != nil {
			c.sendError(ErrCodeInvalidMessage, "Invalid message format")
			continue
		}

		msg.UserID = c.UserID()
		msg.Timestamp = time.Now().UnixMilli()

		select {
		case c.hub.handleMessage <- &ClientMessage{Client: c, Message: &msg}:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		c.wg.Done()
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("Error writing message", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Error sending ping", "error", err)
				return
			}

		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Client) SendMessage(message *Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return c.sendRaw(data)
}

// sendRaw queues an encoded frame. A client whose buffer is full is too slow
// to keep up and gets disconnected.
func (c *Client) sendRaw(data []byte) error {
	if c.isClosed() {
		return ErrClientDisconnected
	}

	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return ErrClientDisconnected
	default:
		c.logger.Warn("Send buffer full, closing client", "userID", c.UserID())
		c.close()
		return ErrClientDisconnected
	}
}

func (c *Client) sendError(code, message string) {
	if err := c.SendMessage(NewErrorMessage(c.UserID(), code, message)); err != nil {
		c.logger.Debug("Failed to send error frame", "code", code, "error", err)
	}
}
