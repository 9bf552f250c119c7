package ws

import (
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/victornm/livequiz/internal/telemetry"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// Messages queued for a peer before it is considered too slow and dropped.
	sendBufferSize = 256
)

var (
	errClientClosed = stderrors.New("ws: client closed")
	errSlowClient   = stderrors.New("ws: send buffer full")
)

// client is one WebSocket peer. It implements quiz.Conn: Send only enqueues, and a single
// write pump owns every write to the underlying connection.
type client struct {
	conn    *websocket.Conn
	role    string
	metrics *telemetry.Metrics

	mu        sync.Mutex
	send      chan []byte
	closed    bool
	closeCode int
}

func newClient(conn *websocket.Conn, role string, metrics *telemetry.Metrics) *client {
	return &client{
		conn:      conn,
		role:      role,
		metrics:   metrics,
		send:      make(chan []byte, sendBufferSize),
		closeCode: websocket.CloseNormalClosure,
	}
}

// Send queues msg for the write pump. A peer whose buffer is full is closed.
func (c *client) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.metrics.SendDropped("closed")
		return errClientClosed
	}

	select {
	case c.send <- msg:
		return nil
	default:
		c.metrics.SendDropped("buffer_full")
		c.closeLocked(websocket.CloseTryAgainLater)
		return errSlowClient
	}
}

// Close stops the write pump after it has flushed what is already queued.
func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked(websocket.CloseNormalClosure)
	return nil
}

func (c *client) closeLocked(code int) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	close(c.send)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.mu.Lock()
				code := c.closeCode
				c.mu.Unlock()

				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Debug("ws: write failed", "role", c.role, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
