package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	sendQueueSize = 256
	writeTimeout  = 10 * time.Second
)

// wsConn wraps a websocket connection with a bounded outbound queue.
// All writes go through the pump goroutine, so any number of goroutines
// can enqueue frames without interleaving them on the wire.
type wsConn struct {
	id   string
	conn *websocket.Conn

	mu          sync.Mutex
	send        chan []byte
	closed      bool
	closeCode   websocket.StatusCode
	closeReason string
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{
		id:        uuid.New().String(),
		conn:      conn,
		send:      make(chan []byte, sendQueueSize),
		closeCode: websocket.StatusNormalClosure,
	}
	go c.writePump()
	return c
}

// enqueue queues raw bytes for delivery. A connection whose queue is full
// is closed rather than blocked on.
func (c *wsConn) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("send queue full, closing connection", "conn", c.id)
		c.closed = true
		c.closeCode = websocket.StatusPolicyViolation
		c.closeReason = "send queue overflow"
		close(c.send)
	}
}

// sendJSON marshals v and queues it for delivery.
func (c *wsConn) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal outbound frame", "conn", c.id, "error", err)
		return
	}
	c.enqueue(data)
}

// close flushes whatever is queued and then closes the socket with the
// given status. Safe to call more than once; the first call wins.
func (c *wsConn) close(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
		c.closeReason = reason
		close(c.send)
	}
	c.mu.Unlock()
}

// writePump owns all writes to the socket. It exits once the queue is
// closed and drained, or on the first write error.
func (c *wsConn) writePump() {
	for data := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			c.mu.Lock()
			if !c.closed {
				c.closed = true
				close(c.send)
			}
			c.mu.Unlock()
			for range c.send {
			}
			c.conn.CloseNow()
			return
		}
	}
	c.conn.Close(c.closeCode, c.closeReason)
}
