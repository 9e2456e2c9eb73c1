package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/forgeflow/forgeflow/pkg/models"
)

// connection is one WebSocket client. All writes go through the send channel
// so the socket has a single writer.
type connection struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	acceptedAt   time.Time
	lastPing     atomic.Int64
	lastActivity atomic.Int64

	closeOnce sync.Once
}

func newConnection(h *Hub, conn *websocket.Conn, sendCapacity int) *connection {
	c := &connection{
		id:         uuid.NewString(),
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, sendCapacity),
		done:       make(chan struct{}),
		acceptedAt: time.Now().UTC(),
	}
	c.markActivity()
	return c
}

// enqueue queues one frame without blocking. Returns false when the buffer is
// full, which the hub treats as a dead client.
func (c *connection) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			deadline := time.Now().Add(c.hub.cfg.WriteTimeout)
			if err := c.conn.SetWriteDeadline(deadline); err != nil {
				c.hub.drop(c)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.drop(c)
				return
			}
		}
	}
}

func (c *connection) readLoop() {
	c.conn.SetReadLimit(maxPayloadBytes)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.hub.drop(c)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.hub.handleMessage(c, data)
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *connection) markPing() {
	c.lastPing.Store(time.Now().UnixNano())
}

func (c *connection) markActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *connection) idleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

// info snapshots the connection for status reporting. LastPingSentAt stays
// zero until the first keepalive goes out.
func (c *connection) info() models.ConnectionInfo {
	info := models.ConnectionInfo{
		ConnectionID:   c.id,
		AcceptedAt:     c.acceptedAt,
		LastActivityAt: time.Unix(0, c.lastActivity.Load()),
	}
	if ping := c.lastPing.Load(); ping > 0 {
		info.LastPingSentAt = time.Unix(0, ping)
	}
	return info
}
