package room

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parleyhq/parley/pkg/types"
)

// sendBuffer is the per-client outbound queue depth. A client that
// cannot drain this many frames is considered stalled; further frames
// are dropped and the heartbeat cycle evicts it.
const sendBuffer = 64

// writeTimeout bounds a single frame write to a client socket.
const writeTimeout = 5 * time.Second

// Conn is the transport seam between a room and a client socket.
// *websocket.Conn satisfies it; tests substitute fakes.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// Client is one WebSocket connection attached to a room. Outbound
// frames are serialized through a buffered send queue drained by a
// dedicated writer goroutine, so broadcasts enqueue in room order
// without holding the room lock across socket writes.
type Client struct {
	ID        string
	SessionID string
	Role      types.Role
	UserName  string
	JoinedAt  time.Time

	conn Conn
	send chan []byte

	mu         sync.Mutex
	closed     bool
	alive      bool
	lastPongAt time.Time
}

// newClient wraps conn and starts its writer goroutine.
func newClient(id, sessionID string, role types.Role, userName string, conn Conn, now time.Time) *Client {
	c := &Client{
		ID:         id,
		SessionID:  sessionID,
		Role:       role,
		UserName:   userName,
		JoinedAt:   now,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		alive:      true,
		lastPongAt: now,
	}
	go c.writeLoop()
	return c
}

// enqueue queues an encoded frame for delivery. Returns false when the
// client is closed or its queue is saturated; the frame is dropped in
// either case.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// writeLoop drains the send queue onto the socket. Write failures end
// the loop; the heartbeat cycle notices the dead client.
func (c *Client) writeLoop() {
	for data := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return
		}
	}
}

// markAlive records a successful pong.
func (c *Client) markAlive(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = true
	c.lastPongAt = now
}

// lastPong returns the time of the most recent liveness confirmation.
func (c *Client) lastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPongAt
}

// close shuts the queue and the socket. Idempotent.
func (c *Client) close(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.conn.Close(code, reason)
}
