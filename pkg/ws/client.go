package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Gopher0727/ChatHub/config"
)

// State is the lifecycle stage of a connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateSubscribed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is one live session of an authenticated user.
type Client struct {
	// id is the handle registered with the presence tracker
	id string

	// userID is the authenticated user behind the connection
	userID uint

	// name is the display name used in events originating from this client
	name string

	// conn is the underlying WebSocket connection, nil in unit tests
	conn *websocket.Conn

	// send is the bounded outbound queue drained by writePump
	send chan []byte

	// overflow decides what happens when send is full
	overflow string

	// sendMu serializes enqueue so drop_oldest evictions stay consistent
	sendMu sync.Mutex

	state     atomic.Int32
	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient creates a client in the Connecting state.
//
// Parameters:
//   - conn: The upgraded WebSocket connection (may be nil when no network is involved)
//   - userID: The authenticated user
//   - name: Display name of the user
//   - cfg: Queue size and overflow policy
//
// Returns:
//   - *Client: The initialized client
func NewClient(conn *websocket.Conn, userID uint, name string, cfg *config.WebsocketConfig) *Client {
	return &Client{
		id:       uuid.NewString(),
		userID:   userID,
		name:     name,
		conn:     conn,
		send:     make(chan []byte, cfg.SendQueueSize),
		overflow: cfg.OverflowPolicy,
		closed:   make(chan struct{}),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() uint   { return c.userID }
func (c *Client) Name() string   { return c.name }
func (c *Client) State() State   { return State(c.state.Load()) }
func (c *Client) queued() int    { return len(c.send) }
func (c *Client) IsClosed() bool { return c.State() == StateClosed }

// setState moves the client forward. A closed client never leaves StateClosed.
func (c *Client) setState(s State) {
	for {
		cur := c.state.Load()
		if State(cur) == StateClosed {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// enqueue hands payload to the write pump without blocking.
//
// Returns:
//   - bool: false when the client is closed, or its queue is full under the
//     disconnect policy and the caller must drop it
func (c *Client) enqueue(payload []byte) bool {
	if c.IsClosed() {
		return false
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case c.send <- payload:
		return true
	default:
	}

	if c.overflow != config.OverflowDropOldest {
		return false
	}
	for {
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- payload:
			return true
		default:
		}
	}
}

// Close marks the client closed and stops its write pump. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.closed)
	})
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// writePump drains the outbound queue to the connection and sends pings.
// It owns all writes to conn and closes conn when it returns.
func (c *Client) writePump(writeWait, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
