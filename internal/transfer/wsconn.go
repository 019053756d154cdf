package transfer

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsConn is one websocket client. It is the Connection the directory ties sessions to.
type wsConn struct {
	id     string
	remote string
	ws     *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	handlers []func()
}

func newWSConn(ws *websocket.Conn, remote string) *wsConn {
	return &wsConn{
		id:     uuid.New().String(),
		remote: remote,
		ws:     ws,
	}
}

func (c *wsConn) ID() string         { return c.id }
func (c *wsConn) RemoteAddr() string { return c.remote }

// PushCloseHandler registers fn to run when the connection closes. On an already closed
// connection fn runs right away on its own goroutine, since callers may hold locks fn needs.
func (c *wsConn) PushCloseHandler(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		go fn()
		return
	}
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

func (c *wsConn) writeJSON(v interface{}, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(timeout))
	return c.ws.WriteJSON(v)
}

// close shuts the socket and runs the close handlers once, in registration order.
func (c *wsConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	handlers := c.handlers
	c.handlers = nil
	c.mu.Unlock()

	c.ws.Close()
	for _, fn := range handlers {
		fn()
	}
}
