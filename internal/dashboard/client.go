package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 5 * time.Second

// client is one connected dashboard viewer. Messages are queued on send
// and written by the client's own goroutine, so one slow viewer never
// holds up the others.
type client struct {
	conn *websocket.Conn
	send chan []byte

	done     chan struct{}
	doneOnce sync.Once
	reason   string
	status   websocket.StatusCode
}

func newClient(conn *websocket.Conn, queue int) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

// offer queues data without blocking. It returns false when the queue is
// full.
func (c *client) offer(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// kick asks the write loop to close the connection with status and reason.
// Only the first call has any effect.
func (c *client) kick(status websocket.StatusCode, reason string) {
	c.doneOnce.Do(func() {
		c.status = status
		c.reason = reason
		close(c.done)
	})
}

// writeLoop drains the send queue until ctx ends, the client is kicked, or
// a write fails. Only a failed write is reported. It closes the connection
// on the way out.
func (c *client) writeLoop(ctx context.Context) error {
	defer func() {
		select {
		case <-c.done:
			_ = c.conn.Close(c.status, c.reason)
		default:
			_ = c.conn.Close(websocket.StatusGoingAway, "Server shutting down")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
