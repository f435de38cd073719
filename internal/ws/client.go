package ws

import (
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer = 32
	writeWait  = 10 * time.Second
)

var (
	errClientClosed  = errors.New("ws: client closed")
	errClientBacklog = errors.New("ws: send buffer full")
)

// Client wraps a websocket connection as a heartbeat stream Subscriber.
// All connection writes happen on a dedicated pump goroutine with a
// per-message write deadline; Send only enqueues, so a stalled peer never
// blocks the caller.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewClient constructs a client wrapper and starts its write pump.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	c := &Client{
		conn: conn,
		log:  logger,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Send enqueues one payload without blocking. A full buffer means the
// peer is not draining its connection; the error tells the hub to drop
// this client rather than stall the stream.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errClientBacklog
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				if c.log != nil {
					c.log.Warn("websocket send failed", "error", err)
				}
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close stops the write pump, which closes the connection on its way out.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}
