package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hilthontt/roomshuffle/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
)

type Client struct {
	conn    *connWrapper
	Message chan *WSMessage
	ID      domain.ConnID `json:"id"`

	mu     sync.Mutex
	closed bool
}

func NewClient(conn *websocket.Conn, id domain.ConnID) *Client {
	return &Client{
		conn:    newConnWrapper(conn),
		Message: make(chan *WSMessage, sendBufferSize), // buffered so a slow client never blocks the sender
		ID:      id,
	}
}

// Send queues msg without blocking. It reports false when the client is
// gone or its buffer is full.
func (c *Client) Send(msg *WSMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.Message <- msg:
		return true
	default:
		return false
	}
}

// close ends the write pump. Safe to call more than once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.Message)
}

// ReadMessage pumps inbound text frames into core until the socket fails,
// then unregisters the client.
func (c *Client) ReadMessage(core *Core) {
	defer func() {
		core.unregisterClient(c)
		_ = c.conn.Close()
	}()

	c.conn.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.conn.SetPongHandler(func(string) error {
		return c.conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, raw, err := c.conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) &&
				!errors.Is(err, websocket.ErrReadLimit) {
				core.logReadError(c, err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		if !core.deliver(inbound{client: c, text: string(raw)}) {
			return
		}
	}
}

// WriteMessage drains the send buffer and keeps the connection alive with
// pings. It returns when the buffer is closed or a write fails.
func (c *Client) WriteMessage() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Message:
			if !ok {
				_ = c.conn.WriteClose()
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WritePing(); err != nil {
				return
			}
		}
	}
}
