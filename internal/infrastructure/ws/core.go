package ws

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/hilthontt/roomshuffle/internal/domain"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/logging"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/metrics"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/ratelimiter"
)

var ErrCoreStopped = errors.New("websocket core stopped")

// ConnectionHandler receives connection lifecycle and inbound messages, one
// event at a time, in arrival order.
type ConnectionHandler interface {
	OnConnect(ctx context.Context, conn domain.ConnID)
	OnDisconnect(ctx context.Context, conn domain.ConnID)
	OnMessage(ctx context.Context, conn domain.ConnID, text string) error
}

type inbound struct {
	client *Client
	text   string
}

// Core is the connection registry. Lifecycle events and inbound frames are
// funnelled through Run so the handler sees them serialised; outbound sends
// go straight to the client buffers and never wait on Run.
type Core struct {
	clients map[domain.ConnID]*Client
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	done       chan struct{}

	limiter *ratelimiter.FixedWindowRateLimiter
	logger  logging.Logger
	metrics *metrics.Metrics
}

// NewCore builds the registry. limiter and m may be nil.
func NewCore(limiter *ratelimiter.FixedWindowRateLimiter, logger logging.Logger, m *metrics.Metrics) *Core {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Core{
		clients:    make(map[domain.ConnID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 256),
		done:       make(chan struct{}),
		limiter:    limiter,
		logger:     logger,
		metrics:    m,
	}
}

// Run processes events until ctx is cancelled, then closes every client.
// It must be called exactly once.
func (c *Core) Run(ctx context.Context, handler ConnectionHandler) error {
	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil

		case cl := <-c.register:
			c.handleRegister(ctx, handler, cl)

		case cl := <-c.unregister:
			c.handleUnregister(ctx, handler, cl)

		case in := <-c.inbound:
			c.handleInbound(ctx, handler, in)
		}
	}
}

// Serve registers a freshly upgraded socket under id and starts its pumps.
func (c *Core) Serve(ctx context.Context, conn *websocket.Conn, id domain.ConnID) error {
	cl := NewClient(conn, id)

	select {
	case c.register <- cl:
	case <-c.done:
		_ = conn.Close()
		return ErrCoreStopped
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	}

	go cl.WriteMessage()
	go cl.ReadMessage(c)

	return nil
}

func (c *Core) handleRegister(ctx context.Context, handler ConnectionHandler, cl *Client) {
	c.mu.Lock()
	old, replaced := c.clients[cl.ID]
	c.clients[cl.ID] = cl
	count := len(c.clients)
	c.mu.Unlock()

	c.metrics.SetConnections(count)

	if replaced {
		// Same handle from a second socket: the newest one wins and the old
		// one goes away without a disconnect event.
		old.close()
		c.logger.Info(logging.WebSocket, logging.Connect, "connection replaced", map[logging.ExtraKey]any{
			logging.ConnID: cl.ID,
		})
	}

	handler.OnConnect(ctx, cl.ID)
}

func (c *Core) handleUnregister(ctx context.Context, handler ConnectionHandler, cl *Client) {
	c.mu.Lock()
	current, ok := c.clients[cl.ID]
	owned := ok && current == cl
	if owned {
		delete(c.clients, cl.ID)
	}
	count := len(c.clients)
	c.mu.Unlock()

	cl.close()
	if !owned {
		return
	}

	c.metrics.SetConnections(count)
	if c.limiter != nil {
		c.limiter.Forget(cl.ID.String())
	}

	handler.OnDisconnect(ctx, cl.ID)
}

func (c *Core) handleInbound(ctx context.Context, handler ConnectionHandler, in inbound) {
	if !c.isCurrent(in.client) {
		return
	}

	if c.limiter != nil {
		if ok, retry := c.limiter.Allow(in.client.ID.String()); !ok {
			in.client.Send(NewRateLimited(retry))
			c.metrics.MessageDropped(metrics.DropRateLimited)
			return
		}
	}

	if err := handler.OnMessage(ctx, in.client.ID, in.text); err != nil {
		c.logger.Debug(logging.WebSocket, logging.Relay, "message not relayed", map[logging.ExtraKey]any{
			logging.ConnID:       in.client.ID,
			logging.ErrorMessage: err.Error(),
		})
	}
}

func (c *Core) isCurrent(cl *Client) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clients[cl.ID] == cl
}

func (c *Core) unregisterClient(cl *Client) {
	select {
	case c.unregister <- cl:
	case <-c.done:
	}
}

func (c *Core) deliver(in inbound) bool {
	select {
	case c.inbound <- in:
		return true
	case <-c.done:
		return false
	}
}

func (c *Core) logReadError(cl *Client, err error) {
	c.logger.Warn(logging.WebSocket, logging.Disconnect, "ws read error", map[logging.ExtraKey]any{
		logging.ConnID:       cl.ID,
		logging.ErrorMessage: err.Error(),
	})
}

func (c *Core) shutdown() {
	close(c.done)

	c.mu.Lock()
	clients := c.clients
	c.clients = make(map[domain.ConnID]*Client)
	c.mu.Unlock()

	for _, cl := range clients {
		cl.close()
	}
	c.metrics.SetConnections(0)
}

// Connected lists the live handles in a stable order.
func (c *Core) Connected() []domain.ConnID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.clients))
}

func (c *Core) Send(conn domain.ConnID, msg *WSMessage) bool {
	c.mu.RLock()
	cl, ok := c.clients[conn]
	c.mu.RUnlock()

	if !ok {
		return false
	}
	return c.send(cl, msg)
}

// Multicast reports how many of conns accepted msg.
func (c *Core) Multicast(conns []domain.ConnID, msg *WSMessage) int {
	c.mu.RLock()
	targets := make([]*Client, 0, len(conns))
	for _, conn := range conns {
		if cl, ok := c.clients[conn]; ok {
			targets = append(targets, cl)
		}
	}
	c.mu.RUnlock()

	sent := 0
	for _, cl := range targets {
		if c.send(cl, msg) {
			sent++
		}
	}
	return sent
}

func (c *Core) Broadcast(msg *WSMessage) int {
	c.mu.RLock()
	targets := slices.Collect(maps.Values(c.clients))
	c.mu.RUnlock()

	sent := 0
	for _, cl := range targets {
		if c.send(cl, msg) {
			sent++
		}
	}
	return sent
}

func (c *Core) send(cl *Client, msg *WSMessage) bool {
	if cl.Send(msg) {
		return true
	}
	c.metrics.MessageDropped(metrics.DropBufferFull)
	c.logger.Warn(logging.WebSocket, logging.Relay, "client buffer full, message dropped", map[logging.ExtraKey]any{
		logging.ConnID:    cl.ID,
		logging.EventType: msg.Type,
	})
	return false
}
