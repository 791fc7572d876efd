package adminapi

import (
	"sync"

	"gridbot/internal/core"
)

// Message is one frame broadcast down the /ws connection: every bus event,
// re-shaped as {type, ...}.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// clientBuffer bounds how far a slow websocket client can fall behind
// before the hub gives up on it. Grounded on pkg/liveserver's 256-slot
// client channel; narrowed to 64 since the admin surface's event volume
// (bot lifecycle + order fills) is far lower than a market data fan-out.
const clientBuffer = 64

// client is one connected /ws subscriber. Send never blocks the hub: a
// full buffer means the client is falling behind, and it is dropped
// rather than stalling every other subscriber.
type client struct {
	id   string
	send chan Message

	mu     sync.Mutex
	closed bool
}

func newClient(id string) *client {
	return &client{id: id, send: make(chan Message, clientBuffer)}
}

func (c *client) trySend(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// hub fans a Message out to every registered client, dropping (and
// unregistering) any client whose send buffer is full rather than
// blocking on it.
type hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	logger  core.Logger
}

func newHub(logger core.Logger) *hub {
	return &hub{clients: make(map[*client]bool), logger: logger}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

func (h *hub) broadcast(msg Message) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.trySend(msg) {
			h.logger.Warn("ws client buffer full, dropping", "client_id", c.id)
			h.unregister(c)
		}
	}
}

func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
