package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// sendQueueSize bounds each client's outbound queue. A client that stops
// reading gets dropped rather than stalling broadcasts to everyone else.
const sendQueueSize = 64

// client is one connected tablet. Writes go through a dedicated queue and
// writer goroutine so a slow or dead connection never blocks the hub.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(id string, conn *websocket.Conn) *client {
	return &client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
	}
}

// enqueue queues data for the writer goroutine. It reports false when the
// client is closed or its queue is full, which the hub treats as a dead peer.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// writeLoop drains the send queue onto the connection until the client is
// closed or a write fails.
func (c *client) writeLoop(ctx context.Context, log *slog.Logger) {
	for {
		select {
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		case data := <-c.send:
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				log.Debug("client write failed", "client_id", c.id, "error", err)
				c.close()
				return
			}
		}
	}
}

// hub tracks connected clients and fans frames out to them.
type hub struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[string]*client
}

func newHub(log *slog.Logger) *hub {
	return &hub{log: log, clients: make(map[string]*client)}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

func (h *hub) unregister(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcast marshals the frame once and enqueues it to every client.
// Clients whose queue rejects the frame are removed; one bad connection
// must not affect delivery to the rest.
func (h *hub) broadcast(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.log.Error("frame marshal failed", "type", f.Type, "error", err)
		return
	}

	h.mu.Lock()
	var dead []*client
	for _, c := range h.clients {
		if !c.enqueue(data) {
			dead = append(dead, c)
			delete(h.clients, c.id)
		}
	}
	h.mu.Unlock()

	for _, c := range dead {
		h.log.Warn("dropping unresponsive client", "client_id", c.id)
		c.close()
	}
}

// sendTo delivers a frame to a single client. Unknown or unresponsive
// clients are logged and skipped.
func (h *hub) sendTo(id string, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.log.Error("frame marshal failed", "type", f.Type, "error", err)
		return
	}

	h.mu.Lock()
	c, ok := h.clients[id]
	h.mu.Unlock()
	if !ok {
		h.log.Debug("send to unknown client", "client_id", id, "type", f.Type)
		return
	}
	if !c.enqueue(data) {
		h.unregister(id)
		h.log.Warn("dropping unresponsive client", "client_id", id)
	}
}
