// Package webview is the optional, out-of-core HTTP/websocket mirror
// of tab state: a read-mostly snapshot feed plus a thin
// input-submission surface.
package webview

import (
	"sync"

	"rally/pkg/logger"
)

// Hub maintains the set of connected browser clients and fans out
// snapshot broadcasts to all of them. There is no per-session
// subscription set: every client sees every tab, since a single
// orchestrator's whole tab set is small enough to mirror in full.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu sync.RWMutex
}

// NewHub creates a Hub. Server.Start runs its Run loop in a goroutine.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 64),
	}
}

// Run drives the hub's register/unregister/broadcast loop. It takes no
// context and never returns. It is the only writer of h.clients;
// ClientCount reads it under the same lock.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			logger.Debugf("webview: client %s connected", c.id)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			logger.Debugf("webview: client %s disconnected", c.id)

		case data := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default: // slow client, drop this snapshot
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register admits a client to the hub.
func (h *Hub) Register(c *Client) { h.register <- c }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) { h.unregister <- c }

// Broadcast fans data out to every connected client.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- data:
	default: // hub buffer full; drop rather than block the snapshot loop
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
