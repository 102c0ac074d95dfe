package server

import (
	"sync"

	"github.com/p-blackswan/claude-remote/internal/job"
)

// Hub tracks open WebSocket connections. Connections register on upgrade and
// deregister when their reader exits; the device binding is recorded here so
// an unpair can drop the device's live connections.
type Hub struct {
	mu      sync.Mutex
	conns   map[string]*wsConn
	devices map[string]string // conn id -> device id
}

func NewHub() *Hub {
	return &Hub{
		conns:   make(map[string]*wsConn),
		devices: make(map[string]string),
	}
}

func (h *Hub) Add(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

func (h *Hub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, id)
	delete(h.devices, id)
}

// Bind records which paired device a connection decrypts as.
func (h *Hub) Bind(connID, deviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices[connID] = deviceID
}

// AuthedClients returns the authenticated connections as job subscribers.
func (h *Hub) AuthedClients() []job.Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]job.Client, 0, len(h.conns))
	for _, c := range h.conns {
		if c.authed.Load() {
			clients = append(clients, c)
		}
	}
	return clients
}

// BroadcastReload tells every authenticated client to reload. Returns how
// many connections were told.
func (h *Hub) BroadcastReload() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, c := range h.conns {
		if !c.authed.Load() {
			continue
		}
		if c.enqueueFrame(serverFrame{Type: "reload"}) {
			n++
		}
	}
	return n
}

// CloseDevice closes every connection bound to the device, for unpair.
func (h *Hub) CloseDevice(deviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, dev := range h.devices {
		if dev != deviceID {
			continue
		}
		if c, ok := h.conns[id]; ok {
			c.close()
		}
	}
}

// CloseAll closes every connection, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.conns {
		c.close()
	}
}
