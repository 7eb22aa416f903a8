package chat

import (
	"log/slog"
	"sync"

	v1 "parley/contracts/chat/v1"
)

// Hub owns the table of connected clients and implements Broadcaster on top
// of the Registry. It is intentionally minimal: persistence lives behind
// Store, membership decisions behind Service.
//
// Concurrency guarantees:
// - Register/Unregister are safe under concurrent fan-out.
// - Fan-out never blocks (drops under backpressure).
// - Fan-out is panic-safe because Client.Send is never closed by the server.
type Hub struct {
	log      *slog.Logger
	registry *Registry

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, registry *Registry) *Hub {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Hub{
		log:      log,
		registry: registry,
		clients:  make(map[string]*Client),
	}
}

// Registry returns the membership registry shared with the Service.
func (h *Hub) Registry() *Registry { return h.registry }

// Register adds a connected client.
func (h *Hub) Register(client *Client) {
	if h == nil || client == nil || client.SessionID == "" {
		return
	}

	h.mu.Lock()
	h.clients[client.SessionID] = client
	h.mu.Unlock()

	h.log.Info("hub.client.register", "session_id", client.SessionID)
}

// Unregister removes a client and signals its shutdown.
func (h *Hub) Unregister(sessionID string) {
	if h == nil || sessionID == "" {
		return
	}

	h.mu.Lock()
	cl := h.clients[sessionID]
	delete(h.clients, sessionID)
	h.mu.Unlock()

	// Signal client shutdown after removing from the table.
	// This ordering avoids race windows where a broadcaster still holds a
	// pointer while the client goroutines are being torn down.
	if cl != nil {
		cl.Close()
	}

	h.log.Info("hub.client.unregister", "session_id", sessionID)
}

// Client returns the live client for a session, if any.
func (h *Hub) Client(sessionID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[sessionID]
}

// ConnContext implements PresenceResolver for the Service.
func (h *Hub) ConnContext(sessionID string) (ConnContext, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cl, ok := h.clients[sessionID]
	if !ok {
		return ConnContext{}, false
	}
	return cl.Ctx, true
}

// ToAll delivers an envelope to every connected session.
func (h *Hub) ToAll(env v1.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, cl := range h.clients {
		h.offer(cl, env)
	}
}

// ToRoom delivers an envelope to the members of a room.
func (h *Hub) ToRoom(roomID string, env v1.Envelope, excludeSession string) {
	members := h.registry.MembersOf(roomID)
	if len(members) == 0 {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sid := range members {
		if sid == excludeSession {
			continue
		}
		h.offer(h.clients[sid], env)
	}
}

// ToConn delivers an envelope to a single session.
func (h *Hub) ToConn(sessionID string, env v1.Envelope) {
	h.mu.RLock()
	cl := h.clients[sessionID]
	h.mu.RUnlock()

	h.offer(cl, env)
}

// offer enqueues without blocking; slow or closing clients are skipped.
func (h *Hub) offer(cl *Client, env v1.Envelope) {
	if cl == nil {
		return
	}

	select {
	case <-cl.Done():
		// Skip clients that are shutting down.
		return
	default:
	}

	select {
	case cl.Send <- env:
	default:
		// Drop rather than block the whole fan-out.
	}
}
