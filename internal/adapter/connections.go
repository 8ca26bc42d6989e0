package adapter

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ConnRegistry tracks open WebSocket chat connections per client so they can
// be counted and closed on shutdown.
type ConnRegistry struct {
	mu     sync.RWMutex
	nextID int64
	active map[string]map[int64]*websocket.Conn
}

// NewConnRegistry creates an empty registry.
func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{
		active: make(map[string]map[int64]*websocket.Conn),
	}
}

// Register adds conn for client and returns its registration id.
func (m *ConnRegistry) Register(client string, conn *websocket.Conn) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	if _, exists := m.active[client]; !exists {
		m.active[client] = make(map[int64]*websocket.Conn)
	}
	m.active[client][id] = conn
	slog.Debug("Chat connection registered", "client", client, "conn_id", id)
	return id
}

// Unregister removes a connection added by Register.
func (m *ConnRegistry) Unregister(client string, id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conns, ok := m.active[client]; ok {
		delete(conns, id)
		if len(conns) == 0 {
			delete(m.active, client)
		}
		slog.Debug("Chat connection unregistered", "client", client, "conn_id", id)
	}
}

// Count returns the number of open connections.
func (m *ConnRegistry) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, conns := range m.active {
		n += len(conns)
	}
	return n
}

// CloseAll closes every open connection with reason.
func (m *ConnRegistry) CloseAll(reason string) {
	m.mu.Lock()
	conns := make([]*websocket.Conn, 0)
	for client, byID := range m.active {
		for _, c := range byID {
			conns = append(conns, c)
		}
		delete(m.active, client)
	}
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, reason)
	}
	if len(conns) > 0 {
		slog.Info("Chat connections closed", "count", len(conns), "reason", reason)
	}
}
