// ABOUTME: Registry of connected devices with first-match outbound routing per account.
// ABOUTME: Owned by a Gateway instance; registration order is preserved.

package device

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrAlreadyRegistered indicates a connection with the same ID is already registered.
var ErrAlreadyRegistered = errors.New("connection already registered")

// ErrNotConnected indicates no live connection exists for the requested account.
var ErrNotConnected = errors.New("no connected client")

// ClientInfo contains public information about a connected device.
type ClientInfo struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	RemoteIP    string    `json:"remote_ip"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Manager tracks connected devices.
type Manager struct {
	order  []*Connection
	byID   map[string]*Connection
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		byID:   make(map[string]*Connection),
		logger: logger,
	}
}

// Register adds an authenticated connection.
// Returns ErrAlreadyRegistered if a connection with the same ID exists.
func (m *Manager) Register(conn *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[conn.ID]; exists {
		return ErrAlreadyRegistered
	}

	m.byID[conn.ID] = conn
	m.order = append(m.order, conn)
	m.logger.Info("device connected",
		"client_id", conn.ID,
		"account_id", conn.AccountID,
		"remote_ip", conn.RemoteIP,
		"total_clients", len(m.order),
	)
	return nil
}

// Unregister removes a connection. Unknown ids are ignored, so the read loop
// and shutdown may both call it.
func (m *Manager) Unregister(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, exists := m.byID[id]
	if !exists {
		return false
	}
	delete(m.byID, id)
	for i, c := range m.order {
		if c == conn {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	m.logger.Info("device disconnected",
		"client_id", id,
		"account_id", conn.AccountID,
		"connected_for", time.Since(conn.ConnectedAt).Round(time.Millisecond),
		"total_clients", len(m.order),
	)
	return true
}

// Get retrieves a connection by ID.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.byID[id]
	return conn, ok
}

// First returns the earliest registered live connection for the account.
// Outbound messages have no chat-to-device affinity; when several devices
// serve one account, the oldest connection receives them.
func (m *Manager) First(accountID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.order {
		if c.AccountID == accountID && !c.Closed() {
			return c, true
		}
	}
	return nil, false
}

// List returns all connections in registration order. An empty accountID
// lists every account.
func (m *Manager) List(accountID string) []ClientInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ClientInfo, 0, len(m.order))
	for _, c := range m.order {
		if accountID == "" || c.AccountID == accountID {
			out = append(out, c.Info())
		}
	}
	return out
}

// Count returns the number of registered connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// CloseAll closes every connection with the given close code. The read loops
// then unregister them.
func (m *Manager) CloseAll(code int, reason string) {
	m.mu.RLock()
	conns := make([]*Connection, len(m.order))
	copy(conns, m.order)
	m.mu.RUnlock()

	for _, c := range conns {
		c.Close(code, reason)
	}
}
