// Package gateway is the server end of the chat channel: it accepts client
// websockets, routes chat messages and relays deployment progress.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ErrNoConnection is returned when a session has no live connection.
var ErrNoConnection = errors.New("no live connection for session")

// SessionManager tracks the live connection of each session. A second
// connection for the same session replaces the first.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		active: make(map[string]*websocket.Conn),
	}
}

// GetActive returns the live connection for a session.
func (m *SessionManager) GetActive(sessionID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[sessionID]
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Register adds a connection, closing any previous one for the session.
func (m *SessionManager) Register(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.active[sessionID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
		slog.Info("Chat session replaced", "session_id", sessionID)
	}

	m.active[sessionID] = conn
	slog.Info("Chat session registered", "session_id", sessionID)
}

// Unregister removes conn if it is still the session's live connection.
func (m *SessionManager) Unregister(sessionID string, conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, exists := m.active[sessionID]; exists && current == conn {
		delete(m.active, sessionID)
		slog.Info("Chat session unregistered", "session_id", sessionID)
		return true
	}
	return false
}

// Send writes one text frame to the session's live connection.
func (m *SessionManager) Send(ctx context.Context, sessionID string, data []byte) error {
	conn := m.GetActive(sessionID)
	if conn == nil {
		return ErrNoConnection
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// CloseAll terminates every live connection.
func (m *SessionManager) CloseAll(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sid, conn := range m.active {
		_ = conn.Close(websocket.StatusGoingAway, reason)
		slog.Info("Chat session closed", "session_id", sid)
	}
	clear(m.active)
}
