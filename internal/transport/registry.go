package transport

import (
	"log/slog"
	"sync"
)

// Registry tracks which client instance owns each session. Two live clients
// for one session would race to reconnect with the same identity, so a
// conflicting Acquire is logged. The newest instance wins the slot.
//
// Pass one Registry to every client created by the owner of the UI session.
type Registry struct {
	mu     sync.Mutex
	active map[string]string
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{active: make(map[string]string), logger: logger}
}

// Acquire records instanceID as the owner of sessionID. It returns false when
// a different instance already held the slot.
func (r *Registry) Acquire(sessionID, instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.active[sessionID]; ok && existing != instanceID {
		r.logger.Warn("Multiple transport clients for one session",
			"session_id", sessionID,
			"existing_instance", existing,
			"new_instance", instanceID,
		)
		r.active[sessionID] = instanceID
		return false
	}
	r.active[sessionID] = instanceID
	return true
}

// Release frees the slot if instanceID still owns it.
func (r *Registry) Release(sessionID, instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.active[sessionID]; ok && current == instanceID {
		delete(r.active, sessionID)
	}
}

// Owner returns the instance currently holding sessionID.
func (r *Registry) Owner(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[sessionID]
}
