package relay

import (
	"sync"

	"github.com/lumenhealth/scribe/domain/entities"
)

// Registry tracks live sessions for liveness counts. It is the only state
// shared across sessions and is read-mostly: supervisors add and remove
// themselves, the health endpoint reads the count.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entities.Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*entities.Session)}
}

// Add registers a live session.
func (r *Registry) Add(s *entities.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Remove deregisters a session.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
