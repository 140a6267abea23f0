package memoryhost

import (
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-resource-server/sessions"
)

var _ sessions.Registry = (*Registry)(nil)

// Registry is an in-memory implementation of sessions.Registry.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessions.Transport
}

func New() *Registry {
	return &Registry{sessions: make(map[string]*sessions.Transport)}
}

func (r *Registry) Create(id string, t *sessions.Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return fmt.Errorf("%w: %s", sessions.ErrDuplicateSession, id)
	}
	r.sessions[id] = t
	return nil
}

func (r *Registry) Lookup(id string) (*sessions.Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.sessions[id]
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	return t, nil
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Registry) All() []*sessions.Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*sessions.Transport, 0, len(r.sessions))
	for _, t := range r.sessions {
		out = append(out, t)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
