package compute

import (
	"sort"
	"sync"
)

// Registry is the table of ready sessions keyed by id. It hands out copies
// so callers never share a *Session with the registry.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a ready session.
func (r *Registry) Add(s *Session) {
	cp := *s
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = &cp
}

// Get returns a copy of the session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// GetByShortID returns a copy of the session with the given short id.
func (r *Registry) GetByShortID(short string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.ShortID == short {
			cp := *s
			return &cp, true
		}
	}
	return nil, false
}

// Remove deletes and returns the session with id. Only the first caller for
// a given id gets ok == true.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	return s, true
}

// Mutate applies fn to the stored session under the write lock.
func (r *Registry) Mutate(id string, fn func(*Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		fn(s)
	}
	return ok
}

// List returns copies of all sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		cp := *s
		out = append(out, &cp)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
