package project

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory project store. Unknown projects are created
// on first update so local mode works without provisioning records.
type MemoryStore struct {
	mu       sync.Mutex
	projects map[string]*Project
	messages map[string][]Message
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]*Project),
		messages: make(map[string][]Message),
	}
}

// Put inserts or replaces a project.
func (s *MemoryStore) Put(p Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.projects[p.ID] = &cp
}

// Get returns a copy of the project.
func (s *MemoryStore) Get(_ context.Context, id string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %q: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

// Update applies u, creating the project if needed.
func (s *MemoryStore) Update(_ context.Context, id string, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		p = &Project{ID: id}
		s.projects[id] = p
	}
	if u.AgentSessionID != nil {
		p.AgentSessionID = *u.AgentSessionID
	}
	p.UpdatedAt = time.Now()
	return nil
}

// AppendMessage records msg under its project.
func (s *MemoryStore) AppendMessage(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.messages[msg.ProjectID] = append(s.messages[msg.ProjectID], msg)
	return nil
}

// Messages returns the messages recorded for a project.
func (s *MemoryStore) Messages(projectID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages[projectID]...)
}
