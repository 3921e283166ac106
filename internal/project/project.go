// Package project is the narrow project-record collaborator used by the
// bridge: resolving and persisting agent resume tokens and appending
// conversation messages.
package project

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a project does not exist.
var ErrNotFound = errors.New("project not found")

// Project is the subset of the project record the server reads and writes.
type Project struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	AgentSessionID string    `json:"agentSessionId,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Update lists the fields to change. Nil fields are left untouched.
type Update struct {
	AgentSessionID *string
}

// Role identifies who produced a persisted message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is one persisted conversation entry. Content is stored verbatim;
// formatting transcripts is left to readers.
type Message struct {
	ProjectID string    `json:"projectId"`
	SessionID string    `json:"sessionId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store reads and writes project records.
type Store interface {
	// Get returns the project or ErrNotFound.
	Get(ctx context.Context, id string) (*Project, error)

	// Update applies the non-nil fields of u.
	Update(ctx context.Context, id string, u Update) error

	// AppendMessage persists one conversation message.
	AppendMessage(ctx context.Context, msg Message) error
}
