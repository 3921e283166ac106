// Package compute creates and destroys isolated sandbox sessions on a
// pluggable backend and tracks the ones that are ready.
package compute

import (
	"time"

	"github.com/google/uuid"
)

// ShortIDLength is the number of leading id characters used for routing.
const ShortIDLength = 8

// Session is one isolated execution environment running the agent and a
// preview server.
type Session struct {
	ID      string `json:"id"`
	ShortID string `json:"shortId"`
	// ProjectID is empty for anonymous sessions.
	ProjectID string `json:"projectId,omitempty"`
	// Address is the host or IP the server reaches the unit on. Empty until ready.
	Address string `json:"address,omitempty"`
	// PreviewPort and AgentPort are the fixed ports inside the unit.
	PreviewPort int `json:"previewPort"`
	AgentPort   int `json:"agentPort"`
	// PublishedPreviewPort and PublishedAgentPort are set by backends that
	// map unit ports to different host ports.
	PublishedPreviewPort int `json:"publishedPreviewPort,omitempty"`
	PublishedAgentPort   int `json:"publishedAgentPort,omitempty"`
	// AgentSessionID is the agent's resume token, if any.
	AgentSessionID string    `json:"agentSessionId,omitempty"`
	UnitName       string    `json:"unitName,omitempty"`
	Backend        string    `json:"backend"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Ready reports whether the unit has a network address and can be bridged to.
func (s *Session) Ready() bool {
	return s.Address != ""
}

// ReachablePreviewPort returns the port the preview is reachable on from the server host.
func (s *Session) ReachablePreviewPort() int {
	if s.PublishedPreviewPort != 0 {
		return s.PublishedPreviewPort
	}
	return s.PreviewPort
}

// ReachableAgentPort returns the port the agent is reachable on from the server host.
func (s *Session) ReachableAgentPort() int {
	if s.PublishedAgentPort != 0 {
		return s.PublishedAgentPort
	}
	return s.AgentPort
}

// newSessionID returns an opaque unique id and its routing prefix. UUIDs are
// lowercase hex so the prefix is DNS-label safe.
func newSessionID() (id, short string) {
	id = uuid.NewString()
	return id, id[:ShortIDLength]
}
