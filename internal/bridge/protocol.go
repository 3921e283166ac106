package bridge

import (
	"encoding/json"
	"time"

	"github.com/szaher/stagehand/internal/render"
)

// Client to bridge message types.
const (
	TypeSessionStart  = "session:start"
	TypeMessageSend   = "message:send"
	TypeMessageCancel = "message:cancel"
	TypeSessionEnd    = "session:end"
)

// Bridge to client message types. Render events use render.EventType values.
const (
	TypeSessionReady  = "session:ready"
	TypeAgentMessage  = "agent:message"
	TypeAgentComplete = "agent:complete"
	TypeSessionEnded  = "session:ended"
	TypeError         = "error"
)

// ClientMessage is any message received from the client.
type ClientMessage struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId,omitempty"`
	// SessionID on session:start asks to resume that session.
	SessionID string `json:"sessionId,omitempty"`
	Content   string `json:"content,omitempty"`
}

type typed struct {
	Type string `json:"type"`
}

// SessionReady acknowledges a start once the agent channel is open.
type SessionReady struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	PreviewURL string `json:"previewUrl"`
	ShortID    string `json:"shortId"`
	Resumed    bool   `json:"resumed,omitempty"`
}

// AgentMessage wraps one agent message verbatim.
type AgentMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ErrorMessage reports a recoverable problem to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// RenderMessage forwards a render lifecycle event.
type RenderMessage struct {
	Type        string     `json:"type"`
	RenderID    string     `json:"renderId"`
	ProjectID   string     `json:"projectId"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	OutputURL   string     `json:"outputUrl,omitempty"`
	Error       string     `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func newError(msg string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: msg}
}

func newRenderMessage(ev render.Event) RenderMessage {
	return RenderMessage{
		Type:        string(ev.Type),
		RenderID:    ev.Job.ID,
		ProjectID:   ev.Job.ProjectID,
		Status:      string(ev.Job.Status),
		Progress:    ev.Job.Progress,
		OutputURL:   ev.Job.OutputURL,
		Error:       ev.Job.Error,
		CompletedAt: ev.Job.CompletedAt,
	}
}
