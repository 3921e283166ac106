// Package agent is the client side of the channel to the AI agent running
// inside a sandbox unit.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Outgoing message types.
const (
	TypePrompt = "prompt"
	TypeCancel = "cancel"
)

// Incoming message types the bridge acts on. Everything else is forwarded
// to the client untouched.
const (
	TypeMessage   = "agent_message"
	TypeComplete  = "complete"
	TypeSessionID = "session_id"
	TypeError     = "error"
)

// ErrClosed is returned by Receive once the channel is closed by either side.
var ErrClosed = errors.New("agent channel closed")

// Prompt asks the agent to run one turn.
type Prompt struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	// SessionID resumes a previous agent conversation.
	SessionID string `json:"sessionId,omitempty"`
	// SystemPrompt initializes a new conversation; only sent when SessionID is empty.
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// NewPrompt builds a prompt. A resume token suppresses the system prompt.
func NewPrompt(content, sessionID, systemPrompt string) Prompt {
	p := Prompt{Type: TypePrompt, Content: content, SessionID: sessionID}
	if sessionID == "" {
		p.SystemPrompt = systemPrompt
	}
	return p
}

// Cancel aborts the in-flight turn.
type Cancel struct {
	Type string `json:"type"`
}

// NewCancel builds a cancel message.
func NewCancel() Cancel { return Cancel{Type: TypeCancel} }

// Event is one message received from the agent.
type Event struct {
	Type string
	// Raw is the message exactly as received.
	Raw json.RawMessage
	// SessionID is set for TypeSessionID.
	SessionID string
	// Message is set for TypeError.
	Message string
}

// Decode classifies an agent message. Only the type and the fields the
// bridge needs are decoded.
func Decode(data []byte) (Event, error) {
	var head struct {
		Type      string `json:"type"`
		SessionID string `json:"sessionId"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Event{}, fmt.Errorf("decode agent message: %w", err)
	}
	ev := Event{Type: head.Type, Raw: append(json.RawMessage(nil), data...)}
	switch head.Type {
	case TypeSessionID:
		if head.SessionID == "" {
			return Event{}, fmt.Errorf("decode agent message: session_id without sessionId")
		}
		ev.SessionID = head.SessionID
	case TypeError:
		ev.Message = head.Message
		if ev.Message == "" {
			ev.Message = "agent error"
		}
	case "":
		ev.Type = TypeMessage
	}
	return ev, nil
}

// Conn is an open agent channel. Send may be called concurrently with
// Receive, but not concurrently with itself.
type Conn interface {
	Send(ctx context.Context, msg any) error
	// Receive blocks for the next message. It returns ErrClosed once the
	// channel is closed.
	Receive(ctx context.Context) (Event, error)
	Close() error
}

// Dialer opens agent channels.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}
