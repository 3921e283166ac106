package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/szaher/stagehand/internal/agent"
	"github.com/szaher/stagehand/internal/compute"
	"github.com/szaher/stagehand/internal/project"
)

// Connection is one client's view of the bridge. Handle must be called
// from a single goroutine; agent traffic arrives on its own goroutine.
type Connection struct {
	bridge *Bridge
	out    Outbox

	mu        sync.Mutex
	sessionID string
	projectID string
	agentConn agent.Conn
	// agentToken is the resume token sent with every prompt.
	agentToken string
	// initialized is set once a prompt carried the system prompt.
	initialized bool
	inFlight    bool
	closed      bool
}

// SessionID returns the attached session id, if any.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Connection) project() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projectID
}

func (c *Connection) logger() *slog.Logger {
	return c.bridge.logger.With("session_id", c.SessionID())
}

// Handle processes one raw client message.
func (c *Connection) Handle(ctx context.Context, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.out.Send(newError("invalid message"))
		return
	}
	switch msg.Type {
	case TypeSessionStart:
		c.start(ctx, msg.ProjectID, msg.SessionID)
	case TypeMessageSend:
		c.sendPrompt(ctx, msg.Content)
	case TypeMessageCancel:
		c.cancelTurn(ctx)
	case TypeSessionEnd:
		c.end(ctx)
	default:
		c.out.Send(newError(fmt.Sprintf("unknown message type %q", msg.Type)))
	}
}

func (c *Connection) start(ctx context.Context, projectID, resumeID string) {
	b := c.bridge

	if prev := c.SessionID(); prev != "" && prev != resumeID {
		c.closeAgent(ctx)
		if err := b.destroy(ctx, prev); err != nil {
			b.logger.Error("destroy previous session failed", "session_id", prev, "error", err)
		}
		c.reset()
	}

	var (
		sess    *compute.Session
		resumed bool
	)
	if resumeID != "" && (resumeID == c.SessionID() || b.claim(resumeID, c)) {
		if s, ok := b.sessions.GetSession(resumeID); ok {
			sess, resumed = s, true
			c.closeAgent(ctx)
		} else {
			b.detach(resumeID, c)
		}
	}

	if sess == nil {
		token := c.loadToken(ctx, projectID)
		s, err := b.sessions.CreateSession(ctx, compute.CreateRequest{ProjectID: projectID, AgentSessionID: token})
		if err != nil {
			msg := "failed to start session: " + err.Error()
			if compute.IsStartTimeout(err) {
				msg = "session start timed out: the sandbox did not become ready"
			}
			c.out.Send(newError(msg))
			return
		}
		sess = s
		b.attach(sess.ID, c)
	}

	c.mu.Lock()
	c.sessionID = sess.ID
	c.projectID = sess.ProjectID
	c.agentToken = sess.AgentSessionID
	c.initialized = false
	c.inFlight = false
	c.mu.Unlock()

	logger := b.logger.With("session_id", sess.ID, "project_id", sess.ProjectID)
	conn, err := b.dialer.Dial(ctx, b.sessions.AgentAddress(sess))
	if err != nil {
		logger.Warn("agent channel unavailable", "error", err)
		c.out.Send(newError("agent connection failed: " + err.Error()))
		return
	}
	c.mu.Lock()
	c.agentConn = conn
	c.mu.Unlock()
	go c.readAgent(conn, sess.ID, sess.ProjectID)

	logger.Info("session attached", "resumed", resumed)
	c.out.Send(SessionReady{
		Type:       TypeSessionReady,
		SessionID:  sess.ID,
		PreviewURL: b.sessions.PreviewURL(sess),
		ShortID:    sess.ShortID,
		Resumed:    resumed,
	})
}

// loadToken returns the project's stored agent resume token, if any.
func (c *Connection) loadToken(ctx context.Context, projectID string) string {
	b := c.bridge
	if projectID == "" || b.projects == nil {
		return ""
	}
	p, err := b.projects.Get(ctx, projectID)
	if err != nil {
		if !errors.Is(err, project.ErrNotFound) {
			b.logger.Warn("load project failed", "project_id", projectID, "error", err)
		}
		return ""
	}
	return p.AgentSessionID
}

func (c *Connection) sendPrompt(ctx context.Context, content string) {
	b := c.bridge
	c.mu.Lock()
	conn := c.agentConn
	if conn == nil {
		c.mu.Unlock()
		c.out.Send(newError("no active agent connection"))
		return
	}
	cancelPrev := c.inFlight
	system := ""
	if c.agentToken == "" && !c.initialized {
		system = b.opts.SystemPrompt
		c.initialized = true
	}
	prompt := agent.NewPrompt(content, c.agentToken, system)
	c.inFlight = true
	sessionID, projectID := c.sessionID, c.projectID
	c.mu.Unlock()

	if cancelPrev {
		if err := conn.Send(ctx, agent.NewCancel()); err != nil {
			b.logger.Warn("cancel previous turn failed", "session_id", sessionID, "error", err)
		}
	}
	if err := conn.Send(ctx, prompt); err != nil {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
		c.out.Send(newError("failed to send prompt: " + err.Error()))
		return
	}
	b.appendMessage(ctx, project.Message{ProjectID: projectID, SessionID: sessionID, Role: project.RoleUser, Content: content})
}

func (c *Connection) cancelTurn(ctx context.Context) {
	c.mu.Lock()
	conn, inFlight := c.agentConn, c.inFlight
	c.inFlight = false
	c.mu.Unlock()
	if conn == nil || !inFlight {
		return
	}
	if err := conn.Send(ctx, agent.NewCancel()); err != nil {
		c.logger().Warn("cancel turn failed", "error", err)
	}
}

func (c *Connection) end(ctx context.Context) {
	id := c.SessionID()
	c.closeAgent(ctx)
	if id != "" {
		if err := c.bridge.destroy(ctx, id); err != nil {
			c.bridge.logger.Error("destroy session failed", "session_id", id, "error", err)
			c.out.Send(newError("failed to end session: " + err.Error()))
		}
	}
	c.reset()
	c.out.Send(typed{Type: TypeSessionEnded})
}

func (c *Connection) reset() {
	c.mu.Lock()
	c.sessionID = ""
	c.projectID = ""
	c.agentToken = ""
	c.initialized = false
	c.inFlight = false
	c.mu.Unlock()
}

// closeAgent detaches the agent channel, cancelling any in-flight turn.
func (c *Connection) closeAgent(ctx context.Context) {
	c.mu.Lock()
	conn, inFlight := c.agentConn, c.inFlight
	c.agentConn = nil
	c.inFlight = false
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if inFlight {
		_ = conn.Send(ctx, agent.NewCancel())
	}
	_ = conn.Close()
}

// Close handles client disconnect: the agent channel is closed and the
// session's destroy is scheduled after the grace period.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	id := c.sessionID
	c.mu.Unlock()

	c.closeAgent(context.Background())
	b := c.bridge
	if id != "" {
		b.detach(id, c)
		b.scheduleCleanup(id)
	}
	b.unregister(c)
}

// readAgent forwards agent traffic to the client in receipt order until
// the channel closes.
func (c *Connection) readAgent(conn agent.Conn, sessionID, projectID string) {
	b := c.bridge
	logger := b.logger.With("session_id", sessionID)
	ctx := context.Background()
	for {
		ev, err := conn.Receive(ctx)
		if err != nil {
			c.mu.Lock()
			current := c.agentConn == conn
			if current {
				c.agentConn = nil
				c.inFlight = false
			}
			c.mu.Unlock()
			if current {
				logger.Warn("agent channel lost", "error", err)
				c.out.Send(newError("agent disconnected"))
			}
			return
		}

		switch ev.Type {
		case agent.TypeComplete:
			c.mu.Lock()
			c.inFlight = false
			c.mu.Unlock()
			c.out.Send(typed{Type: TypeAgentComplete})
		case agent.TypeSessionID:
			c.storeToken(ctx, sessionID, projectID, ev.SessionID, logger)
		case agent.TypeError:
			c.out.Send(newError(ev.Message))
		default:
			c.out.Send(AgentMessage{Type: TypeAgentMessage, Data: ev.Raw})
			b.appendMessage(ctx, project.Message{ProjectID: projectID, SessionID: sessionID, Role: project.RoleAgent, Content: string(ev.Raw)})
		}
	}
}

// storeToken records a new agent resume token on the connection, the live
// session and the project.
func (c *Connection) storeToken(ctx context.Context, sessionID, projectID, token string, logger *slog.Logger) {
	b := c.bridge
	c.mu.Lock()
	if c.sessionID == sessionID {
		c.agentToken = token
	}
	c.mu.Unlock()

	if err := b.sessions.SetAgentSessionID(sessionID, token); err != nil {
		logger.Debug("record agent session id failed", "error", err)
	}
	if projectID == "" || b.projects == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.PersistTimeout)
	defer cancel()
	if err := b.projects.Update(ctx, projectID, project.Update{AgentSessionID: &token}); err != nil {
		logger.Warn("persist agent session id failed", "project_id", projectID, "error", err)
		return
	}
	logger.Info("agent session id persisted", "project_id", projectID)
}
