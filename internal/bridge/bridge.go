// Package bridge multiplexes client websocket connections against sandbox
// sessions and their agent channels, including reconnect-tolerant cleanup.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/szaher/stagehand/internal/agent"
	"github.com/szaher/stagehand/internal/compute"
	"github.com/szaher/stagehand/internal/project"
	"github.com/szaher/stagehand/internal/render"
	"github.com/szaher/stagehand/internal/telemetry"
)

// Sessions is the lifecycle surface the bridge needs. *compute.Manager
// implements it.
type Sessions interface {
	CreateSession(ctx context.Context, req compute.CreateRequest) (*compute.Session, error)
	DestroySession(ctx context.Context, id string) error
	GetSession(id string) (*compute.Session, bool)
	PreviewURL(sess *compute.Session) string
	AgentAddress(sess *compute.Session) string
	SetAgentSessionID(id, agentSessionID string) error
}

// Outbox delivers messages to one client in the order they are sent.
type Outbox interface {
	Send(msg any)
}

// Options configures a Bridge.
type Options struct {
	GracePeriod time.Duration
	// SystemPrompt initializes new agent conversations.
	SystemPrompt string
	// DestroyTimeout bounds a cleanup destroy after the grace period.
	DestroyTimeout time.Duration
	// PersistTimeout bounds one project store write from the agent read loop.
	PersistTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *telemetry.Metrics
}

// Bridge owns every client connection and the pending cleanup timers.
type Bridge struct {
	sessions Sessions
	dialer   agent.Dialer
	projects project.Store
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	conns    map[*Connection]struct{}
	pending  map[string]*time.Timer
	attached map[string]*Connection
	// destroying holds ids whose teardown has started and cannot be claimed.
	destroying map[string]struct{}
	closing    sync.WaitGroup
}

var _ render.Listener = (*Bridge)(nil)

// New creates a bridge. projects may be nil for deployments without a
// project store.
func New(sessions Sessions, dialer agent.Dialer, projects project.Store, opts Options) *Bridge {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 30 * time.Second
	}
	if opts.DestroyTimeout <= 0 {
		opts.DestroyTimeout = 2 * time.Minute
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bridge{
		sessions:   sessions,
		dialer:     dialer,
		projects:   projects,
		opts:       opts,
		logger:     opts.Logger.With("component", "bridge"),
		conns:      make(map[*Connection]struct{}),
		pending:    make(map[string]*time.Timer),
		attached:   make(map[string]*Connection),
		destroying: make(map[string]struct{}),
	}
}

// Connect registers a new client connection writing to out.
func (b *Bridge) Connect(out Outbox) *Connection {
	c := &Connection{bridge: b, out: out}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	b.opts.Metrics.ClientConnected(1)
	return c
}

func (b *Bridge) unregister(c *Connection) {
	b.mu.Lock()
	_, ok := b.conns[c]
	delete(b.conns, c)
	b.mu.Unlock()
	if ok {
		b.opts.Metrics.ClientConnected(-1)
	}
}

// Connections returns the number of connected clients.
func (b *Bridge) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// PendingCleanups returns the ids of sessions awaiting grace-period expiry.
func (b *Bridge) PendingCleanups() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	return ids
}

// attach binds session id to c. It fails if another connection holds it.
func (b *Bridge) attach(id string, c *Connection) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if owner, ok := b.attached[id]; ok && owner != c {
		return false
	}
	b.attached[id] = c
	return true
}

func (b *Bridge) detach(id string, c *Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attached[id] == c {
		delete(b.attached, id)
	}
}

// claim takes over session id for c if its cleanup is still pending, or if
// it is live and no other connection holds it. Once the cleanup timer has
// fired the destroy is committed and claim fails.
func (b *Bridge) claim(id string, c *Connection) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.destroying[id]; ok {
		return false
	}
	if t, ok := b.pending[id]; ok {
		t.Stop()
		delete(b.pending, id)
		b.attached[id] = c
		return true
	}
	if _, held := b.attached[id]; held {
		return false
	}
	if _, live := b.sessions.GetSession(id); !live {
		return false
	}
	b.attached[id] = c
	return true
}

// scheduleCleanup destroys session id after the grace period unless a
// reconnect claims it first.
func (b *Bridge) scheduleCleanup(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.pending[id]; ok {
		old.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(b.opts.GracePeriod, func() {
		b.mu.Lock()
		if b.pending[id] != t {
			b.mu.Unlock()
			return
		}
		delete(b.pending, id)
		b.destroying[id] = struct{}{}
		b.closing.Add(1)
		b.mu.Unlock()
		defer b.closing.Done()
		defer b.destroyed(id)

		b.logger.Info("grace period expired, destroying session", "session_id", id)
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.DestroyTimeout)
		defer cancel()
		if err := b.sessions.DestroySession(ctx, id); err != nil {
			b.logger.Error("cleanup destroy failed", "session_id", id, "error", err)
		}
	})
	b.pending[id] = t
	b.logger.Info("session cleanup scheduled", "session_id", id, "grace", b.opts.GracePeriod)
}

// destroy tears down session id now, cancelling any pending cleanup.
func (b *Bridge) destroy(ctx context.Context, id string) error {
	b.mu.Lock()
	if t, ok := b.pending[id]; ok {
		t.Stop()
		delete(b.pending, id)
	}
	delete(b.attached, id)
	b.destroying[id] = struct{}{}
	b.mu.Unlock()
	defer b.destroyed(id)
	return b.sessions.DestroySession(ctx, id)
}

func (b *Bridge) destroyed(id string) {
	b.mu.Lock()
	delete(b.destroying, id)
	delete(b.attached, id)
	b.mu.Unlock()
}

// Shutdown stops pending cleanup timers and waits for destroys already in
// progress. Sessions whose timers were stopped are left for the caller's
// final sweep.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	for id, t := range b.pending {
		t.Stop()
		delete(b.pending, id)
	}
	b.mu.Unlock()
	b.closing.Wait()
}

// OnRenderEvent forwards render events to every client on the job's project.
func (b *Bridge) OnRenderEvent(ev render.Event) {
	msg := newRenderMessage(ev)
	b.mu.Lock()
	var targets []*Connection
	for c := range b.conns {
		if c.project() == ev.Job.ProjectID {
			targets = append(targets, c)
		}
	}
	b.mu.Unlock()
	for _, c := range targets {
		c.out.Send(msg)
	}
}

func (b *Bridge) appendMessage(ctx context.Context, msg project.Message) {
	if b.projects == nil || msg.ProjectID == "" {
		return
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.PersistTimeout)
	defer cancel()
	if err := b.projects.AppendMessage(ctx, msg); err != nil {
		b.logger.Warn("persist message failed", "project_id", msg.ProjectID, "role", msg.Role, "error", err)
	}
}
