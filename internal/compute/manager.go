package compute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szaher/stagehand/internal/telemetry"
)

// CreateRequest describes a session to start.
type CreateRequest struct {
	// ProjectID is empty for anonymous sessions.
	ProjectID string
	// AgentSessionID is the project's stored resume token, if any.
	AgentSessionID string
}

// Manager is the backend-agnostic session lifecycle: it drives one Driver
// and owns the registry of ready sessions.
type Manager struct {
	driver      Driver
	registry    *Registry
	syncer      Syncer
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	previewPort int
	agentPort   int
	now         func() time.Time
	sweepLimit  int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(mt *telemetry.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// WithSyncer sets the state syncer used before teardown.
func WithSyncer(s Syncer) ManagerOption {
	return func(m *Manager) { m.syncer = s }
}

// WithPorts sets the fixed preview and agent ports inside every unit.
func WithPorts(preview, agent int) ManagerOption {
	return func(m *Manager) {
		m.previewPort = preview
		m.agentPort = agent
	}
}

// WithRegistry injects an existing registry.
func WithRegistry(r *Registry) ManagerOption {
	return func(m *Manager) { m.registry = r }
}

// NewManager creates a manager for driver.
func NewManager(driver Driver, opts ...ManagerOption) *Manager {
	m := &Manager{
		driver:      driver,
		registry:    NewRegistry(),
		logger:      slog.Default(),
		previewPort: 3000,
		agentPort:   8787,
		now:         time.Now,
		sweepLimit:  8,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.syncer == nil {
		m.syncer = NewHTTPSyncer(time.Minute)
	}
	return m
}

// Backend returns the active driver name.
func (m *Manager) Backend() string { return m.driver.Name() }

// CreateSession allocates a new unit and registers the session once the
// unit is ready. Failed starts register nothing.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*Session, error) {
	id, short := newSessionID()
	sess := &Session{
		ID:             id,
		ShortID:        short,
		ProjectID:      req.ProjectID,
		PreviewPort:    m.previewPort,
		AgentPort:      m.agentPort,
		AgentSessionID: req.AgentSessionID,
		Backend:        m.driver.Name(),
		CreatedAt:      m.now(),
	}
	logger := m.logger.With("session_id", id, "short_id", short, "project_id", req.ProjectID, "backend", sess.Backend)
	logger.Info("creating session")

	start := time.Now()
	if err := m.driver.Create(ctx, sess, NewHydration(req.ProjectID)); err != nil {
		result := "error"
		if IsStartTimeout(err) {
			result = "timeout"
		}
		m.metrics.RecordSessionStart(sess.Backend, result, 0)
		logger.Error("session start failed", "result", result, "error", err)
		return nil, err
	}
	if !sess.Ready() {
		m.metrics.RecordSessionStart(sess.Backend, "error", 0)
		return nil, &StartupError{Backend: sess.Backend, Unit: sess.UnitName, Err: errors.New("driver returned without an address")}
	}

	m.registry.Add(sess)
	m.metrics.RecordSessionStart(sess.Backend, "ok", time.Since(start))
	m.metrics.SetSessionsActive(m.registry.Len())
	logger.Info("session ready", "unit", sess.UnitName, "address", sess.Address, "after", time.Since(start).Round(time.Millisecond))

	out, _ := m.registry.Get(id)
	return out, nil
}

// DestroySession syncs project state best-effort and removes the unit.
// Unknown ids are a no-op so repeated teardown is safe.
func (m *Manager) DestroySession(ctx context.Context, id string) error {
	sess, ok := m.registry.Remove(id)
	if !ok {
		m.logger.Debug("destroy of unknown session ignored", "session_id", id)
		return nil
	}
	m.metrics.SetSessionsActive(m.registry.Len())
	logger := m.logger.With("session_id", id, "unit", sess.UnitName, "project_id", sess.ProjectID)

	if sess.ProjectID != "" {
		if err := m.syncer.Sync(ctx, m.driver.AgentBaseURL(sess), sess.ProjectID); err != nil {
			m.metrics.RecordSyncFailure()
			logger.Warn("state sync before teardown failed", "error", err)
		} else {
			logger.Info("state synced before teardown")
		}
	}

	if err := m.driver.Delete(ctx, sess); err != nil {
		// The unit may still exist; keep it registered so a retry can find it.
		m.registry.Add(sess)
		m.metrics.SetSessionsActive(m.registry.Len())
		logger.Error("unit delete failed", "error", err)
		return fmt.Errorf("delete unit %s: %w", sess.UnitName, err)
	}
	logger.Info("session destroyed")
	return nil
}

// GetSession returns the session with id.
func (m *Manager) GetSession(id string) (*Session, bool) {
	return m.registry.Get(id)
}

// GetSessionByShortID returns the session with the given routing prefix.
func (m *Manager) GetSessionByShortID(short string) (*Session, bool) {
	return m.registry.GetByShortID(short)
}

// AllSessions returns every registered session.
func (m *Manager) AllSessions() []*Session {
	return m.registry.List()
}

// SetAgentSessionID records a new resume token on a live session.
func (m *Manager) SetAgentSessionID(id, agentSessionID string) error {
	if !m.registry.Mutate(id, func(s *Session) { s.AgentSessionID = agentSessionID }) {
		return fmt.Errorf("set agent session id on %s: %w", id, ErrSessionNotFound)
	}
	return nil
}

// PreviewURL returns the externally reachable preview address.
func (m *Manager) PreviewURL(sess *Session) string {
	return m.driver.PreviewURL(sess)
}

// AgentAddress returns the websocket address of the agent inside the unit.
func (m *Manager) AgentAddress(sess *Session) string {
	base := m.driver.AgentBaseURL(sess)
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

// CleanupAllSessions destroys every registered session. Each failure is
// logged on its own and does not stop the sweep; the joined errors are
// returned for the caller's exit status.
func (m *Manager) CleanupAllSessions(ctx context.Context) error {
	sessions := m.registry.List()
	if len(sessions) == 0 {
		return nil
	}
	m.logger.Info("cleaning up sessions", "count", len(sessions))

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(m.sweepLimit)
	for _, s := range sessions {
		g.Go(func() error {
			if err := m.DestroySession(ctx, s.ID); err != nil {
				m.logger.Error("cleanup destroy failed", "session_id", s.ID, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
