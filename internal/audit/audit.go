// Package audit periodically reconciles gauges with the session registry
// and render table and reports sessions that have been alive for a long
// time. It never destroys anything.
package audit

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/szaher/stagehand/internal/compute"
	"github.com/szaher/stagehand/internal/telemetry"
)

// Sessions lists registered sessions.
type Sessions interface {
	AllSessions() []*compute.Session
}

// Renders counts pending or running render jobs.
type Renders interface {
	Active() int
}

// Options configures an Auditor.
type Options struct {
	// LongLivedAfter flags sessions older than this. Zero disables the check.
	LongLivedAfter time.Duration
	// PendingCleanups reports sessions awaiting grace-period teardown.
	PendingCleanups func() []string
	Logger          *slog.Logger
	Metrics         *telemetry.Metrics
}

// Report is the result of one audit pass.
type Report struct {
	Sessions        int
	LongLived       []string
	PendingCleanups int
	ActiveRenders   int
}

// Auditor runs audit passes.
type Auditor struct {
	sessions Sessions
	renders  Renders
	opts     Options
	now      func() time.Time
}

// New creates an auditor. renders may be nil.
func New(sessions Sessions, renders Renders, opts Options) *Auditor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Auditor{sessions: sessions, renders: renders, opts: opts, now: time.Now}
}

// Run performs one audit pass.
func (a *Auditor) Run() Report {
	all := a.sessions.AllSessions()
	r := Report{Sessions: len(all)}
	a.opts.Metrics.SetSessionsActive(len(all))

	if a.opts.LongLivedAfter > 0 {
		now := a.now()
		for _, s := range all {
			if age := now.Sub(s.CreatedAt); age > a.opts.LongLivedAfter {
				r.LongLived = append(r.LongLived, s.ID)
				a.opts.Logger.Warn("long-lived session", "session_id", s.ID, "project_id", s.ProjectID, "unit", s.UnitName, "age", age.Round(time.Second))
			}
		}
	}
	if a.opts.PendingCleanups != nil {
		r.PendingCleanups = len(a.opts.PendingCleanups())
	}
	if a.renders != nil {
		r.ActiveRenders = a.renders.Active()
		a.opts.Metrics.SetRenderJobsActive(r.ActiveRenders)
	}

	a.opts.Logger.Debug("audit pass", "sessions", r.Sessions, "long_lived", len(r.LongLived), "pending_cleanups", r.PendingCleanups, "active_renders", r.ActiveRenders)
	return r
}

// Start schedules Run on the cron schedule. The returned func stops the
// scheduler and waits for a running pass to finish.
func (a *Auditor) Start(schedule string) (func(), error) {
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{a.opts.Logger})))
	if _, err := c.AddFunc(schedule, func() { a.Run() }); err != nil {
		return nil, fmt.Errorf("invalid audit schedule %q: %w", schedule, err)
	}
	c.Start()
	a.opts.Logger.Info("audit scheduled", "schedule", schedule)
	return func() { <-c.Stop().Done() }, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
