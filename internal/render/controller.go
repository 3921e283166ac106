package render

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/szaher/stagehand/internal/storage"
	"github.com/szaher/stagehand/internal/telemetry"
)

const maxReadTimeout = 30 * time.Second

// Options configures a Controller.
type Options struct {
	PollInterval  time.Duration
	Timeout       time.Duration
	DefaultFormat string
	// OutputURLBase prefixes the fallback artifact path.
	OutputURLBase string
	Logger        *slog.Logger
	Metrics       *telemetry.Metrics
}

// CreateRequest describes a render to start.
type CreateRequest struct {
	ProjectID     string `json:"projectId"`
	CompositionID string `json:"compositionId,omitempty"`
	Format        string `json:"format,omitempty"`
}

// Controller owns the table of render jobs and their pollers.
type Controller struct {
	batch   BatchClient
	store   storage.Store
	opts    Options
	logger  *slog.Logger
	metrics *telemetry.Metrics
	events  *hub

	mu      sync.RWMutex
	jobs    map[string]*Job
	pollers map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewController creates a controller. store may be nil, in which case
// completion metadata is never found.
func NewController(batch BatchClient, store storage.Store, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Minute
	}
	if opts.DefaultFormat == "" {
		opts.DefaultFormat = "mp4"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		batch:   batch,
		store:   store,
		opts:    opts,
		logger:  opts.Logger.With("component", "render"),
		metrics: opts.Metrics,
		events:  newHub(opts.Logger),
		jobs:    make(map[string]*Job),
		pollers: make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
}

// Subscribe registers l for every event. The returned func unsubscribes.
func (c *Controller) Subscribe(l Listener) func() {
	return c.events.subscribe(l)
}

func newRenderID() string {
	return strings.ToLower(ulid.MustNew(ulid.Now(), rand.Reader).String())
}

// Create submits a batch unit, registers a pending job and starts polling it.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (*Job, error) {
	if req.ProjectID == "" {
		return nil, errors.New("projectId is required")
	}
	format := req.Format
	if format == "" {
		format = c.opts.DefaultFormat
	}
	job := &Job{
		ID:            newRenderID(),
		ProjectID:     req.ProjectID,
		CompositionID: req.CompositionID,
		Format:        format,
		Status:        StatusPending,
		CreatedAt:     c.now(),
	}
	logger := c.logger.With("render_id", job.ID, "project_id", job.ProjectID)

	unit, err := c.batch.Submit(ctx, Spec{
		RenderID:      job.ID,
		ProjectID:     job.ProjectID,
		CompositionID: job.CompositionID,
		Format:        job.Format,
	})
	if err != nil {
		logger.Error("render submit failed", "error", err)
		return nil, fmt.Errorf("submit render: %w", err)
	}
	job.UnitName = unit

	pctx, pcancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	c.jobs[job.ID] = job
	c.pollers[job.ID] = pcancel
	snap := job.clone()
	c.mu.Unlock()

	logger.Info("render submitted", "unit", unit, "format", format)
	c.metrics.RecordRenderStatus(string(StatusPending))
	c.refreshActive()
	c.events.publish(Event{Type: EventStarted, Job: *snap})

	c.wg.Add(1)
	go c.poll(pctx, job.ID)
	return snap, nil
}

// Get returns a snapshot of the job with id.
func (c *Controller) Get(id string) (*Job, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	j, ok := c.jobs[id]
	if !ok {
		return nil, false
	}
	return j.clone(), true
}

// ListByProject returns the project's jobs, newest first.
func (c *Controller) ListByProject(projectID string) []*Job {
	c.mu.RLock()
	var out []*Job
	for _, j := range c.jobs {
		if j.ProjectID == projectID {
			out = append(out, j.clone())
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID > out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out
}

// Active returns the number of pending or running jobs.
func (c *Controller) Active() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, j := range c.jobs {
		if !j.Status.Terminal() {
			n++
		}
	}
	return n
}

func (c *Controller) refreshActive() {
	c.metrics.SetRenderJobsActive(c.Active())
}

// Cancel fails the job with ReasonCancelled and then deletes its unit
// best-effort. A job that already finished is left untouched and
// ErrJobTerminal is returned.
func (c *Controller) Cancel(ctx context.Context, id string) (*Job, error) {
	if _, ok := c.Get(id); !ok {
		return nil, ErrJobNotFound
	}
	snap, ok := c.transition(id, StatusFailed, func(j *Job) { j.Error = ReasonCancelled })
	if !ok {
		cur, _ := c.Get(id)
		return cur, ErrJobTerminal
	}
	logger := c.logger.With("render_id", id, "unit", snap.UnitName)
	logger.Info("render cancelled")
	if err := c.batch.Delete(ctx, snap.UnitName); err != nil {
		logger.Warn("delete cancelled render unit failed", "error", err)
	}
	return snap, nil
}

// Logs returns the unit's output.
func (c *Controller) Logs(ctx context.Context, id string) (string, error) {
	job, ok := c.Get(id)
	if !ok {
		return "", ErrJobNotFound
	}
	return c.batch.Logs(ctx, job.UnitName)
}

// Shutdown stops every poller and waits for them to exit. Job state is kept.
func (c *Controller) Shutdown() {
	c.cancel()
	c.wg.Wait()
}

// transition moves job id to status `to` if that is a forward move, applies
// mutate under the lock and publishes the matching event.
func (c *Controller) transition(id string, to Status, mutate func(*Job)) (*Job, bool) {
	c.mu.Lock()
	j, ok := c.jobs[id]
	if !ok || !canTransition(j.Status, to) {
		c.mu.Unlock()
		return nil, false
	}
	j.Status = to
	switch to {
	case StatusRunning:
		j.Progress = ProgressRunning
	case StatusCompleted:
		j.Progress = ProgressComplete
	}
	if mutate != nil {
		mutate(j)
	}
	if to.Terminal() {
		t := c.now()
		j.CompletedAt = &t
		if stop, ok := c.pollers[id]; ok {
			stop()
			delete(c.pollers, id)
		}
	}
	snap := j.clone()
	c.mu.Unlock()

	c.metrics.RecordRenderStatus(string(to))
	c.refreshActive()

	var ev EventType
	switch to {
	case StatusRunning:
		ev = EventProgress
	case StatusCompleted:
		ev = EventComplete
	default:
		ev = EventFailed
	}
	c.events.publish(Event{Type: ev, Job: *snap})
	return snap, true
}

// poll reads the unit every PollInterval until the job is terminal. Every
// read runs under the ceiling context, so a hung read cannot outlive it.
func (c *Controller) poll(ctx context.Context, id string) {
	defer c.wg.Done()
	logger := c.logger.With("render_id", id)

	ceiling, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ceiling.Done():
			if ctx.Err() == nil {
				c.timeout(id, logger)
			}
			return
		case <-ticker.C:
			done := c.pollOnce(ceiling, id, logger)
			if ceiling.Err() != nil && ctx.Err() == nil {
				c.timeout(id, logger)
				return
			}
			if done {
				return
			}
		}
	}
}

// readTimeout bounds a single status or metadata read.
func (c *Controller) readTimeout() time.Duration {
	return min(c.opts.PollInterval, maxReadTimeout)
}

func (c *Controller) timeout(id string, logger *slog.Logger) {
	reason := fmt.Sprintf("render timed out after %s", c.opts.Timeout)
	job, ok := c.transition(id, StatusFailed, func(j *Job) { j.Error = reason })
	if !ok {
		return
	}
	logger.Warn("render timed out", "unit", job.UnitName)
	dctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.batch.Delete(dctx, job.UnitName); err != nil {
		logger.Warn("delete timed out render unit failed", "error", err)
	}
}

// pollOnce reads the unit once and reports whether polling is finished.
func (c *Controller) pollOnce(ctx context.Context, id string, logger *slog.Logger) bool {
	job, ok := c.Get(id)
	if !ok || job.Status.Terminal() {
		return true
	}

	rctx, cancel := context.WithTimeout(ctx, c.readTimeout())
	st, err := c.batch.Status(rctx, job.UnitName)
	cancel()
	switch {
	case errors.Is(err, ErrUnitNotFound):
		return c.reconcileMissing(ctx, job, logger)
	case err != nil:
		if ctx.Err() != nil {
			return true
		}
		logger.Warn("render status read failed", "error", err)
		return false
	}

	switch st.Phase {
	case UnitSucceeded:
		meta, err := c.readMetadata(ctx, id)
		url := ""
		if err == nil && meta.OutputURL != "" {
			url = meta.OutputURL
		} else {
			logger.Warn("render succeeded without completion metadata, using fallback output", "error", err)
			url = c.fallbackURL(job)
		}
		c.transition(id, StatusCompleted, func(j *Job) { j.OutputURL = url })
		logger.Info("render completed", "output_url", url)
		return true
	case UnitFailed:
		reason := ReasonFailed
		if meta, err := c.readMetadata(ctx, id); err == nil && meta.Error != "" {
			reason = meta.Error
		} else if st.Message != "" {
			reason = ReasonFailed + ": " + st.Message
		}
		c.transition(id, StatusFailed, func(j *Job) { j.Error = reason })
		logger.Warn("render failed", "reason", reason)
		return true
	case UnitActive:
		if job.Status == StatusPending {
			c.transition(id, StatusRunning, nil)
		}
	}
	return false
}

// reconcileMissing decides the outcome of a job whose unit is gone purely
// from its completion metadata. A read that timed out is retried on the next
// tick and false is returned.
func (c *Controller) reconcileMissing(ctx context.Context, job *Job, logger *slog.Logger) bool {
	meta, err := c.readMetadata(ctx, job.ID)
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		logger.Warn("render metadata read failed, retrying", "error", err)
		return false
	case err == nil && meta.Status == string(StatusCompleted):
		url := meta.OutputURL
		if url == "" {
			url = c.fallbackURL(job)
		}
		c.transition(job.ID, StatusCompleted, func(j *Job) { j.OutputURL = url })
		logger.Info("render unit gone, completed from metadata", "output_url", url)
	case err == nil && meta.Status == string(StatusFailed):
		reason := meta.Error
		if reason == "" {
			reason = ReasonFailed
		}
		c.transition(job.ID, StatusFailed, func(j *Job) { j.Error = reason })
		logger.Warn("render unit gone, failed from metadata", "reason", reason)
	default:
		c.transition(job.ID, StatusFailed, func(j *Job) { j.Error = ReasonLost })
		logger.Error("render unit gone without usable metadata", "error", err)
	}
	return true
}

func (c *Controller) readMetadata(ctx context.Context, id string) (*Metadata, error) {
	if c.store == nil {
		return nil, storage.ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout())
	defer cancel()
	data, err := c.store.Get(ctx, storage.RenderMetadataKey(id))
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode render metadata: %w", err)
	}
	return &m, nil
}

func (c *Controller) fallbackURL(job *Job) string {
	key := storage.RenderOutputKey(job.ID, job.Format)
	if c.opts.OutputURLBase == "" {
		return "/" + key
	}
	return strings.TrimSuffix(c.opts.OutputURLBase, "/") + "/" + key
}
