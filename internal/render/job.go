// Package render drives one-shot batch render jobs: it submits a batch unit
// per request, polls it to a terminal state, reconciles against completion
// metadata the unit writes itself and publishes lifecycle events.
package render

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return -1
}

// canTransition reports whether from -> to moves strictly forward.
func canTransition(from, to Status) bool {
	if from.Terminal() || to.rank() < 0 {
		return false
	}
	return to.rank() > from.rank()
}

// Progress values reported at fixed points of the lifecycle.
const (
	ProgressRunning  = 10
	ProgressComplete = 100
)

// User-facing failure reasons.
const (
	ReasonCancelled = "render cancelled"
	ReasonFailed    = "render failed"
	ReasonLost      = "render unit disappeared without completion metadata"
)

var (
	// ErrJobNotFound means no job has the given id.
	ErrJobNotFound = errors.New("render job not found")
	// ErrJobTerminal means the job already completed or failed.
	ErrJobTerminal = errors.New("render job already finished")
)

// Job is one batch render attempt.
type Job struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"projectId"`
	CompositionID string     `json:"compositionId,omitempty"`
	Format        string     `json:"format"`
	Status        Status     `json:"status"`
	Progress      int        `json:"progress"`
	OutputURL     string     `json:"outputUrl,omitempty"`
	Error         string     `json:"error,omitempty"`
	UnitName      string     `json:"unitName,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

func (j *Job) clone() *Job {
	cp := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Metadata is the completion record a render unit writes to storage.
type Metadata struct {
	Status    string `json:"status"`
	OutputURL string `json:"outputUrl,omitempty"`
	Error     string `json:"error,omitempty"`
}
