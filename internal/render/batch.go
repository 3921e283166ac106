package render

import (
	"context"
	"errors"
)

// ErrUnitNotFound means the batch unit no longer exists, typically because
// the platform garbage-collected it after it finished.
var ErrUnitNotFound = errors.New("batch unit not found")

// Spec is what a batch unit needs to render one job.
type Spec struct {
	RenderID      string
	ProjectID     string
	CompositionID string
	Format        string
}

// UnitPhase is the coarse state of a batch unit.
type UnitPhase string

const (
	UnitPending   UnitPhase = "pending"
	UnitActive    UnitPhase = "active"
	UnitSucceeded UnitPhase = "succeeded"
	UnitFailed    UnitPhase = "failed"
)

// UnitStatus is one status read of a batch unit.
type UnitStatus struct {
	Phase   UnitPhase
	Message string
}

// BatchClient runs render units on a batch execution platform.
type BatchClient interface {
	// Submit creates the unit and returns its name.
	Submit(ctx context.Context, spec Spec) (string, error)
	// Status returns ErrUnitNotFound once the unit is gone.
	Status(ctx context.Context, unit string) (UnitStatus, error)
	// Delete removes the unit. A missing unit is not an error.
	Delete(ctx context.Context, unit string) error
	Logs(ctx context.Context, unit string) (string, error)
}
