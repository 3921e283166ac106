package compute

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionStartTimeout means a unit was created but never became ready
	// within the readiness ceiling.
	ErrSessionStartTimeout = errors.New("session start timeout")

	// ErrSessionNotFound means no registered session has the given id.
	ErrSessionNotFound = errors.New("session not found")
)

// StartupError means the orchestration API rejected or failed the unit
// before it could become ready. No session is registered.
type StartupError struct {
	Backend string
	Unit    string
	Err     error
}

func (e *StartupError) Error() string {
	if e.Unit != "" {
		return fmt.Sprintf("%s: start unit %s: %v", e.Backend, e.Unit, e.Err)
	}
	return fmt.Sprintf("%s: start unit: %v", e.Backend, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }
