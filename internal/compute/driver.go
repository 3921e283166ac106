package compute

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/szaher/stagehand/internal/storage"
)

// Hydration describes prior project state to load into a unit before its
// main process starts. A zero Hydration means an empty workspace.
type Hydration struct {
	ProjectID    string
	SourcePrefix string
	AgentPrefix  string
}

// NewHydration returns the hydration for projectID, or the zero value for
// anonymous sessions.
func NewHydration(projectID string) Hydration {
	if projectID == "" {
		return Hydration{}
	}
	return Hydration{
		ProjectID:    projectID,
		SourcePrefix: storage.ProjectSourcePrefix(projectID),
		AgentPrefix:  storage.ProjectAgentPrefix(projectID),
	}
}

// Enabled reports whether there is project state to load.
func (h Hydration) Enabled() bool { return h.ProjectID != "" }

// Driver allocates and removes execution units on one backend. The active
// driver is chosen once at startup; nothing else branches on backend identity.
type Driver interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Create allocates a uniquely named unit for sess, hydrates it, injects
	// the sandbox environment and blocks until the unit is ready. On success
	// sess.Address and sess.UnitName are set. Readiness that never arrives
	// yields an error wrapping ErrSessionStartTimeout; rejected creation
	// yields a *StartupError.
	Create(ctx context.Context, sess *Session, h Hydration) error

	// Delete removes the unit backing sess. A unit that is already gone is
	// not an error.
	Delete(ctx context.Context, sess *Session) error

	// PreviewURL is the externally reachable preview address.
	PreviewURL(sess *Session) string

	// AgentBaseURL is the http base URL of the agent server inside the unit,
	// as reachable from this process.
	AgentBaseURL(sess *Session) string
}

// WaitReady polls cond every interval until it reports true, returns an
// error, or timeout elapses. Timeout maps to ErrSessionStartTimeout; a
// cancelled parent context is returned as is.
func WaitReady(ctx context.Context, interval, timeout time.Duration, cond func(context.Context) (bool, error)) error {
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, cond)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if wait.Interrupted(err) {
		return fmt.Errorf("%w: not ready after %s", ErrSessionStartTimeout, timeout)
	}
	return err
}

// Healthy reports whether GET url answers 200 within the client timeout.
func Healthy(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// IsStartTimeout reports whether err is a readiness timeout.
func IsStartTimeout(err error) bool {
	return errors.Is(err, ErrSessionStartTimeout)
}
