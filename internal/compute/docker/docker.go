// Package docker runs sandbox sessions as containers on the local host
// through the docker CLI.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/szaher/stagehand/internal/compute"
	"github.com/szaher/stagehand/internal/storage"
)

// Name is the backend identifier used in logs and metrics.
const Name = "docker"

const (
	workspaceMount = "/workspace"
	agentMount     = "/home/agent/.agent"
	loopback       = "127.0.0.1"
)

// Runner executes a command and returns its stdout. A non-zero exit is
// returned as an error carrying stderr.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s %s: %s: %w", name, args[0], strings.TrimSpace(stderr.String()), err)
	}
	return out, nil
}

// Options configures the driver.
type Options struct {
	Binary       string
	Image        string
	Network      string
	WorkspaceDir string
	Env          map[string]string
	ReadyTimeout time.Duration
	PollInterval time.Duration

	// Store hydrates project state. Nil leaves workspaces empty.
	Store  storage.Store
	Logger *slog.Logger
	Runner Runner
	// FreePort allocates a host port; tests replace it.
	FreePort   func() (int, error)
	HTTPClient *http.Client
}

// Driver implements compute.Driver with local containers.
type Driver struct {
	opts Options
}

var _ compute.Driver = (*Driver)(nil)

// New creates a docker driver.
func New(opts Options) *Driver {
	if opts.Binary == "" {
		opts.Binary = "docker"
	}
	if opts.WorkspaceDir == "" {
		opts.WorkspaceDir = os.TempDir()
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 5 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner
	}
	if opts.FreePort == nil {
		opts.FreePort = freePort
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 2 * time.Second}
	}
	return &Driver{opts: opts}
}

// Name returns the backend identifier.
func (d *Driver) Name() string { return Name }

// ContainerName is the deterministic container name for a session.
func ContainerName(sess *compute.Session) string {
	return "stagehand-" + sess.ShortID
}

func (d *Driver) workspace(sess *compute.Session) string {
	return filepath.Join(d.opts.WorkspaceDir, "stagehand", sess.ID)
}

// Create starts a container for sess and blocks until its agent answers /health.
func (d *Driver) Create(ctx context.Context, sess *compute.Session, h compute.Hydration) error {
	name := ContainerName(sess)
	sess.UnitName = name
	logger := d.opts.Logger.With("container", name, "session_id", sess.ID)

	previewHost, err := d.opts.FreePort()
	if err != nil {
		return &compute.StartupError{Backend: Name, Unit: name, Err: fmt.Errorf("allocate preview port: %w", err)}
	}
	agentHost, err := d.opts.FreePort()
	if err != nil {
		return &compute.StartupError{Backend: Name, Unit: name, Err: fmt.Errorf("allocate agent port: %w", err)}
	}

	dir := d.workspace(sess)
	srcDir := filepath.Join(dir, "workspace")
	agentDir := filepath.Join(dir, "agent")
	for _, p := range []string{srcDir, agentDir} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return &compute.StartupError{Backend: Name, Unit: name, Err: err}
		}
	}

	if h.Enabled() && d.opts.Store != nil {
		n, err := d.opts.Store.DownloadDir(ctx, h.SourcePrefix, srcDir)
		if err != nil {
			_ = os.RemoveAll(dir)
			return &compute.StartupError{Backend: Name, Unit: name, Err: fmt.Errorf("hydrate source: %w", err)}
		}
		m, err := d.opts.Store.DownloadDir(ctx, h.AgentPrefix, agentDir)
		if err != nil {
			_ = os.RemoveAll(dir)
			return &compute.StartupError{Backend: Name, Unit: name, Err: fmt.Errorf("hydrate agent state: %w", err)}
		}
		logger.Debug("workspace hydrated", "source_files", n, "agent_files", m)
	}

	args := d.runArgs(sess, name, srcDir, agentDir, previewHost, agentHost)
	if _, err := d.opts.Runner(ctx, d.opts.Binary, args...); err != nil {
		_ = os.RemoveAll(dir)
		return &compute.StartupError{Backend: Name, Unit: name, Err: err}
	}
	logger.Info("container started", "preview_port", previewHost, "agent_port", agentHost)

	sess.PublishedPreviewPort = previewHost
	sess.PublishedAgentPort = agentHost
	health := fmt.Sprintf("http://%s:%d/health", loopback, agentHost)

	err = compute.WaitReady(ctx, d.opts.PollInterval, d.opts.ReadyTimeout, func(ctx context.Context) (bool, error) {
		state, err := d.inspectState(ctx, name)
		if err != nil {
			logger.Debug("inspect failed", "error", err)
			return false, nil
		}
		switch state {
		case "running":
		case "exited", "dead":
			return false, &compute.StartupError{Backend: Name, Unit: name, Err: fmt.Errorf("container %s", state)}
		default:
			return false, nil
		}
		return compute.Healthy(ctx, d.opts.HTTPClient, health), nil
	})
	if err != nil {
		d.remove(context.WithoutCancel(ctx), name, dir, logger)
		return err
	}

	sess.Address = loopback
	return nil
}

func (d *Driver) runArgs(sess *compute.Session, name, srcDir, agentDir string, previewHost, agentHost int) []string {
	args := []string{"run", "-d",
		"--name", name,
		"--label", "app.kubernetes.io/managed-by=stagehand",
		"--label", "stagehand.dev/session-id=" + sess.ID,
		"--label", "stagehand.dev/short-id=" + sess.ShortID,
		"-p", fmt.Sprintf("%s:%d:%d", loopback, previewHost, sess.PreviewPort),
		"-p", fmt.Sprintf("%s:%d:%d", loopback, agentHost, sess.AgentPort),
		"-v", srcDir + ":" + workspaceMount,
		"-v", agentDir + ":" + agentMount,
	}
	if sess.ProjectID != "" {
		args = append(args, "--label", "stagehand.dev/project-id="+sess.ProjectID)
	}
	if d.opts.Network != "" {
		args = append(args, "--network", d.opts.Network)
	}
	for _, kv := range sessionEnv(sess, d.opts.Env) {
		args = append(args, "-e", kv)
	}
	return append(args, d.opts.Image)
}

// sessionEnv merges static env with per-session values in a stable order.
func sessionEnv(sess *compute.Session, static map[string]string) []string {
	env := make(map[string]string, len(static)+4)
	for k, v := range static {
		env[k] = v
	}
	env["SESSION_ID"] = sess.ID
	env["PROJECT_ID"] = sess.ProjectID
	env["PREVIEW_PORT"] = strconv.Itoa(sess.PreviewPort)
	env["AGENT_PORT"] = strconv.Itoa(sess.AgentPort)

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func (d *Driver) inspectState(ctx context.Context, name string) (string, error) {
	out, err := d.opts.Runner(ctx, d.opts.Binary, "inspect", "-f", "{{.State.Status}}", name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Delete force-removes the container and its workspace.
func (d *Driver) Delete(ctx context.Context, sess *compute.Session) error {
	name := sess.UnitName
	if name == "" {
		name = ContainerName(sess)
	}
	if _, err := d.opts.Runner(ctx, d.opts.Binary, "rm", "-f", name); err != nil && !isNoSuchContainer(err) {
		return err
	}
	dir := d.workspace(sess)
	logger := d.opts.Logger.With("container", name, "session_id", sess.ID)
	d.persist(ctx, sess, dir, logger)
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("workspace cleanup failed", "error", err)
	}
	return nil
}

// persist uploads the bind-mounted workspace and agent state of a project
// session so the next session for the project hydrates from it.
func (d *Driver) persist(ctx context.Context, sess *compute.Session, dir string, logger *slog.Logger) {
	if sess.ProjectID == "" || d.opts.Store == nil {
		return
	}
	for _, t := range []struct{ sub, prefix string }{
		{"workspace", storage.ProjectSourcePrefix(sess.ProjectID)},
		{"agent", storage.ProjectAgentPrefix(sess.ProjectID)},
	} {
		n, err := d.opts.Store.UploadDir(ctx, filepath.Join(dir, t.sub), t.prefix)
		if err != nil {
			logger.Warn("state upload failed", "dir", t.sub, "error", err)
			continue
		}
		logger.Debug("state uploaded", "dir", t.sub, "files", n)
	}
}

func (d *Driver) remove(ctx context.Context, name, dir string, logger *slog.Logger) {
	if _, err := d.opts.Runner(ctx, d.opts.Binary, "rm", "-f", name); err != nil && !isNoSuchContainer(err) {
		logger.Warn("remove unready container failed", "error", err)
	}
	_ = os.RemoveAll(dir)
}

// PreviewURL returns the host-published preview address.
func (d *Driver) PreviewURL(sess *compute.Session) string {
	return fmt.Sprintf("http://localhost:%d", sess.ReachablePreviewPort())
}

// AgentBaseURL returns the host-published agent address.
func (d *Driver) AgentBaseURL(sess *compute.Session) string {
	return fmt.Sprintf("http://%s:%d", sess.Address, sess.ReachableAgentPort())
}

func isNoSuchContainer(err error) bool {
	return err != nil && strings.Contains(err.Error(), "No such container")
}

// errNoPort is returned when the OS hands back a non-TCP listener address.
var errNoPort = errors.New("no free port")

func freePort() (int, error) {
	l, err := net.Listen("tcp", loopback+":0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = l.Close() }()
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, errNoPort
	}
	return addr.Port, nil
}
