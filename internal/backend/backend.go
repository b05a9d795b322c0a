// Package backend supervises the backend executable as a child process:
// working directory layout, the command-line argument contract, liveness
// probing, and teardown.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/giantswarm/backendenv/internal/fileutil"
	"github.com/giantswarm/backendenv/internal/process"
)

// Compile-time interface satisfaction check.
var _ process.Stoppable = (*Process)(nil)

// Working directory layout. The backend owns everything below DataDir:
// a local-storage subdirectory and a single persistent-state file.
const (
	localStorageDirName = "local_storage"
	stateFileName       = "state.sqlite3"
)

// livenessPath is the unauthenticated endpoint the backend answers once it
// is serving. Any 2xx response counts as ready.
const livenessPath = "/version"

// healthCheckTimeout is the per-request timeout for the HTTP client used
// to poll the liveness endpoint during readiness checks.
const healthCheckTimeout = 5 * time.Second

// readinessPollInterval is the interval between consecutive liveness
// requests when waiting for the backend to become ready. The backend is a
// local process over plain HTTP and typically answers within a second, so a
// fixed short interval beats adaptive backoff here.
const readinessPollInterval = 50 * time.Millisecond

// Config holds the configuration for a backend process.
type Config struct {
	Binary        string // Path to the backend executable
	DataDir       string // Working directory for state, local storage, and logs
	Port          int    // Main service port
	SiteProxyPort int    // Auxiliary site-proxy port
	Name          string // Instance name passed to the executable
	Secret        string // Instance secret passed to the executable

	// Output selects where the child's stdout/stderr go
	// (default: per-process log files in DataDir).
	Output process.OutputMode

	// Logger (optional, defaults to slog.Default())
	Logger *slog.Logger
}

// validate checks that all required Config fields are set and returns an error
// describing the first missing or invalid field.
func (c Config) validate() error {
	if c.Binary == "" {
		return errors.New("binary path must not be empty")
	}
	if c.DataDir == "" {
		return errors.New("data dir must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	if c.SiteProxyPort <= 0 || c.SiteProxyPort > 65535 {
		return errors.New("site proxy port must be between 1 and 65535")
	}
	if c.Port == c.SiteProxyPort {
		return errors.New("port and site proxy port must differ")
	}
	if c.Name == "" {
		return errors.New("instance name must not be empty")
	}
	if c.Secret == "" {
		return errors.New("instance secret must not be empty")
	}
	if !c.Output.IsValid() {
		return fmt.Errorf("invalid output mode: %v", c.Output)
	}
	return nil
}

// Process manages a backend process lifecycle.
type Process struct {
	config Config
	base   process.BaseProcess
}

// New creates a new backend Process with the given configuration.
// It returns an error if any required field is missing or invalid.
func New(cfg Config) (*Process, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid backend config: %w", err)
	}
	return &Process{
		config: cfg,
		base:   process.NewBaseProcess("backend", cfg.Logger, cfg.Output),
	}, nil
}

// URL returns the base URL of the backend's main HTTP surface.
func (p *Process) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", p.config.Port)
}

// SiteURL returns the base URL of the backend's site proxy.
func (p *Process) SiteURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", p.config.SiteProxyPort)
}

// LocalStoragePath returns the backend's local-storage directory.
func (p *Process) LocalStoragePath() string {
	return filepath.Join(p.config.DataDir, localStorageDirName)
}

// StateFilePath returns the backend's persistent-state file path.
func (p *Process) StateFilePath() string {
	return filepath.Join(p.config.DataDir, stateFileName)
}

// Pid returns the backend's process identifier, or 0 when not running.
func (p *Process) Pid() int {
	return p.base.Pid()
}

// IsStarted reports whether the backend process has been started and not
// yet stopped.
func (p *Process) IsStarted() bool {
	return p.base.IsStarted()
}

// Exited returns a channel closed when the backend process exits, or nil
// when the process has not been started.
func (p *Process) Exited() <-chan struct{} {
	return p.base.Exited()
}

// Start creates the working directory layout and launches the backend
// process. It returns as soon as the OS has created the process; readiness
// is WaitReady's job.
func (p *Process) Start(ctx context.Context) error {
	if p.base.IsStarted() {
		return process.ErrAlreadyStarted
	}

	if err := fileutil.EnsureDir(p.LocalStoragePath()); err != nil {
		return fmt.Errorf("prepare local storage dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.config.Binary, p.buildArgs()...)
	if err := p.base.SetupAndStart(cmd, p.config.DataDir); err != nil {
		return fmt.Errorf("setup and start backend process: %w", err)
	}
	return nil
}

// buildArgs assembles the backend command-line arguments. This is a fixed
// contract with the executable: flags for ports, identity, and local
// storage, then the persistent-state file path as the sole positional
// argument.
func (p *Process) buildArgs() []string {
	return []string{
		"--port", strconv.Itoa(p.config.Port),
		"--site-proxy-port", strconv.Itoa(p.config.SiteProxyPort),
		"--instance-name", p.config.Name,
		"--instance-secret", p.config.Secret,
		"--local-storage", p.LocalStoragePath(),
		p.StateFilePath(),
	}
}

// WaitReady polls the liveness endpoint until it answers with any 2xx
// status. Connection errors during the window are expected (the process is
// still binding its port) and are retried, not surfaced. Timeout expiry is
// reported as process.ErrReadyTimeout; a process that dies first aborts
// early with process.ErrProcessExited.
func (p *Process) WaitReady(ctx context.Context, timeout time.Duration) error {
	httpClient := &http.Client{
		Transport: &http.Transport{
			// DisableKeepAlives ensures each health-check request opens a fresh
			// connection that is closed immediately after the response is read.
			// Without this, the transport accumulates idle connections across
			// rapid polling attempts, especially when early attempts fail due
			// to the server not yet listening.
			DisableKeepAlives: true,
		},
		Timeout: healthCheckTimeout,
	}
	defer httpClient.CloseIdleConnections()

	healthURL := p.URL() + livenessPath

	log := p.base.Logger()
	err := process.WaitReady(ctx, process.WaitReadyConfig{
		Interval:      readinessPollInterval,
		Timeout:       timeout,
		Name:          "backend",
		Port:          p.config.Port,
		Logger:        log,
		ProcessExited: p.base.Exited(),
	}, func(checkCtx context.Context, attempt int) (bool, error) {
		req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, healthURL, http.NoBody)
		if err != nil {
			return false, fmt.Errorf("create health check request: %w", err)
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			// Connection refused while the port is still coming up.
			if log.Enabled(checkCtx, slog.LevelDebug) {
				log.Debug("liveness attempt", "port", p.config.Port, "attempt", attempt, "error", err)
			}
			return false, nil
		}
		// Drain and close the response body so the underlying connection
		// is properly released back to the transport.
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body) // best-effort drain
			_ = resp.Body.Close()
		}()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true, nil
		}
		if log.Enabled(checkCtx, slog.LevelDebug) {
			log.Debug("liveness attempt", "port", p.config.Port, "attempt", attempt, "status", resp.StatusCode)
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("backend not ready: %w", err)
	}
	return nil
}

// Stop terminates the backend process, waiting up to timeout for its exit
// status. Safe to call when the process was never started or already
// stopped.
func (p *Process) Stop(timeout time.Duration) error {
	return p.base.Stop(timeout)
}

// Close releases log file handles held by the process.
func (p *Process) Close() {
	p.base.Close()
}
