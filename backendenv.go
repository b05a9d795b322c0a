package backendenv

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/giantswarm/backendenv/internal/api"
	"github.com/giantswarm/backendenv/internal/core"
	"github.com/giantswarm/backendenv/internal/deploy"
)

// EnvVar is one environment variable change applied by
// SetEnvironmentVariables.
type EnvVar = api.EnvVar

// DeployResult carries the outcome of a successful deploy: the command's
// exit code, captured output, and elapsed time.
type DeployResult = deploy.Result

// DeployError is the error type returned by a failed deploy. The captured
// command output is embedded in its message.
type DeployError = deploy.Error

// CallError is the error type returned when the backend answers a runtime
// API call with a non-2xx status.
type CallError = api.CallError

// Instance is one managed backend instance. Construct with New, launch
// with Start (or Spawn plus WaitForReady), and tear down with Stop. An
// Instance is not restartable: after Stop, construct a new one.
//
// Lifecycle operations (Spawn, WaitForReady, Stop) expect a single control
// flow; Deploy, SetEnvironmentVariables, and RunFunction may be called
// concurrently once the instance is ready.
type Instance struct {
	core *core.Instance
}

// New constructs an unstarted Instance. Construction resolves credentials
// (generating a secret and deriving the admin key unless both are supplied
// via WithCredentials) but creates no process, touches no network, and
// reserves no ports.
func New(opts ...Option) (*Instance, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	applyGeneratedDefaults(&cfg.core)

	inst, err := core.NewInstance(cfg.core)
	if err != nil {
		return nil, err
	}
	return &Instance{core: inst}, nil
}

// applyGeneratedDefaults fills the per-instance fields that depend on the
// final name: a unique generated name when none was given, and a data
// directory derived from it.
func applyGeneratedDefaults(cfg *core.InstanceConfig) {
	if cfg.Name == "" {
		cfg.Name = "backend-" + uuid.NewString()[:8]
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(defaultBaseDir(), cfg.Name)
	}
}

// Name returns the instance name.
func (i *Instance) Name() string { return i.core.Name() }

// Secret returns the instance secret.
func (i *Instance) Secret() string { return i.core.Secret() }

// AdminKey returns the admin key authorizing privileged backend calls.
func (i *Instance) AdminKey() string { return i.core.AdminKey() }

// DataDir returns the instance's working directory.
func (i *Instance) DataDir() string { return i.core.DataDir() }

// Port returns the backend's main service port. When no port was pinned,
// the value is only meaningful once Spawn has returned.
func (i *Instance) Port() int { return i.core.Port() }

// SiteProxyPort returns the backend's site-proxy port, with the same
// caveat as Port.
func (i *Instance) SiteProxyPort() int { return i.core.SiteProxyPort() }

// URL returns the backend's base URL, or the empty string before the port
// is known.
func (i *Instance) URL() string { return i.core.URL() }

// SiteURL returns the site proxy's base URL, or the empty string before
// the port is known.
func (i *Instance) SiteURL() string { return i.core.SiteURL() }

// Running reports whether the instance's backend process currently exists.
func (i *Instance) Running() bool { return i.core.Running() }

// Pid returns the backend's OS process id, or 0 when no process is
// running.
func (i *Instance) Pid() int { return i.core.Pid() }

// Spawn launches the backend process: ports are reserved, the executable
// is resolved (downloading and caching if needed), and the process is
// started. Spawn returns as soon as the OS process exists; use
// WaitForReady to wait for the backend to answer.
func (i *Instance) Spawn(ctx context.Context) error {
	return i.core.Spawn(ctx)
}

// WaitForReady blocks until the backend answers its liveness endpoint or
// the ready timeout elapses. On timeout the error matches ErrReadyTimeout
// and the process may still be running; Stop cleans it up.
func (i *Instance) WaitForReady(ctx context.Context) error {
	return i.core.WaitForReady(ctx)
}

// Start is Spawn followed by WaitForReady.
func (i *Instance) Start(ctx context.Context) error {
	if err := i.core.Spawn(ctx); err != nil {
		return err
	}
	return i.core.WaitForReady(ctx)
}

// Deploy pushes the configured project to the ready instance by running
// the deploy command with the instance URL and admin key appended. A
// failure returns a *DeployError with the command output embedded. Deploys
// on one instance must not overlap.
func (i *Instance) Deploy(ctx context.Context) (*DeployResult, error) {
	return i.core.Deploy(ctx)
}

// SetEnvironmentVariables replaces the given environment variables on the
// ready instance. The call is not retried; a non-2xx answer surfaces as a
// *CallError.
func (i *Instance) SetEnvironmentVariables(ctx context.Context, changes []EnvVar) error {
	return i.core.SetEnvironmentVariables(ctx, changes)
}

// RunFunction invokes the function at path on the ready instance with args
// encoded as JSON, and returns the raw JSON result value.
func (i *Instance) RunFunction(ctx context.Context, path string, args any) (json.RawMessage, error) {
	return i.core.RunFunction(ctx, path, args)
}

// Stop kills the backend process immediately and releases the instance's
// ports. When cleanup is true the working directory is removed; a removal
// failure is reported but never masks a successful termination. Stop is
// idempotent and safe to call before Spawn.
func (i *Instance) Stop(cleanup bool) error {
	return i.core.Stop(cleanup)
}

// State reports where the instance is in its lifecycle.
func (i *Instance) State() State {
	return i.core.State()
}

// poolInstanceName derives the per-slot instance name for pooled
// instances.
func poolInstanceName(base string, index int) string {
	return fmt.Sprintf("%s-%d", base, index)
}
