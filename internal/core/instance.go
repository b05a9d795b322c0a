package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/backendenv/internal/api"
	"github.com/giantswarm/backendenv/internal/backend"
	"github.com/giantswarm/backendenv/internal/binary"
	"github.com/giantswarm/backendenv/internal/credentials"
	"github.com/giantswarm/backendenv/internal/deploy"
	"github.com/giantswarm/backendenv/internal/netutil"
	"github.com/giantswarm/backendenv/internal/process"
	"github.com/giantswarm/backendenv/internal/sentinel"
)

// ErrAlreadySpawned is returned by Spawn when the instance's process has
// already been created.
const ErrAlreadySpawned = sentinel.Error("instance already spawned")

// ErrStopped is returned by operations on a stopped instance. Stopped is
// terminal: construct a new instance instead of restarting this one.
const ErrStopped = sentinel.Error("instance has been stopped")

// ErrNotSpawned is returned by WaitForReady when no process has been
// created yet.
const ErrNotSpawned = sentinel.Error("instance not spawned")

// ErrFailed is returned by Spawn on an instance whose earlier spawn or
// readiness wait failed. Failed is not recoverable in place: Stop the
// instance and construct a new one.
const ErrFailed = sentinel.Error("instance has failed")

// ErrNotStarted is returned by Deploy and the runtime API operations when
// the instance is not in the ready state. Operations that talk to the
// backend fail fast instead of hitting a dead port.
const ErrNotStarted = sentinel.Error("instance not started")

// ErrInstanceReleased is returned by operations on a pooled instance that
// has been released back to the pool. After Release, the instance may be
// re-acquired by another consumer, making further use unsafe.
const ErrInstanceReleased = sentinel.Error("instance has been released")

// sharedPorts coordinates port ownership across every instance constructed
// in this process, whether standalone or pooled. Two instances configured
// with the same explicit port are rejected at spawn time.
var sharedPorts = netutil.NewPortRegistry(nil)

// Instance is a single managed backend process plus its configuration and
// credentials. It is created unstarted; Spawn launches the process,
// WaitForReady gates the deploy and runtime API operations, and Stop tears
// everything down.
//
// Synchronization strategy:
//   - state uses an atomic for lock-free reads (the common fail-fast path).
//   - proc, client, cancel, and the resolved ports are only written under
//     startMu (in Spawn and Stop). The state.Store after those writes
//     provides happens-before: any reader that observes StateSpawned or
//     later also sees the fields written before the store.
//   - gen is the pool's acquisition generation counter; standalone
//     instances never touch it.
type Instance struct {
	cfg InstanceConfig

	creds credentials.Pair

	// ports is the registry coordinating port ownership; reservedPorts
	// lists what this instance holds and must release on Stop.
	ports         *netutil.PortRegistry
	reservedPorts []int

	// gen is a monotonic generation counter: odd = acquired, even = free (0, 2, 4, ...).
	gen atomic.Uint64
	// state is the lifecycle state; see State for the transition diagram.
	state atomic.Int32

	// startMu serializes Spawn/Stop to prevent duplicate process launches.
	startMu sync.Mutex
	// proc is the supervised backend process. Protected by startMu.
	proc *backend.Process
	// client is the authenticated runtime API client, built at spawn time
	// when the base URL and admin key are known. Protected by startMu.
	client *api.Client
	// cancel is the process context cancel function. Protected by startMu.
	cancel context.CancelFunc

	// port and siteProxyPort are the resolved listening ports. Written once
	// under startMu before the state transitions to StateSpawned.
	port          int
	siteProxyPort int

	// log is the instance-scoped logger.
	log *slog.Logger
}

// NewInstance creates an unstarted Instance from cfg. Credentials are
// resolved here: caller-supplied secret and admin key are used verbatim,
// otherwise a secret is generated and the key derived. Construction never
// creates a process, touches the network, or reserves ports.
//
// Returns an error if cfg fails validation or credential generation fails.
func NewInstance(cfg InstanceConfig) (*Instance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid instance config: %w", err)
	}
	creds, err := credentials.EnsurePair(cfg.Name, cfg.Secret, cfg.AdminKey, cfg.KeyDeriver)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}
	return &Instance{
		cfg:   cfg,
		creds: creds,
		ports: sharedPorts,
		port:  cfg.Port,
		// A configured site proxy port of 0 stays 0 until Spawn allocates.
		siteProxyPort: cfg.SiteProxyPort,
		log:           Logger().With("instance", cfg.Name),
	}, nil
}

// Name returns the instance name.
func (i *Instance) Name() string { return i.cfg.Name }

// Secret returns the instance secret.
func (i *Instance) Secret() string { return i.creds.Secret }

// AdminKey returns the admin key authorizing privileged calls.
func (i *Instance) AdminKey() string { return i.creds.AdminKey }

// DataDir returns the instance's working directory.
func (i *Instance) DataDir() string { return i.cfg.DataDir }

// State returns the instance's current lifecycle state.
func (i *Instance) State() State {
	return State(i.state.Load())
}

// Port returns the backend's main service port. When the instance was
// configured with port 0, the resolved port is only available once Spawn
// has returned.
func (i *Instance) Port() int {
	i.startMu.Lock()
	defer i.startMu.Unlock()
	return i.port
}

// SiteProxyPort returns the backend's site-proxy port, with the same
// resolution caveat as Port.
func (i *Instance) SiteProxyPort() int {
	i.startMu.Lock()
	defer i.startMu.Unlock()
	return i.siteProxyPort
}

// URL returns the backend's base URL, or the empty string before the port
// is resolved.
func (i *Instance) URL() string {
	if p := i.Port(); p > 0 {
		return fmt.Sprintf("http://127.0.0.1:%d", p)
	}
	return ""
}

// SiteURL returns the site proxy's base URL, or the empty string before the
// port is resolved.
func (i *Instance) SiteURL() string {
	if p := i.SiteProxyPort(); p > 0 {
		return fmt.Sprintf("http://127.0.0.1:%d", p)
	}
	return ""
}

// Running reports whether the instance holds a live process handle.
// Absence of a handle means absence of a live instance.
func (i *Instance) Running() bool {
	i.startMu.Lock()
	defer i.startMu.Unlock()
	return i.proc != nil && i.proc.IsStarted()
}

// Pid returns the backend's OS process identifier, or 0 when no process is
// running.
func (i *Instance) Pid() int {
	i.startMu.Lock()
	defer i.startMu.Unlock()
	if i.proc == nil {
		return 0
	}
	return i.proc.Pid()
}

// Spawn launches the backend process. It reserves the instance's ports,
// resolves the executable (download and cache happen here, concurrently
// with working-directory preparation), and starts the process. Spawn
// returns as soon as the OS process exists; it does not wait for the
// backend to answer — that is WaitForReady's job.
//
// Returns ErrAlreadySpawned if a process was already created, ErrStopped on
// a stopped instance, and ErrFailed on one whose earlier spawn or readiness
// wait failed. Spawn failures leave the instance in StateFailed; Stop
// remains the way to clean up.
func (i *Instance) Spawn(ctx context.Context) error {
	i.startMu.Lock()
	defer i.startMu.Unlock()

	switch i.State() {
	case StateUnstarted:
	case StateStopped:
		return ErrStopped
	case StateFailed:
		return ErrFailed
	default:
		return ErrAlreadySpawned
	}

	if err := i.reservePorts(); err != nil {
		i.state.Store(int32(StateFailed))
		return fmt.Errorf("reserve ports: %w", err)
	}

	// Resolve the executable and prepare the working directory
	// concurrently: the first may download over the network, the second is
	// local I/O, and neither depends on the other.
	var binPath string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := binary.Resolve(gctx, binary.Config{
			Name:           i.cfg.BinaryName,
			Path:           i.cfg.BinaryPath,
			Version:        i.cfg.Version,
			CacheDir:       i.cfg.CacheDir,
			CacheTTL:       i.cfg.CacheTTL,
			ReleaseBaseURL: i.cfg.ReleaseBaseURL,
			HTTPClient:     i.cfg.HTTPClient,
			Logger:         i.log,
		})
		if err != nil {
			return err
		}
		binPath = p
		return nil
	})
	g.Go(func() error {
		if err := os.MkdirAll(i.cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("mkdir data dir: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		i.releasePorts()
		i.state.Store(int32(StateFailed))
		return fmt.Errorf("prepare spawn: %w", err)
	}

	proc, err := backend.New(backend.Config{
		Binary:        binPath,
		DataDir:       i.cfg.DataDir,
		Port:          i.port,
		SiteProxyPort: i.siteProxyPort,
		Name:          i.cfg.Name,
		Secret:        i.creds.Secret,
		Output:        i.cfg.Output,
		Logger:        i.log,
	})
	if err != nil {
		i.releasePorts()
		i.state.Store(int32(StateFailed))
		return fmt.Errorf("configure backend process: %w", err)
	}

	// The process context uses Background so the backend survives beyond
	// the Spawn call; the passed ctx only bounds spawn preparation.
	procCtx, cancel := context.WithCancel(context.Background())
	if err := proc.Start(procCtx); err != nil {
		cancel()
		i.releasePorts()
		i.state.Store(int32(StateFailed))
		return fmt.Errorf("spawn backend: %w", err)
	}

	client, err := api.New(proc.URL(), i.creds.AdminKey, i.cfg.HTTPClient)
	if err != nil {
		// Unreachable with a validated config; treated as a spawn failure.
		cancel()
		if stopErr := proc.Stop(i.cfg.StopTimeout); stopErr != nil {
			i.log.Warn("stop backend after client setup failure", "error", stopErr)
		}
		proc.Close()
		i.releasePorts()
		i.state.Store(int32(StateFailed))
		return fmt.Errorf("build runtime api client: %w", err)
	}

	i.proc = proc
	i.client = client
	i.cancel = cancel
	i.state.Store(int32(StateSpawned))
	i.log.Info("backend spawned", "pid", proc.Pid(), "port", i.port, "site_proxy_port", i.siteProxyPort)
	return nil
}

// reservePorts claims the instance's configured ports in the shared
// registry, allocating kernel-assigned ports for any configured as 0.
// Called under startMu.
func (i *Instance) reservePorts() error {
	switch {
	case i.port == 0 && i.siteProxyPort == 0:
		p1, p2, err := i.ports.AllocatePair()
		if err != nil {
			return err
		}
		i.port, i.siteProxyPort = p1, p2
		i.reservedPorts = []int{p1, p2}
		return nil

	case i.port == 0:
		if err := i.ports.Reserve(i.siteProxyPort); err != nil {
			return err
		}
		i.reservedPorts = []int{i.siteProxyPort}
		p, err := i.ports.Allocate()
		if err != nil {
			i.releasePorts()
			return err
		}
		i.port = p
		i.reservedPorts = append(i.reservedPorts, p)
		return nil

	case i.siteProxyPort == 0:
		if err := i.ports.Reserve(i.port); err != nil {
			return err
		}
		i.reservedPorts = []int{i.port}
		p, err := i.ports.Allocate()
		if err != nil {
			i.releasePorts()
			return err
		}
		i.siteProxyPort = p
		i.reservedPorts = append(i.reservedPorts, p)
		return nil

	default:
		if err := i.ports.Reserve(i.port); err != nil {
			return err
		}
		if err := i.ports.Reserve(i.siteProxyPort); err != nil {
			i.ports.Release(i.port)
			return err
		}
		i.reservedPorts = []int{i.port, i.siteProxyPort}
		return nil
	}
}

// releasePorts returns every port this instance reserved to the shared
// registry. Called under startMu. Auto-allocated ports are reset to 0 so a
// failed spawn does not pin stale values.
func (i *Instance) releasePorts() {
	for _, p := range i.reservedPorts {
		i.ports.Release(p)
	}
	i.reservedPorts = nil
	if i.cfg.Port == 0 {
		i.port = 0
	}
	if i.cfg.SiteProxyPort == 0 {
		i.siteProxyPort = 0
	}
}

// WaitForReady polls the backend's liveness endpoint until it answers with
// a 2xx status or the configured ready timeout elapses. Connection refusals
// during the window are expected and retried. On timeout the instance moves
// to StateFailed and the error matches process.ErrReadyTimeout via
// errors.Is; the OS process may still be running, so callers should Stop a
// failed instance.
//
// Calling WaitForReady on an instance that is already ready returns nil.
func (i *Instance) WaitForReady(ctx context.Context) error {
	i.startMu.Lock()
	proc := i.proc
	i.startMu.Unlock()

	switch i.State() {
	case StateReady:
		return nil
	case StateSpawned:
	case StateStopped:
		return ErrStopped
	default:
		return ErrNotSpawned
	}
	if proc == nil {
		return ErrNotSpawned
	}

	if err := proc.WaitReady(ctx, i.cfg.ReadyTimeout); err != nil {
		i.state.CompareAndSwap(int32(StateSpawned), int32(StateFailed))
		return err
	}

	if !i.state.CompareAndSwap(int32(StateSpawned), int32(StateReady)) {
		// Stop won the race while we were polling.
		return ErrStopped
	}
	i.log.Info("backend ready", "url", i.URL())
	return nil
}

// Deploy runs the configured deploy command against the ready instance,
// scoped to the configured project directory, bounded by the deploy
// timeout. Output is captured into the returned result and embedded in any
// failure. Deploys must not overlap on one instance; the caller serializes.
//
// Fails fast with ErrNotStarted when the instance is not ready.
func (i *Instance) Deploy(ctx context.Context) (*deploy.Result, error) {
	if i.State() != StateReady {
		return nil, ErrNotStarted
	}
	if len(i.cfg.DeployCommand) == 0 {
		return nil, errors.New("deploy: no deploy command configured")
	}
	if i.cfg.ProjectDir == "" {
		return nil, errors.New("deploy: no project dir configured")
	}

	return deploy.Run(ctx, deploy.Config{
		Command:    i.cfg.DeployCommand,
		ProjectDir: i.cfg.ProjectDir,
		Timeout:    i.cfg.DeployTimeout,
		Logger:     i.log,
	}, i.URL(), i.creds.AdminKey)
}

// SetEnvironmentVariables replaces the named environment variables on the
// ready instance. Fails fast with ErrNotStarted when the instance is not
// ready; never retries.
func (i *Instance) SetEnvironmentVariables(ctx context.Context, changes []api.EnvVar) error {
	client, err := i.readyClient()
	if err != nil {
		return err
	}
	return client.UpdateEnvironmentVariables(ctx, changes)
}

// RunFunction invokes the named function on the ready instance and returns
// its decoded result. Fails fast with ErrNotStarted when the instance is
// not ready; never retries.
func (i *Instance) RunFunction(ctx context.Context, path string, args any) (json.RawMessage, error) {
	client, err := i.readyClient()
	if err != nil {
		return nil, err
	}
	return client.RunFunction(ctx, path, args)
}

// readyClient returns the runtime API client if the instance is ready.
func (i *Instance) readyClient() (*api.Client, error) {
	if i.State() != StateReady {
		return nil, ErrNotStarted
	}
	i.startMu.Lock()
	defer i.startMu.Unlock()
	if i.client == nil {
		return nil, ErrNotStarted
	}
	return i.client, nil
}

// Stop terminates the backend process and moves the instance to its
// terminal stopped state. The kill is immediate and non-negotiable; a
// process that already exited is not an error. When cleanup is true the
// instance's working directory is removed recursively; a removal failure is
// reported independently and never masks a successful termination.
//
// Stop is idempotent: calling it twice, or before Spawn, returns nil.
func (i *Instance) Stop(cleanup bool) error {
	i.startMu.Lock()
	defer i.startMu.Unlock()

	alreadyStopped := i.State() == StateStopped
	i.state.Store(int32(StateStopped))

	proc := i.proc
	cancel := i.cancel
	i.proc = nil
	i.client = nil
	i.cancel = nil

	var errs []error
	if proc != nil {
		if err := process.StopCloseAndNil(&proc, i.cfg.StopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("stop backend process: %w", err))
		}
	}
	if cancel != nil {
		cancel()
	}
	i.releasePorts()

	if cleanup {
		if err := os.RemoveAll(i.cfg.DataDir); err != nil {
			errs = append(errs, fmt.Errorf("remove data dir: %w", err))
		}
	}

	if !alreadyStopped {
		i.log.Info("instance stopped", "cleanup", cleanup)
	}
	return errors.Join(errs...)
}

// markAcquired increments the generation counter and returns the new value
// as a release token. The counter is monotonically increasing: odd values
// (1, 3, 5, ...) indicate acquired, even values (0, 2, 4, ...) indicate free.
// The token must be passed to tryRelease to complete the release. This prevents
// ABA double-release races: each acquisition produces a unique odd token, so a
// stale token from a prior acquisition can never match the current generation.
func (i *Instance) markAcquired() uint64 {
	return i.gen.Add(1)
}

// tryRelease atomically advances the generation counter from the provided
// token (odd/acquired) to token+1 (even/free). Returns true if the release
// succeeded, false if the token is stale (the instance was re-acquired by
// another goroutine). Because the counter never resets to 0, each token is
// globally unique, eliminating the ABA race where a stale token from a prior
// acquisition could match the current generation.
func (i *Instance) tryRelease(token uint64) bool {
	return i.gen.CompareAndSwap(token, token+1)
}

// IsBusy reports whether the instance is currently acquired by a consumer.
// An odd generation value means acquired; even (including 0) means free.
func (i *Instance) IsBusy() bool {
	return i.gen.Load()%2 == 1
}
