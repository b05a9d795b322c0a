package backendenv

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/backendenv/internal/core"
)

// Pool manages a bounded set of backend instances for parallel consumers.
// Acquire hands out a ready instance and blocks while all slots are busy;
// Release recycles it per the configured release strategy. Close stops
// every instance.
type Pool struct {
	core           *core.Pool
	acquireTimeout time.Duration
}

// NewPool constructs a pool of up to WithPoolSize instances, each
// configured by the remaining options. Pooled instances always allocate
// their own ports and data directories, so WithPort, WithSiteProxyPort,
// and WithDataDir do not apply; per-slot names are derived from WithName
// or generated. No instance is created until the first Acquire.
func NewPool(opts ...Option) (*Pool, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	base := cfg.core
	if base.Name == "" {
		base.Name = "backend-" + uuid.NewString()[:8]
	}

	factory := func(index int) (*core.Instance, error) {
		slot := base
		slot.Name = poolInstanceName(base.Name, index)
		slot.Port = 0
		slot.SiteProxyPort = 0
		slot.DataDir = filepath.Join(defaultBaseDir(), slot.Name)
		return core.NewInstance(slot)
	}

	p, err := core.NewPool(cfg.poolSize, factory)
	if err != nil {
		return nil, err
	}
	return &Pool{core: p, acquireTimeout: cfg.acquireTimeout}, nil
}

// Size returns the pool's capacity.
func (p *Pool) Size() int { return p.core.Size() }

// Acquire returns a ready instance, spawning and deploying nothing beyond
// what readiness requires. It blocks while all slots are busy, bounded by
// ctx and, when configured, the acquire timeout. The instance must be
// returned with Release or ReleaseFailed exactly once.
func (p *Pool) Acquire(ctx context.Context) (*PooledInstance, error) {
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	inst, token, err := p.core.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &PooledInstance{pool: p.core, inst: inst, token: token}, nil
}

// Close shuts the pool down. Pending and future Acquire calls fail with
// ErrPoolClosed and every instance is stopped with cleanup, including
// those currently held by consumers. Close is idempotent.
func (p *Pool) Close() error {
	return p.core.Close()
}

// PooledInstance is a backend instance on loan from a Pool. All operations
// fail with ErrInstanceReleased once it has been returned; the underlying
// instance may already be serving another consumer.
type PooledInstance struct {
	pool  *core.Pool
	inst  *core.Instance
	token uint64

	released atomic.Bool
}

// Release returns the instance to its pool, recycling it per the
// configured release strategy. Calling Release twice returns
// ErrInstanceReleased.
func (pi *PooledInstance) Release() error {
	if !pi.released.CompareAndSwap(false, true) {
		return ErrInstanceReleased
	}
	return pi.pool.Release(pi.inst, pi.token)
}

// ReleaseFailed returns an instance the consumer considers broken. It is
// stopped with cleanup regardless of the release strategy, so the next
// Acquire gets a fresh one.
func (pi *PooledInstance) ReleaseFailed() error {
	if !pi.released.CompareAndSwap(false, true) {
		return ErrInstanceReleased
	}
	return pi.pool.ReleaseFailed(pi.inst, pi.token)
}

// guard returns ErrInstanceReleased once the loan has ended.
func (pi *PooledInstance) guard() error {
	if pi.released.Load() {
		return ErrInstanceReleased
	}
	return nil
}

// Name returns the instance name.
func (pi *PooledInstance) Name() string { return pi.inst.Name() }

// AdminKey returns the admin key authorizing privileged backend calls.
func (pi *PooledInstance) AdminKey() string { return pi.inst.AdminKey() }

// URL returns the backend's base URL.
func (pi *PooledInstance) URL() string { return pi.inst.URL() }

// SiteURL returns the site proxy's base URL.
func (pi *PooledInstance) SiteURL() string { return pi.inst.SiteURL() }

// DataDir returns the instance's working directory.
func (pi *PooledInstance) DataDir() string { return pi.inst.DataDir() }

// Deploy pushes the configured project to the instance.
func (pi *PooledInstance) Deploy(ctx context.Context) (*DeployResult, error) {
	if err := pi.guard(); err != nil {
		return nil, err
	}
	return pi.inst.Deploy(ctx)
}

// SetEnvironmentVariables replaces the given environment variables on the
// instance.
func (pi *PooledInstance) SetEnvironmentVariables(ctx context.Context, changes []EnvVar) error {
	if err := pi.guard(); err != nil {
		return err
	}
	return pi.inst.SetEnvironmentVariables(ctx, changes)
}

// RunFunction invokes the function at path on the instance and returns the
// raw JSON result value.
func (pi *PooledInstance) RunFunction(ctx context.Context, path string, args any) (json.RawMessage, error) {
	if err := pi.guard(); err != nil {
		return nil, err
	}
	return pi.inst.RunFunction(ctx, path, args)
}
