package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/giantswarm/backendenv/internal/sentinel"
)

// ErrPoolClosed is returned by pool operations after Close.
const ErrPoolClosed = sentinel.Error("pool is closed")

// InstanceFactory builds a fresh unstarted instance for pool slot index.
// The pool calls it lazily, the first time a slot is needed and again after
// a restart-strategy release discards the slot's previous instance.
type InstanceFactory func(index int) (*Instance, error)

// Pool manages a bounded set of backend instances. Acquire hands out a
// ready instance, spawning one on demand; Release returns it according to
// the instance's release strategy: reuse keeps the running instance warm
// for the next consumer, restart stops it with cleanup so the next
// acquisition gets a pristine one.
type Pool struct {
	size    int
	factory InstanceFactory

	mu sync.Mutex
	// free holds released reusable instances, most recently released last.
	// Acquire pops from the tail so warm instances are preferred.
	free []*Instance
	// all tracks every live instance for shutdown.
	all map[*Instance]struct{}
	// nextIndex numbers factory calls for instance naming.
	nextIndex int
	closed    bool

	// sem bounds concurrent acquisitions to size. Acquire takes a slot,
	// Release and failed acquisitions return it.
	sem chan struct{}
	// closeCh unblocks acquirers waiting on sem when the pool closes.
	closeCh chan struct{}
}

// NewPool creates a pool of up to size instances built by factory. No
// instance is created until the first Acquire.
func NewPool(size int, factory InstanceFactory) (*Pool, error) {
	if size <= 0 {
		return nil, errors.New("pool size must be positive")
	}
	if factory == nil {
		return nil, errors.New("pool factory must not be nil")
	}
	return &Pool{
		size:    size,
		factory: factory,
		all:     make(map[*Instance]struct{}),
		sem:     make(chan struct{}, size),
		closeCh: make(chan struct{}),
	}, nil
}

// Size returns the pool's capacity.
func (p *Pool) Size() int { return p.size }

// Acquire returns a ready instance and a release token. When a warm
// instance is free it is reused immediately; otherwise a fresh instance is
// built, spawned, and readied, bounded by ctx. Acquire blocks while all
// slots are busy.
//
// The token must be passed back to Release exactly once.
func (p *Pool) Acquire(ctx context.Context) (*Instance, uint64, error) {
	select {
	case p.sem <- struct{}{}:
	case <-p.closeCh:
		return nil, 0, ErrPoolClosed
	case <-ctx.Done():
		return nil, 0, fmt.Errorf("acquire instance: %w", ctx.Err())
	}

	inst, err := p.takeOrBuild()
	if err != nil {
		p.returnSlot()
		return nil, 0, err
	}

	if inst.State() != StateReady {
		if err := p.startInstance(ctx, inst); err != nil {
			// The spawn may have half-succeeded: a live child, reserved
			// ports, a data dir. Tear it all down before giving the slot
			// back.
			p.discard(inst)
			if stopErr := inst.Stop(true); stopErr != nil {
				err = errors.Join(err, fmt.Errorf("stop failed instance: %w", stopErr))
			}
			p.returnSlot()
			return nil, 0, err
		}
	}

	return inst, inst.markAcquired(), nil
}

// takeOrBuild pops a warm instance from the free stack or builds a fresh
// one via the factory.
func (p *Pool) takeOrBuild() (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if n := len(p.free); n > 0 {
		inst := p.free[n-1]
		p.free = p.free[:n-1]
		return inst, nil
	}

	idx := p.nextIndex
	p.nextIndex++
	inst, err := p.factory(idx)
	if err != nil {
		return nil, fmt.Errorf("build pool instance %d: %w", idx, err)
	}
	p.all[inst] = struct{}{}
	return inst, nil
}

// startInstance spawns and readies a fresh instance.
func (p *Pool) startInstance(ctx context.Context, inst *Instance) error {
	if err := inst.Spawn(ctx); err != nil {
		return fmt.Errorf("start pool instance: %w", err)
	}
	if err := inst.WaitForReady(ctx); err != nil {
		return fmt.Errorf("start pool instance: %w", err)
	}
	return nil
}

// Release returns an acquired instance to the pool using the token Acquire
// produced. With the reuse strategy the running instance goes back on the
// free stack; with the restart strategy it is stopped with cleanup and the
// slot serves a fresh instance next time.
//
// Panics when token does not match the instance's current acquisition:
// double release is a caller bug, not a runtime condition.
func (p *Pool) Release(inst *Instance, token uint64) error {
	if inst == nil {
		panic("backendenv: release of nil instance")
	}
	if !inst.tryRelease(token) {
		panic(fmt.Sprintf("backendenv: double release of instance %q", inst.Name()))
	}
	defer p.returnSlot()

	if inst.cfg.ReleaseStrategy == ReleaseReuse && inst.State() == StateReady {
		p.mu.Lock()
		if !p.closed {
			p.free = append(p.free, inst)
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()
		// Pool closed while the instance was out; fall through to stop it.
	}

	p.discard(inst)
	if err := inst.Stop(true); err != nil {
		return fmt.Errorf("release instance %q: %w", inst.Name(), err)
	}
	return nil
}

// ReleaseFailed returns an instance the caller considers broken. The
// instance is always stopped with cleanup regardless of its release
// strategy, so the next acquisition gets a fresh one.
func (p *Pool) ReleaseFailed(inst *Instance, token uint64) error {
	if inst == nil {
		panic("backendenv: release of nil instance")
	}
	if !inst.tryRelease(token) {
		panic(fmt.Sprintf("backendenv: double release of instance %q", inst.Name()))
	}
	defer p.returnSlot()

	p.discard(inst)
	if err := inst.Stop(true); err != nil {
		return fmt.Errorf("release failed instance %q: %w", inst.Name(), err)
	}
	return nil
}

// discard removes inst from the pool's tracking.
func (p *Pool) discard(inst *Instance) {
	p.mu.Lock()
	delete(p.all, inst)
	p.mu.Unlock()
}

// returnSlot frees a semaphore slot. After Close the channel may already be
// drained by Close itself, so a non-blocking receive suffices.
func (p *Pool) returnSlot() {
	select {
	case <-p.sem:
	default:
	}
}

// Close shuts the pool down: pending and future Acquire calls fail with
// ErrPoolClosed and every tracked instance is stopped with cleanup.
// Instances currently held by consumers are stopped too; their eventual
// Release becomes a no-op stop. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closeCh)
	instances := make([]*Instance, 0, len(p.all))
	for inst := range p.all {
		instances = append(instances, inst)
	}
	p.all = make(map[*Instance]struct{})
	p.free = nil
	p.mu.Unlock()

	var errs []error
	for _, inst := range instances {
		if err := inst.Stop(true); err != nil {
			errs = append(errs, fmt.Errorf("stop instance %q: %w", inst.Name(), err))
		}
	}
	return errors.Join(errs...)
}
