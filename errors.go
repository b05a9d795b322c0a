package backendenv

import (
	"github.com/giantswarm/backendenv/internal/binary"
	"github.com/giantswarm/backendenv/internal/core"
	"github.com/giantswarm/backendenv/internal/credentials"
	"github.com/giantswarm/backendenv/internal/netutil"
	"github.com/giantswarm/backendenv/internal/process"
)

// Sentinel errors returned by this package. Match with errors.Is; most are
// wrapped with contextual detail before they reach the caller.
const (
	// ErrReadyTimeout is returned by WaitForReady and Start when the
	// backend does not answer its liveness endpoint within the ready
	// timeout. The OS process may still be running.
	ErrReadyTimeout = process.ErrReadyTimeout

	// ErrProcessExited is returned when the backend process exits while
	// its readiness is being awaited.
	ErrProcessExited = process.ErrProcessExited

	// ErrBinaryUnavailable is returned by Spawn when the backend
	// executable can be neither found in the cache nor downloaded.
	ErrBinaryUnavailable = binary.ErrUnavailable

	// ErrPartialCredentials is returned by New when exactly one of the
	// secret and admin key is supplied.
	ErrPartialCredentials = credentials.ErrPartialCredentials

	// ErrPortReserved is returned by Spawn when a configured port is
	// already owned by another instance in this process.
	ErrPortReserved = netutil.ErrPortReserved

	// ErrNotStarted is returned by Deploy, SetEnvironmentVariables, and
	// RunFunction when the instance is not ready.
	ErrNotStarted = core.ErrNotStarted

	// ErrNotSpawned is returned by WaitForReady before Spawn.
	ErrNotSpawned = core.ErrNotSpawned

	// ErrAlreadySpawned is returned by Spawn when the instance's process
	// already exists.
	ErrAlreadySpawned = core.ErrAlreadySpawned

	// ErrFailed is returned by Spawn on an instance whose earlier spawn or
	// readiness wait failed. Stop it and construct a new one.
	ErrFailed = core.ErrFailed

	// ErrStopped is returned by operations on a stopped instance. Stopped
	// is terminal; construct a new instance instead of restarting.
	ErrStopped = core.ErrStopped

	// ErrInstanceReleased is returned by operations on a pooled instance
	// after it has been released back to its pool.
	ErrInstanceReleased = core.ErrInstanceReleased

	// ErrPoolClosed is returned by Pool.Acquire after Close.
	ErrPoolClosed = core.ErrPoolClosed
)
