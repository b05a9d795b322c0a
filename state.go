package backendenv

import "github.com/giantswarm/backendenv/internal/core"

// State is an instance's position in its lifecycle.
type State = core.State

const (
	// StateUnstarted is a constructed instance with no process.
	StateUnstarted = core.StateUnstarted
	// StateSpawned means the OS process exists but readiness has not been
	// established.
	StateSpawned = core.StateSpawned
	// StateReady means the backend answered its liveness endpoint; deploys
	// and runtime API calls are allowed.
	StateReady = core.StateReady
	// StateFailed means spawning or readiness failed; Stop cleans up.
	StateFailed = core.StateFailed
	// StateStopped is terminal.
	StateStopped = core.StateStopped
)
