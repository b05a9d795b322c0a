package core

import "fmt"

// State is the lifecycle state of an instance's backend process.
//
// Transitions:
//
//	StateUnstarted → StateSpawned            (Spawn)
//	StateUnstarted → StateFailed             (Spawn failure)
//	StateSpawned   → StateReady              (WaitForReady success)
//	StateSpawned   → StateFailed             (readiness failure)
//	any state      → StateStopped            (Stop)
//
// StateStopped is terminal: a stopped instance is reconstructed, never
// restarted in place.
type State int32

const (
	// StateUnstarted means no process has been created yet.
	StateUnstarted State = iota

	// StateSpawned means the OS process exists but has not been observed
	// answering its liveness endpoint.
	StateSpawned

	// StateReady means the liveness endpoint answered; deploy and runtime
	// API calls are usable.
	StateReady

	// StateFailed means the process was spawned but never became ready, or
	// died before doing so. The OS process may still be running; callers
	// are expected to Stop a failed instance.
	StateFailed

	// StateStopped means Stop was called. Terminal.
	StateStopped
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateSpawned:
		return "spawned"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
