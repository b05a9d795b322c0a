// Package process provides utilities for supervising the backend child
// process.
//
// It defines BaseProcess for common spawn/stop behavior, the Stoppable
// interface, StopCloseAndNil for atomic cleanup, WaitReady for bounded
// polling-based readiness checks, and OutputFiles/LogFiles for directing the
// child's stdout and stderr.
package process
