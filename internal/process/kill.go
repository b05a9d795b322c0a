package process

import (
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// DefaultStopTimeout bounds how long Stop waits for the exit status after
// the kill signal has been delivered. SIGKILL cannot be caught, so the
// process should die almost immediately; the timeout is a safety net
// against cmd.Wait hanging on stuck I/O.
const DefaultStopTimeout = 10 * time.Second

// drainDone reads from the done channel with the given timeout as a hard
// upper bound. Under normal conditions cmd.Wait returns almost immediately
// after the process exits.
//
// Returns true and the cmd.Wait error if the channel delivered in time, or
// false and a nil error if the timeout elapsed.
func drainDone(done <-chan error, timeout time.Duration) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case err := <-done:
		return true, err
	case <-t.C:
		return false, nil
	}
}

// killAndDrain terminates the process immediately and collects its exit
// status from the pre-existing done channel, which must receive the result
// of exactly one cmd.Wait call (started in SetupAndStart). The kill is
// unconditional: the backend keeps no state that graceful shutdown would
// protect, so there is no SIGTERM grace period.
//
// A process that already exited on its own is not an error: Kill on a
// finished process returns "os: process already finished", which is
// discarded, and any *exec.ExitError from Wait is treated as a successful
// stop regardless of the exit cause.
//
// killAndDrain does not nil cmd or the done channel; the caller clears
// those references after it returns.
func killAndDrain(cmd *exec.Cmd, done <-chan error, timeout time.Duration, name string) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if done == nil {
		return fmt.Errorf("%s: done channel must not be nil", name)
	}

	// Best-effort kill. The only failure mode of interest is a live process
	// we could not signal; "already finished" means the work is done.
	_ = cmd.Process.Kill()

	ok, waitErr := drainDone(done, timeout)
	if !ok {
		return fmt.Errorf("%s: timed out waiting for process exit after kill", name)
	}
	return expectExit(waitErr, name)
}

// expectExit interprets an error from cmd.Wait after the process has been
// killed (or found already dead). Any *exec.ExitError — whether from our
// kill signal or from the process exiting on its own beforehand — counts as
// a successful stop. Everything else (I/O errors, Wait plumbing failures)
// is surfaced.
func expectExit(err error, name string) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}
