package process

import (
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/giantswarm/backendenv/internal/sentinel"
)

// ErrAlreadyStarted is returned when SetupAndStart is called on a process
// that is already running. Callers must Stop before starting again.
const ErrAlreadyStarted = sentinel.Error("process already started")

// ErrNilCmd is returned when SetupAndStart is called with a nil *exec.Cmd.
const ErrNilCmd = sentinel.Error("cmd must not be nil")

// ErrEmptyCmdPath is returned when SetupAndStart is called with an empty cmd.Path.
const ErrEmptyCmdPath = sentinel.Error("cmd.Path must not be empty")

// ErrEmptyDataDir is returned when SetupAndStart is called with an empty data directory.
const ErrEmptyDataDir = sentinel.Error("data directory must not be empty")

// ErrNoPid is returned when the OS started the process but assigned no
// usable process identifier. This indicates a broken environment, not a
// transient condition, and is never retried.
const ErrNoPid = sentinel.Error("process started without a valid pid")

// BaseProcess provides common process lifecycle management.
// Embed this in package-specific Process types to reuse Stop and Close.
//
// BaseProcess is not safe for concurrent use. Callers must serialize access
// to all methods. In practice the core.Instance that owns the backend
// process serializes everything through its startMu mutex.
type BaseProcess struct {
	cmd      *exec.Cmd
	waitDone <-chan error    // receives cmd.Wait result; started once in SetupAndStart
	exited   <-chan struct{} // closed when process exits; readable by multiple goroutines
	logFiles LogFiles
	name     string       // process name for logging and log file names
	log      *slog.Logger // logger for operational messages
	output   OutputMode   // stdout/stderr disposition
}

// NewBaseProcess creates a BaseProcess with the given name, logger, and
// output disposition. If logger is nil, slog.Default() is used. Panics if
// name is empty, since an empty name produces confusing error messages
// throughout the process lifecycle.
func NewBaseProcess(name string, logger *slog.Logger, output OutputMode) BaseProcess {
	if name == "" {
		panic("backendenv: process name must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return BaseProcess{name: name, log: logger, output: output}
}

// Pid returns the child's process identifier, or 0 if the process has not
// been started or has been stopped.
func (b *BaseProcess) Pid() int {
	if b.cmd == nil || b.cmd.Process == nil {
		return 0
	}
	return b.cmd.Process.Pid
}

// Stop terminates the process immediately and waits up to timeout for the
// exit status. After Stop returns, IsStarted reports false regardless of
// whether the stop succeeded. Safe to call when no process was ever started
// or when Stop was already called; returns nil immediately in those cases.
// A process that already exited on its own is not an error.
func (b *BaseProcess) Stop(timeout time.Duration) error {
	if b.cmd == nil || b.cmd.Process == nil {
		b.cmd = nil
		b.waitDone = nil
		b.exited = nil
		return nil
	}
	pid := b.cmd.Process.Pid
	err := killAndDrain(b.cmd, b.waitDone, timeout, b.name)
	if err != nil {
		b.log.Warn("process stop failed; process may be orphaned",
			"process", b.name, "pid", pid, "error", err)
	}
	b.cmd = nil
	b.waitDone = nil
	b.exited = nil
	return err
}

// Close closes log file handles. If the process is still running (Stop was
// not called first), Close stops it automatically to prevent a leak; callers
// should always call Stop before Close, the auto-stop is a safety net.
func (b *BaseProcess) Close() {
	if b.cmd != nil {
		b.log.Warn("process.Close called without Stop; stopping automatically",
			"process", b.name)
		if err := b.Stop(DefaultStopTimeout); err != nil {
			b.log.Warn("auto-stop during Close failed",
				"process", b.name, "error", err)
		}
	}
	b.logFiles.Close()
}

// Logger returns the logger used by this process.
func (b *BaseProcess) Logger() *slog.Logger {
	return b.log
}

// Exited returns a channel that is closed when the process exits. It is safe
// to select on from any number of goroutines. Returns nil if the process has
// not been started or has already been stopped.
func (b *BaseProcess) Exited() <-chan struct{} {
	return b.exited
}

// IsStarted reports whether the process has been started and not yet stopped.
func (b *BaseProcess) IsStarted() bool {
	return b.cmd != nil
}

// SetupAndStart wires the command's output, starts it, and begins the single
// cmd.Wait goroutine. The cmd must already have its Path and Args set; this
// sets Dir, Stdout, Stderr and calls Start. On success cmd, waitDone, and
// logFiles are populated.
//
// Returns ErrAlreadyStarted if the process is already running, and ErrNoPid
// if the OS produced a process without a usable identifier.
func (b *BaseProcess) SetupAndStart(cmd *exec.Cmd, dataDir string) error {
	if cmd == nil {
		return ErrNilCmd
	}
	if cmd.Path == "" {
		return ErrEmptyCmdPath
	}
	if dataDir == "" {
		return ErrEmptyDataDir
	}
	if b.cmd != nil {
		return ErrAlreadyStarted
	}

	cmd.Dir = dataDir
	configureSysProcAttr(cmd)

	logFiles, err := StartCmd(cmd, dataDir, b.name, b.output)
	if err != nil {
		return fmt.Errorf("start command: %w", err)
	}
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		logFiles.Close()
		return fmt.Errorf("%s: %w", b.name, ErrNoPid)
	}
	b.cmd = cmd
	b.logFiles = logFiles

	// cmd.Wait must be called exactly once per started process; starting the
	// goroutine here guarantees that and provides the done channel Stop
	// consumes. Two channels: done (buffered 1) carries the Wait error to
	// Stop; exited (closed) is a broadcast signal any goroutine may select
	// on (e.g., readiness polling loops) to detect early death.
	done := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		done <- cmd.Wait()
		close(exited)
	}()
	b.waitDone = done
	b.exited = exited

	return nil
}
