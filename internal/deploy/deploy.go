// Package deploy runs the external deploy CLI against a running backend
// instance and surfaces its outcome with captured output.
package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a single deploy invocation. Deploys push code into
// a local instance and normally finish in seconds; anything near this bound
// indicates a hung tool.
const DefaultTimeout = 2 * time.Minute

// Config holds the configuration for running the deploy command.
type Config struct {
	// Command is the deploy CLI and its fixed leading arguments,
	// e.g. {"npx", "convex", "deploy", "--ignore-dirty"}. The instance URL
	// and admin key flags are appended per invocation.
	Command []string

	// ProjectDir is the working directory for the command: the caller's
	// project containing the code to deploy.
	ProjectDir string

	// Timeout bounds the invocation (zero uses DefaultTimeout).
	Timeout time.Duration

	// Logger (optional, defaults to slog.Default())
	Logger *slog.Logger
}

// logger returns the configured logger or falls back to the default.
func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// timeout returns the configured timeout or the default.
func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// validate checks that all required Config fields are set.
func (c Config) validate() error {
	if len(c.Command) == 0 {
		return errors.New("deploy command must not be empty")
	}
	if c.ProjectDir == "" {
		return errors.New("project dir must not be empty")
	}
	return nil
}

// Result describes a finished deploy invocation. Output is captured, not
// streamed, so a failure can be diagnosed without re-running.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
}

// Error is the single deploy-failure category: non-zero exit, spawn
// failure, and timeout all produce one. The message embeds the captured
// output; Timeout distinguishes a deploy that exceeded its bound from one
// that failed on its own.
type Error struct {
	Err     error  // Underlying exec error, if any
	Output  string // Combined captured stdout/stderr
	Timeout bool
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("deploy failed")
	if e.Timeout {
		b.WriteString(": timed out")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		fmt.Fprintf(&b, "\noutput:\n%s", out)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Run invokes the deploy command synchronously against the instance at
// baseURL, authenticated with adminKey, with cfg.ProjectDir as the working
// directory. It blocks until the command finishes or the timeout elapses.
// On failure the returned error is always a *Error; the Result is returned
// alongside it when the command at least started.
func Run(ctx context.Context, cfg Config, baseURL, adminKey string) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid deploy config: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()

	args := make([]string, 0, len(cfg.Command)+3)
	args = append(args, cfg.Command[1:]...)
	args = append(args, "--url", baseURL, "--admin-key", adminKey)

	cmd := exec.CommandContext(runCtx, cfg.Command[0], args...)
	cmd.Dir = cfg.ProjectDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log := cfg.logger()
	log.Info("running deploy command", "command", cfg.Command[0], "project_dir", cfg.ProjectDir)

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	res := &Result{
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Elapsed: elapsed,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runErr == nil {
		log.Info("deploy finished", "elapsed", elapsed.Round(time.Millisecond))
		return res, nil
	}

	deployErr := &Error{
		Err:     runErr,
		Output:  combinedOutput(res),
		Timeout: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}
	log.Warn("deploy failed",
		"exit_code", res.ExitCode,
		"timeout", deployErr.Timeout,
		"elapsed", elapsed.Round(time.Millisecond))
	return res, deployErr
}

// combinedOutput merges captured stdout and stderr for embedding into an
// error message.
func combinedOutput(res *Result) string {
	switch {
	case res.Stdout == "":
		return res.Stderr
	case res.Stderr == "":
		return res.Stdout
	default:
		return res.Stdout + "\n" + res.Stderr
	}
}
