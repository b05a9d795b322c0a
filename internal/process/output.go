package process

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// OutputMode selects where a supervised process's stdout and stderr go.
type OutputMode int

const (
	// OutputFiles writes stdout and stderr to per-process log files inside
	// the instance's working directory. This is the default.
	OutputFiles OutputMode = iota

	// OutputInherit attaches the child's stdout and stderr to the parent
	// process's streams. Useful for interactive debugging of a backend
	// that fails to start.
	OutputInherit

	// OutputDiscard drops the child's output entirely.
	OutputDiscard
)

// IsValid reports whether m is a recognized OutputMode value.
func (m OutputMode) IsValid() bool {
	switch m {
	case OutputFiles, OutputInherit, OutputDiscard:
		return true
	default:
		return false
	}
}

// String returns the name of the output mode.
func (m OutputMode) String() string {
	switch m {
	case OutputFiles:
		return "OutputFiles"
	case OutputInherit:
		return "OutputInherit"
	case OutputDiscard:
		return "OutputDiscard"
	default:
		return fmt.Sprintf("OutputMode(%d)", int(m))
	}
}

// LogFiles manages stdout/stderr file handles for a process.
// The zero value is valid and represents "no log files open".
type LogFiles struct {
	stdoutFile *os.File
	stderrFile *os.File
	dataDir    string
	stdoutName string // e.g., "backend-stdout.log"
	stderrName string // e.g., "backend-stderr.log"
}

// create opens both log files. Handles are assigned only after both creates
// succeed, so a partial failure never leaks an open file.
func (l *LogFiles) create() error {
	stdoutFile, err := os.Create(l.StdoutPath())
	if err != nil {
		return fmt.Errorf("create stdout log: %w", err)
	}
	stderrFile, err := os.Create(l.StderrPath())
	if err != nil {
		_ = stdoutFile.Close()
		return fmt.Errorf("create stderr log: %w", err)
	}
	l.stdoutFile = stdoutFile
	l.stderrFile = stderrFile
	return nil
}

// Close closes both log file handles and nils them to prevent double-close.
func (l *LogFiles) Close() {
	if l.stdoutFile != nil {
		_ = l.stdoutFile.Close()
		l.stdoutFile = nil
	}
	if l.stderrFile != nil {
		_ = l.stderrFile.Close()
		l.stderrFile = nil
	}
}

// StdoutPath returns the absolute path to the stdout log file.
func (l *LogFiles) StdoutPath() string {
	return filepath.Join(l.dataDir, l.stdoutName)
}

// StderrPath returns the absolute path to the stderr log file.
func (l *LogFiles) StderrPath() string {
	return filepath.Join(l.dataDir, l.stderrName)
}

// NewLogFiles creates and opens log files for a process. The processName is
// used to generate file names (e.g., "backend" -> "backend-stdout.log").
func NewLogFiles(dataDir, processName string) (LogFiles, error) {
	l := LogFiles{
		dataDir:    dataDir,
		stdoutName: processName + "-stdout.log",
		stderrName: processName + "-stderr.log",
	}
	if err := l.create(); err != nil {
		return LogFiles{}, err
	}
	return l, nil
}

// StartCmd wires the command's stdout/stderr according to mode and starts it.
// In OutputFiles mode the caller owns the returned LogFiles on success; on
// failure any opened log files are closed. In the other modes the returned
// LogFiles is the zero value.
func StartCmd(cmd *exec.Cmd, dataDir, processName string, mode OutputMode) (LogFiles, error) {
	var logFiles LogFiles

	switch mode {
	case OutputFiles:
		lf, err := NewLogFiles(dataDir, processName)
		if err != nil {
			return LogFiles{}, fmt.Errorf("create %s logs: %w", processName, err)
		}
		logFiles = lf
		cmd.Stdout = lf.stdoutFile
		cmd.Stderr = lf.stderrFile
	case OutputInherit:
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	case OutputDiscard:
		// exec treats nil Stdout/Stderr as the null device.
	default:
		return LogFiles{}, fmt.Errorf("invalid output mode: %v", mode)
	}

	if err := cmd.Start(); err != nil {
		logFiles.Close()
		return LogFiles{}, fmt.Errorf("start %s process: %w", processName, err)
	}

	return logFiles, nil
}
