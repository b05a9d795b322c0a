package backendenv

import "github.com/giantswarm/backendenv/internal/process"

// OutputMode selects where the backend process's stdout and stderr go.
type OutputMode = process.OutputMode

const (
	// OutputFiles writes stdout and stderr to log files inside the
	// instance's data directory. The default.
	OutputFiles = process.OutputFiles

	// OutputInherit forwards the backend's output to this process's
	// stdout and stderr.
	OutputInherit = process.OutputInherit

	// OutputDiscard drops the backend's output.
	OutputDiscard = process.OutputDiscard
)
