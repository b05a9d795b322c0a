package backendenv

import (
	"log/slog"

	"github.com/giantswarm/backendenv/internal/core"
)

// SetLogger replaces the package-wide logger. Passing nil restores the
// default, which logs through slog.Default. Safe for concurrent use.
func SetLogger(logger *slog.Logger) {
	core.SetLogger(logger)
}
