package backendenv

import "github.com/giantswarm/backendenv/internal/core"

// ReleaseStrategy controls what happens when a pooled instance is released.
type ReleaseStrategy = core.ReleaseStrategy

const (
	// ReleaseRestart stops the released instance and removes its working
	// directory; the next Acquire gets a fresh instance. Full isolation,
	// at the cost of a spawn and deploy per consumer. The default.
	ReleaseRestart = core.ReleaseRestart

	// ReleaseReuse hands the still-running instance to the next consumer,
	// deployed code and state intact. Fast, but previous consumer state
	// persists.
	ReleaseReuse = core.ReleaseReuse
)
