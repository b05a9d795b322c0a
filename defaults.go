package backendenv

import (
	"os"
	"path/filepath"
	"time"

	"github.com/giantswarm/backendenv/internal/binary"
	"github.com/giantswarm/backendenv/internal/deploy"
	"github.com/giantswarm/backendenv/internal/process"
)

// Defaults applied by New and NewPool for settings not overridden by
// options.
const (
	// DefaultPort is the backend's main service port when WithPort is not
	// given. Pooled instances ignore it and allocate free ports instead.
	DefaultPort = 3210

	// DefaultSiteProxyPort is the backend's site-proxy port when
	// WithSiteProxyPort is not given. Pooled instances ignore it.
	DefaultSiteProxyPort = 3211

	// DefaultBinaryName is the backend executable's base name, used to
	// build release artifact names.
	DefaultBinaryName = "backend"

	// DefaultCacheTTL is how long a cached executable is trusted before it
	// is re-downloaded.
	DefaultCacheTTL = binary.DefaultCacheTTL

	// DefaultReadyTimeout bounds how long WaitForReady polls the liveness
	// endpoint.
	DefaultReadyTimeout = 30 * time.Second

	// DefaultDeployTimeout bounds one deploy command invocation.
	DefaultDeployTimeout = deploy.DefaultTimeout

	// DefaultStopTimeout bounds how long Stop waits for the exit status
	// after the kill signal.
	DefaultStopTimeout = process.DefaultStopTimeout

	// DefaultPoolSize is the number of instances a pool manages when
	// WithPoolSize is not given.
	DefaultPoolSize = 4
)

// defaultBaseDir is the parent for generated data directories.
func defaultBaseDir() string {
	return filepath.Join(os.TempDir(), "backendenv")
}

// defaultCacheDir is where downloaded executables are cached, shared
// between instances and across processes.
func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "backendenv")
	}
	return filepath.Join(os.TempDir(), "backendenv-cache")
}
