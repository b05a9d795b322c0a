package backendenv

import (
	"fmt"
	"net/http"
	"time"

	"github.com/giantswarm/backendenv/internal/core"
	"github.com/giantswarm/backendenv/internal/credentials"
)

// KeyDeriver derives an admin key from an instance name and secret.
type KeyDeriver = credentials.Deriver

// config collects everything New and NewPool need. The zero value is not
// usable; newConfig fills in defaults and options override them.
type config struct {
	core core.InstanceConfig

	poolSize       int
	acquireTimeout time.Duration
}

func newConfig() config {
	return config{
		core: core.InstanceConfig{
			Port:          DefaultPort,
			SiteProxyPort: DefaultSiteProxyPort,
			BinaryName:    DefaultBinaryName,
			CacheDir:      defaultCacheDir(),
			CacheTTL:      DefaultCacheTTL,
			DeployTimeout: DefaultDeployTimeout,
			ReadyTimeout:  DefaultReadyTimeout,
			StopTimeout:   DefaultStopTimeout,
			Output:        OutputFiles,
		},
		poolSize: DefaultPoolSize,
	}
}

// Option configures New and NewPool. Options validate their arguments
// eagerly and panic on programmer errors such as a negative timeout.
type Option func(*config)

func requireNonEmpty(name, value string) {
	if value == "" {
		panic(fmt.Sprintf("backendenv: %s must not be empty", name))
	}
}

func requirePositive[T int | time.Duration](name string, value T) {
	if value <= 0 {
		panic(fmt.Sprintf("backendenv: %s must be positive, got %v", name, value))
	}
}

func requirePort(name string, port int) {
	if port <= 0 || port > 65535 {
		panic(fmt.Sprintf("backendenv: %s must be between 1 and 65535, got %d", name, port))
	}
}

// WithName sets the instance name. Without it, a unique name is generated.
func WithName(name string) Option {
	requireNonEmpty("name", name)
	return func(c *config) { c.core.Name = name }
}

// WithCredentials supplies the instance secret and admin key verbatim,
// bypassing generation and derivation. Both must be given; supplying only
// one of the two makes New fail with ErrPartialCredentials.
func WithCredentials(secret, adminKey string) Option {
	return func(c *config) {
		c.core.Secret = secret
		c.core.AdminKey = adminKey
	}
}

// WithKeyDeriver replaces the built-in admin key derivation used when
// credentials are generated.
func WithKeyDeriver(derive KeyDeriver) Option {
	if derive == nil {
		panic("backendenv: key deriver must not be nil")
	}
	return func(c *config) { c.core.KeyDeriver = derive }
}

// WithPort overrides the backend's main service port (DefaultPort without
// it). Pooled instances ignore the port and allocate a free one per slot.
func WithPort(port int) Option {
	requirePort("port", port)
	return func(c *config) { c.core.Port = port }
}

// WithSiteProxyPort overrides the backend's site-proxy port
// (DefaultSiteProxyPort without it). Pooled instances ignore it.
func WithSiteProxyPort(port int) Option {
	requirePort("site proxy port", port)
	return func(c *config) { c.core.SiteProxyPort = port }
}

// WithDataDir sets the instance's working directory. Without it a directory
// under the system temp dir is used. The instance owns the directory
// exclusively and Stop(cleanup=true) removes it.
func WithDataDir(dir string) Option {
	requireNonEmpty("data dir", dir)
	return func(c *config) { c.core.DataDir = dir }
}

// WithProjectDir sets the project directory Deploy pushes from. Required
// when Deploy is used.
func WithProjectDir(dir string) Option {
	requireNonEmpty("project dir", dir)
	return func(c *config) { c.core.ProjectDir = dir }
}

// WithBinaryPath uses an existing backend executable directly, skipping
// version resolution, download, and the cache.
func WithBinaryPath(path string) Option {
	requireNonEmpty("binary path", path)
	return func(c *config) { c.core.BinaryPath = path }
}

// WithBinaryName overrides the executable base name used to build release
// artifact names.
func WithBinaryName(name string) Option {
	requireNonEmpty("binary name", name)
	return func(c *config) { c.core.BinaryName = name }
}

// WithVersion pins the backend release version. Without it the latest
// release is resolved at spawn time.
func WithVersion(version string) Option {
	requireNonEmpty("version", version)
	return func(c *config) { c.core.Version = version }
}

// WithCacheDir overrides where downloaded executables are cached.
func WithCacheDir(dir string) Option {
	requireNonEmpty("cache dir", dir)
	return func(c *config) { c.core.CacheDir = dir }
}

// WithCacheTTL overrides how long a cached executable is trusted before
// re-download.
func WithCacheTTL(ttl time.Duration) Option {
	requirePositive("cache ttl", ttl)
	return func(c *config) { c.core.CacheTTL = ttl }
}

// WithReleaseBaseURL sets the release server executables are downloaded
// from. Required unless WithBinaryPath is given.
func WithReleaseBaseURL(url string) Option {
	requireNonEmpty("release base url", url)
	return func(c *config) { c.core.ReleaseBaseURL = url }
}

// WithDeployCommand sets the external deploy CLI and its fixed leading
// arguments. The instance URL and admin key are appended on every Deploy.
func WithDeployCommand(command ...string) Option {
	if len(command) == 0 {
		panic("backendenv: deploy command must not be empty")
	}
	requireNonEmpty("deploy command executable", command[0])
	return func(c *config) { c.core.DeployCommand = command }
}

// WithDeployTimeout bounds one deploy command invocation.
func WithDeployTimeout(timeout time.Duration) Option {
	requirePositive("deploy timeout", timeout)
	return func(c *config) { c.core.DeployTimeout = timeout }
}

// WithReadyTimeout bounds how long WaitForReady polls the backend's
// liveness endpoint.
func WithReadyTimeout(timeout time.Duration) Option {
	requirePositive("ready timeout", timeout)
	return func(c *config) { c.core.ReadyTimeout = timeout }
}

// WithStopTimeout bounds how long Stop waits for the exit status after the
// kill signal.
func WithStopTimeout(timeout time.Duration) Option {
	requirePositive("stop timeout", timeout)
	return func(c *config) { c.core.StopTimeout = timeout }
}

// WithOutput selects where the backend process's stdout and stderr go.
func WithOutput(mode OutputMode) Option {
	if !mode.IsValid() {
		panic(fmt.Sprintf("backendenv: invalid output mode: %v", mode))
	}
	return func(c *config) { c.core.Output = mode }
}

// WithHTTPClient replaces the HTTP client used for release downloads and
// runtime API calls.
func WithHTTPClient(client *http.Client) Option {
	if client == nil {
		panic("backendenv: http client must not be nil")
	}
	return func(c *config) { c.core.HTTPClient = client }
}

// WithReleaseStrategy sets how pooled instances are recycled on Release.
// Ignored by New.
func WithReleaseStrategy(strategy ReleaseStrategy) Option {
	if !strategy.IsValid() {
		panic(fmt.Sprintf("backendenv: invalid release strategy: %v", strategy))
	}
	return func(c *config) { c.core.ReleaseStrategy = strategy }
}

// WithPoolSize sets how many instances a pool manages. Ignored by New.
func WithPoolSize(size int) Option {
	requirePositive("pool size", size)
	return func(c *config) { c.poolSize = size }
}

// WithAcquireTimeout bounds how long Pool.Acquire waits for a free
// instance, on top of the caller's context. Zero (the default) means the
// caller's context alone bounds the wait. Ignored by New.
func WithAcquireTimeout(timeout time.Duration) Option {
	requirePositive("acquire timeout", timeout)
	return func(c *config) { c.acquireTimeout = timeout }
}
