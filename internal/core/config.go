package core

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/giantswarm/backendenv/internal/credentials"
	"github.com/giantswarm/backendenv/internal/process"
)

// ReleaseStrategy controls what happens when a pooled Instance is released
// back to the pool.
type ReleaseStrategy int

const (
	// ReleaseRestart stops the instance and removes its working directory.
	// The next Acquire constructs and spawns a fresh instance. This is the
	// safest and simplest strategy: full isolation via a fresh state file.
	// This is the default strategy.
	ReleaseRestart ReleaseStrategy = iota

	// ReleaseReuse returns the still-running instance to the pool. The next
	// Acquire reuses it, deployed code, state file, and environment
	// variables intact. Faster than ReleaseRestart (no stop/spawn/deploy
	// cycle) but previous consumer state persists.
	ReleaseReuse
)

// IsValid reports whether s is a recognized ReleaseStrategy value.
func (s ReleaseStrategy) IsValid() bool {
	switch s {
	case ReleaseRestart, ReleaseReuse:
		return true
	default:
		return false
	}
}

// String returns the name of the strategy.
func (s ReleaseStrategy) String() string {
	switch s {
	case ReleaseRestart:
		return "ReleaseRestart"
	case ReleaseReuse:
		return "ReleaseReuse"
	default:
		return fmt.Sprintf("ReleaseStrategy(%d)", int(s))
	}
}

// InstanceConfig holds configuration for Instance objects.
// All fields are immutable after construction via NewInstance.
type InstanceConfig struct {
	// Name identifies the instance; it is passed to the backend executable
	// and embedded in the derived admin key.
	Name string

	// Secret and AdminKey are caller-supplied credentials. Both empty means
	// generate; both set means use verbatim; one of the two set is invalid.
	Secret   string
	AdminKey string

	// KeyDeriver derives the admin key from name and secret when
	// credentials are generated. Nil uses the built-in derivation.
	KeyDeriver credentials.Deriver

	// Port and SiteProxyPort are the backend's listening ports. 0 means
	// allocate a free port at spawn time.
	Port          int
	SiteProxyPort int

	// DataDir is the instance's working directory. The instance owns it
	// exclusively; Stop(cleanup=true) removes it.
	DataDir string

	// ProjectDir is the caller's project directory that Deploy pushes from.
	// Required only when Deploy is used.
	ProjectDir string

	// BinaryPath, when set, is used directly as the backend executable and
	// version resolution and the download cache are skipped.
	BinaryPath string
	// BinaryName is the executable base name used to build artifact names.
	BinaryName string
	// Version pins the backend release. Empty resolves the latest release.
	Version string
	// CacheDir holds downloaded executables, shared across instances.
	CacheDir string
	// CacheTTL is the maximum artifact age before re-download.
	CacheTTL time.Duration
	// ReleaseBaseURL is the release server serving executables.
	ReleaseBaseURL string

	// DeployCommand is the external deploy CLI and its fixed leading
	// arguments. The instance URL and admin key are appended per call.
	// Required only when Deploy is used.
	DeployCommand []string
	// DeployTimeout bounds one deploy invocation.
	DeployTimeout time.Duration

	// ReadyTimeout bounds WaitForReady.
	ReadyTimeout time.Duration
	// StopTimeout bounds how long Stop waits for the exit status after the
	// kill signal.
	StopTimeout time.Duration

	// Output selects where the backend's stdout/stderr go.
	Output process.OutputMode

	// HTTPClient, when set, is used for release downloads and runtime API
	// calls. Nil uses sensible defaults.
	HTTPClient *http.Client

	// ReleaseStrategy controls pooled release behavior. Ignored for
	// standalone instances.
	ReleaseStrategy ReleaseStrategy
}

// Validate checks all InstanceConfig invariants and returns an error
// describing every violation found, joined with errors.Join.
func (c InstanceConfig) Validate() error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, errors.New("instance name must not be empty"))
	}
	if (c.Secret == "") != (c.AdminKey == "") {
		errs = append(errs, credentials.ErrPartialCredentials)
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be between 0 and 65535, got %d", c.Port))
	}
	if c.SiteProxyPort < 0 || c.SiteProxyPort > 65535 {
		errs = append(errs, fmt.Errorf("site proxy port must be between 0 and 65535, got %d", c.SiteProxyPort))
	}
	if c.Port != 0 && c.Port == c.SiteProxyPort {
		errs = append(errs, fmt.Errorf("port and site proxy port must differ, both are %d", c.Port))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data dir must not be empty"))
	}
	if c.BinaryPath == "" {
		if c.BinaryName == "" {
			errs = append(errs, errors.New("binary name must not be empty"))
		}
		if c.CacheDir == "" {
			errs = append(errs, errors.New("cache dir must not be empty"))
		}
		if c.CacheTTL <= 0 {
			errs = append(errs, fmt.Errorf("cache ttl must be greater than 0, got %s", c.CacheTTL))
		}
		if c.ReleaseBaseURL == "" {
			errs = append(errs, errors.New("release base url must not be empty"))
		}
	}
	if c.DeployTimeout <= 0 {
		errs = append(errs, fmt.Errorf("deploy timeout must be greater than 0, got %s", c.DeployTimeout))
	}
	if c.ReadyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ready timeout must be greater than 0, got %s", c.ReadyTimeout))
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stop timeout must be greater than 0, got %s", c.StopTimeout))
	}
	if !c.Output.IsValid() {
		errs = append(errs, fmt.Errorf("invalid output mode: %v", c.Output))
	}
	if !c.ReleaseStrategy.IsValid() {
		errs = append(errs, fmt.Errorf("invalid release strategy: %v", c.ReleaseStrategy))
	}

	return errors.Join(errs...)
}
