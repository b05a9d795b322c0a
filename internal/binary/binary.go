// Package binary resolves the backend executable for the current platform,
// downloading release artifacts into a shared on-disk cache.
//
// The cache is keyed by version. Concurrent resolutions of the same version,
// from this process or another, coordinate through a per-version file lock;
// the artifact itself is published atomically so a concurrent reader never
// observes a half-written executable.
package binary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/giantswarm/backendenv/internal/fileutil"
	"github.com/giantswarm/backendenv/internal/sentinel"
)

// ErrUnavailable is the single failure category for obtaining the backend
// executable: network errors, unexpected HTTP statuses, and cache I/O
// failures all wrap it. Callers decide whether to retry.
const ErrUnavailable = sentinel.Error("could not obtain backend executable")

// DefaultCacheTTL is how long a downloaded artifact is reused before it is
// re-downloaded. Release artifacts are not expected to change under a fixed
// version, but the TTL bounds how long a corrupted or superseded artifact
// can linger in the cache.
const DefaultCacheTTL = 24 * time.Hour

// verifiedSuffix marks an artifact as fully downloaded. The stamp file's
// mtime is the cache entry's last-verified timestamp; an artifact without a
// stamp is treated as absent.
const verifiedSuffix = ".verified"

// maxLatestResponseBytes bounds the body read when resolving the latest
// version, which is expected to be a short version string.
const maxLatestResponseBytes = 256

// Config holds configuration for resolving the backend executable.
type Config struct {
	Name           string        // Executable base name (e.g., "backend")
	Path           string        // Explicit executable path; skips version resolution and the cache
	Version        string        // Pinned release version; empty resolves the latest release
	CacheDir       string        // Directory holding downloaded artifacts
	CacheTTL       time.Duration // Maximum artifact age before re-download (zero uses DefaultCacheTTL)
	ReleaseBaseURL string        // Base URL of the release server
	HTTPClient     *http.Client  // Client for release downloads (nil uses http.DefaultClient)
	Logger         *slog.Logger  // Logger for operational messages (nil uses slog.Default)
}

// logger returns the configured logger or falls back to the default.
func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// httpClient returns the configured HTTP client or the default.
func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// cacheTTL returns the configured TTL or the default.
func (c Config) cacheTTL() time.Duration {
	if c.CacheTTL > 0 {
		return c.CacheTTL
	}
	return DefaultCacheTTL
}

// validate checks that all required Config fields are set and returns an
// error describing the first missing or invalid field. An explicit Path
// needs no other field.
func (c Config) validate() error {
	if c.Path != "" {
		return nil
	}
	if c.Name == "" {
		return errors.New("executable name must not be empty")
	}
	if c.CacheDir == "" {
		return errors.New("cache dir must not be empty")
	}
	if c.ReleaseBaseURL == "" {
		return errors.New("release base url must not be empty")
	}
	return nil
}

// Resolve returns a local path to the backend executable.
//
// An explicit Config.Path is returned after an existence check, bypassing
// version resolution and the cache entirely. Otherwise the version is
// resolved (pinned or latest), and the cached artifact for it is reused when
// its last-verified stamp is younger than the TTL; a fresh cached artifact
// costs no network round trip. Stale or absent artifacts are downloaded
// under a per-version file lock and published atomically.
//
// Every failure wraps ErrUnavailable.
func Resolve(ctx context.Context, cfg Config) (string, error) {
	if err := cfg.validate(); err != nil {
		return "", fmt.Errorf("%w: invalid config: %w", ErrUnavailable, err)
	}

	if cfg.Path != "" {
		if _, err := os.Stat(cfg.Path); err != nil {
			return "", fmt.Errorf("%w: explicit executable path: %w", ErrUnavailable, err)
		}
		return cfg.Path, nil
	}

	logger := cfg.logger()

	version := cfg.Version
	if version == "" {
		resolved, err := resolveLatest(ctx, cfg)
		if err != nil {
			return "", fmt.Errorf("%w: resolve latest version: %w", ErrUnavailable, err)
		}
		logger.Debug("resolved latest release", "version", resolved)
		version = resolved
	}

	artifactPath := filepath.Join(cfg.CacheDir, version, artifactName(cfg.Name))

	// Fast path: fresh cache entry, no lock and no network.
	if isFresh(artifactPath, cfg.cacheTTL()) {
		logger.Debug("using cached executable", "path", artifactPath, "version", version)
		return artifactPath, nil
	}

	// Acquire the per-version lock so concurrent resolutions (including
	// other processes sharing the cache dir) download at most once.
	lockPath := filepath.Join(cfg.CacheDir, version+".lock")
	if err := fileutil.EnsureDirForFile(lockPath); err != nil {
		return "", fmt.Errorf("%w: prepare cache dir: %w", ErrUnavailable, err)
	}
	lock, err := acquireFileLock(ctx, lockPath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer releaseFileLock(logger, lock)

	// Re-check: another resolver may have downloaded while we waited.
	if isFresh(artifactPath, cfg.cacheTTL()) {
		logger.Debug("using cached executable (downloaded while waiting)", "path", artifactPath, "version", version)
		return artifactPath, nil
	}

	logger.Info("downloading backend executable", "version", version)
	if err := download(ctx, cfg, version, artifactPath); err != nil {
		return "", fmt.Errorf("%w: download version %s: %w", ErrUnavailable, version, err)
	}
	return artifactPath, nil
}

// artifactName returns the platform-specific artifact file name,
// e.g. "backend-linux-amd64" or "backend-windows-amd64.exe".
func artifactName(name string) string {
	n := fmt.Sprintf("%s-%s-%s", name, runtime.GOOS, runtime.GOARCH)
	if runtime.GOOS == "windows" {
		n += ".exe"
	}
	return n
}

// isFresh reports whether the artifact exists, carries a verification stamp,
// and the stamp is younger than ttl.
func isFresh(artifactPath string, ttl time.Duration) bool {
	if _, err := os.Stat(artifactPath); err != nil {
		return false
	}
	info, err := os.Stat(artifactPath + verifiedSuffix)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) < ttl
}

// resolveLatest asks the release server for the current latest version. The
// response body is the bare version string.
func resolveLatest(ctx context.Context, cfg Config) (string, error) {
	url := cfg.ReleaseBaseURL + "/latest"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := cfg.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get %s: unexpected status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLatestResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	version := strings.TrimSpace(string(body))
	if version == "" {
		return "", fmt.Errorf("get %s: empty version in response", url)
	}
	return version, nil
}

// download fetches the artifact for version and publishes it at artifactPath
// with executable permissions, then writes the verification stamp. The
// artifact is streamed through an atomic write so a concurrent reader on
// the fast path never sees partial contents; the stamp is written last, so
// a crash mid-download leaves an unstamped (ignored) artifact.
func download(ctx context.Context, cfg Config, version, artifactPath string) error {
	url := fmt.Sprintf("%s/%s/%s", cfg.ReleaseBaseURL, version, filepath.Base(artifactPath))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := cfg.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: unexpected status %d", url, resp.StatusCode)
	}

	if err := fileutil.WriteAtomic(artifactPath, resp.Body, 0o755); err != nil {
		return fmt.Errorf("publish executable: %w", err)
	}
	if err := fileutil.WriteAtomic(artifactPath+verifiedSuffix, strings.NewReader(version+"\n"), 0o644); err != nil {
		return fmt.Errorf("write verification stamp: %w", err)
	}
	return nil
}
