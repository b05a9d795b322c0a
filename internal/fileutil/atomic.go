package fileutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/giantswarm/backendenv/internal/sentinel"
)

// ErrEmptyDst is returned when a destination path is empty.
const ErrEmptyDst = sentinel.Error("destination path must not be empty")

// WriteAtomic streams r into dst so that no reader ever observes a
// partially-written file. Data is written to a temporary file in the same
// directory as dst (rename is only atomic within one filesystem), chmod'd to
// mode, fsync'd, and then renamed over dst. Parent directories are created
// as needed.
//
// On any failure the temporary file is removed and dst is left untouched,
// so a previously published file at dst survives a failed rewrite.
func WriteAtomic(dst string, r io.Reader, mode os.FileMode) (retErr error) {
	if dst == "" {
		return ErrEmptyDst
	}

	if err := EnsureDirForFile(dst); err != nil {
		return fmt.Errorf("prepare destination: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-publish-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if retErr != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write: %w", err)
	}

	// Fsync before rename so a crash cannot leave the published name
	// pointing at incomplete contents.
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("rename temp file to destination: %w", err)
	}
	return nil
}
