// Package fileutil provides filesystem helpers shared across backendenv:
// directory creation and atomic file publication (write to a temp file in
// the destination directory, fsync, then rename into place).
package fileutil
