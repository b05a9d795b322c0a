// Package sentinel provides an immutable error type for sentinel error
// declarations.
//
// Sentinel errors created with errors.New are package-level variables that
// consumers can reassign. Error is a string-based error type that can be
// declared as a const, keeping sentinels truly immutable while remaining
// compatible with errors.Is through wrapped error chains.
package sentinel
