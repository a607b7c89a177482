package vfs

import "errors"

// Sentinel errors for the node store and overlay dispatch.
// Check with errors.Is for specific handling.
var (
	// ErrNotFound indicates a path does not exist.
	ErrNotFound = errors.New("path not found")

	// ErrNotAFile indicates the operation requires a file.
	ErrNotAFile = errors.New("not a file")

	// ErrNotADirectory indicates the operation requires a directory.
	ErrNotADirectory = errors.New("not a directory")

	// ErrAlreadyExists indicates a destination collision.
	ErrAlreadyExists = errors.New("path already exists")

	// ErrNotEmpty indicates a non-recursive remove on a populated directory.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrReadOnly indicates a write against a read-only virtual subtree.
	ErrReadOnly = errors.New("read-only virtual path")
)
