package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrLocked indicates a critical section already held by another run.
	ErrLocked = errors.New("resource locked")
)
