package db

import "errors"

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicateRunOccurrence is returned when a run already exists for a task and due instant
	ErrDuplicateRunOccurrence = errors.New("run already exists for this occurrence")

	// ErrRunNotClaimed is returned when a conditional run transition matched no row
	ErrRunNotClaimed = errors.New("run is not in the expected state")

	// ErrOrphanedRunTimeout is recorded on runs abandoned by their executor twice
	ErrOrphanedRunTimeout = errors.New("run orphaned: no executor finished it within the stall threshold")
)
