package relay

import "errors"

var (
	// ErrNotFound indicates an unknown request id.
	ErrNotFound = errors.New("request not found")

	// ErrDuplicateRequest indicates a submit with an id that is still live.
	// The client must generate a new id.
	ErrDuplicateRequest = errors.New("duplicate request id")

	// ErrInvalidTransition indicates a status change that would regress
	// the forward-only lifecycle. This is an ordering bug, not expected
	// in normal operation.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNoWorkerAvailable indicates the worker pool is empty.
	ErrNoWorkerAvailable = errors.New("no worker available")
)
