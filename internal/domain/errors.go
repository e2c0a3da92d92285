package domain

import "errors"

var (
	// ErrNotFound indicates the requested entity was not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates a cart already exists for the owner.
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict indicates the cart changed since it was loaded.
	ErrConflict = errors.New("version conflict")
	// ErrInvalidState indicates a stored cart violates its ownership invariants.
	ErrInvalidState = errors.New("invalid cart state")
	// ErrInvalidInput indicates a caller-supplied argument was rejected.
	ErrInvalidInput = errors.New("invalid input")
	// ErrTransient marks failures that are safe to retry end-to-end.
	ErrTransient = errors.New("transient failure")
)
