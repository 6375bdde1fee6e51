package board

import "errors"

var (
	// ErrValidation marks a malformed operation (unknown kind, missing
	// coordinates). Rejected before persistence, no side effects.
	ErrValidation = errors.New("invalid operation")
	// ErrNotFound marks an unknown room/snapshot reference.
	ErrNotFound = errors.New("not found")
)
