package sessions

import "errors"

var (
	// ErrNotFound marks an unknown room or session reference.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a transition the current state does not allow.
	ErrConflict = errors.New("conflict")
	// ErrForbidden marks a caller who is not a participant of the lesson.
	ErrForbidden = errors.New("forbidden")
)
