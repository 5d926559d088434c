package world

import "errors"

// ErrNotFound is returned (wrapped) by get-by-id reads and by operations whose
// referenced entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrValidation is the sentinel every ValidationError unwraps to.
var ErrValidation = errors.New("validation failed")

// ValidationError reports malformed input. It is fatal to the call that
// produced it and never leaves a partial write behind.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
