package delta

import "errors"

var (
	// ErrMalformedVersion is returned when a delta file name carries a version
	// token that is not three non-negative integers.
	ErrMalformedVersion = errors.New("delta: malformed version")
	// ErrUnreadableDelta is returned when a delta directory or file cannot be read.
	ErrUnreadableDelta = errors.New("delta: unreadable delta")
	// ErrUnboundVariable is returned when a delta body references a variable
	// that has no binding.
	ErrUnboundVariable = errors.New("delta: unbound variable")
	// ErrInvalidTemplate is returned when a delta body cannot be parsed for
	// variable substitution.
	ErrInvalidTemplate = errors.New("delta: invalid template")
	// ErrUnregisteredProgram is returned when a .program marker has no
	// registered Program.
	ErrUnregisteredProgram = errors.New("delta: unregistered program")
)
