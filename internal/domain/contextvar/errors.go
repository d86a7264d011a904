package contextvar

import "errors"

var (
	// ErrSessionNotFound indicates the owning session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidInput indicates invalid variable input.
	ErrInvalidInput = errors.New("invalid context input")
)
