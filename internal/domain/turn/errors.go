package turn

import "errors"

var (
	// ErrSessionNotFound indicates the owning session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidInput indicates invalid turn input.
	ErrInvalidInput = errors.New("invalid turn input")
)
