package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	// ErrInvalidThreadID is returned when a thread id does not match the allowed format.
	ErrInvalidThreadID = errors.New("domain: invalid thread id") //nolint:gochecknoglobals // sentinel error
)
