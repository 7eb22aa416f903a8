package chat

import "errors"

var (
	// ErrInvalidInput is returned when a request payload fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a room, message or file does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable is returned when the persistence layer fails.
	ErrStoreUnavailable = errors.New("store unavailable")
)
