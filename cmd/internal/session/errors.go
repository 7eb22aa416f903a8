package session

import "errors"

var (
	// ErrNoToken is returned when the request carries no session token.
	ErrNoToken = errors.New("no session token")

	// ErrSessionNotFound is returned when a token does not match any session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when the session is expired.
	ErrSessionExpired = errors.New("session expired")
)
