// Package session resolves inbound connections to user profiles.
//
// Login, registration and cookie issuance live outside this server; the only
// boundary owned here is cookie token -> session row -> profile.
package session

import (
	"context"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Profile is the durable user record referenced by chat messages.
type Profile struct {
	ID          string
	Email       string
	DisplayName string
	Joined      time.Time
}

// Row mirrors a persisted session. Tokens are never stored in the clear;
// only the blake2b hash is at rest.
type Row struct {
	ID        string
	TokenHash string
	UserID    string
	Created   time.Time
	ExpiresAt time.Time
}

// Store abstracts persistence for session state.
type Store interface {
	// Lookup returns the session row and owning profile for a token hash.
	// ErrSessionNotFound for unknown hashes.
	Lookup(ctx context.Context, tokenHash string) (Row, Profile, error)

	Close() error
}

// HashToken returns the at-rest form of a session token.
func HashToken(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
