package session

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a dev/test session store. Sessions are seeded via Put.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Row     // token hash -> row
	profiles map[string]Profile // user id -> profile
}

// NewInMemoryStore constructs an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]Row),
		profiles: make(map[string]Profile),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Put seeds a session for a token valid for ttl.
func (s *InMemoryStore) Put(token string, profile Profile, ttl time.Duration) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles[profile.ID] = profile
	s.sessions[HashToken(token)] = Row{
		ID:        HashToken(token)[:16],
		TokenHash: HashToken(token),
		UserID:    profile.ID,
		Created:   now,
		ExpiresAt: now.Add(ttl),
	}
}

// Lookup returns the session and profile for a token hash.
func (s *InMemoryStore) Lookup(ctx context.Context, tokenHash string) (Row, Profile, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, Profile{}, err
	}

	s.mu.Lock()
	row, ok := s.sessions[tokenHash]
	var prof Profile
	if ok {
		prof = s.profiles[row.UserID]
	}
	s.mu.Unlock()

	if !ok {
		return Row{}, Profile{}, ErrSessionNotFound
	}
	return row, prof, nil
}
