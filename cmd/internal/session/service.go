package session

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"parley/cmd/internal/chat"
)

const (
	defaultCookieName    = "parley.sid"
	defaultLookupTimeout = 3 * time.Second
)

// Config carries the session resolution tunables.
type Config struct {
	// CookieName is the session cookie key set by the external login surface.
	CookieName string

	// LookupTimeout bounds the store lookup per connection attempt.
	LookupTimeout time.Duration
}

// LoadConfigFromEnv reads Config from environment variables with defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		CookieName:    defaultCookieName,
		LookupTimeout: defaultLookupTimeout,
	}
	if v := strings.TrimSpace(os.Getenv("PARLEY_SESSION_COOKIE")); v != "" {
		cfg.CookieName = v
	}
	if v := strings.TrimSpace(os.Getenv("PARLEY_SESSION_LOOKUP_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.LookupTimeout = d
		}
	}
	return cfg
}

// Service resolves connection attempts to user profiles. It implements
// chat.IdentityResolver.
type Service struct {
	log   *slog.Logger
	store Store
	cfg   Config
}

// NewService constructs a session resolution service.
func NewService(log *slog.Logger, store Store, cfg Config) *Service {
	if cfg.CookieName == "" {
		cfg.CookieName = defaultCookieName
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = defaultLookupTimeout
	}
	return &Service{log: log, store: store, cfg: cfg}
}

// Resolve maps an upgrade request to a user profile. Failure rejects the
// connection attempt; there is no anonymous fallback.
func (s *Service) Resolve(ctx context.Context, r *http.Request) (chat.Identity, error) {
	token := s.token(r)
	if token == "" {
		return chat.Identity{}, ErrNoToken
	}

	lctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()

	row, prof, err := s.store.Lookup(lctx, HashToken(token))
	if err != nil {
		return chat.Identity{}, err
	}
	if !row.ExpiresAt.IsZero() && row.ExpiresAt.Before(time.Now().UTC()) {
		return chat.Identity{}, ErrSessionExpired
	}

	return chat.Identity{
		UserID:      prof.ID,
		Email:       prof.Email,
		DisplayName: prof.DisplayName,
	}, nil
}

// token extracts the session token from the cookie or, for non-browser
// clients, a bearer header.
func (s *Service) token(r *http.Request) string {
	if c, err := r.Cookie(s.cfg.CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}
