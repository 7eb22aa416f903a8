package session

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore reads sessions and profiles via parley.sessions / parley.users.
//
// Ownership model: the pool belongs to the caller; Close() is a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures PostgresStore behavior.
type StoreOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the session store (default: "parley").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("session: empty schema")
		}
		if !identRE.MatchString(schema) {
			return errors.New("session: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a session store backed by PostgreSQL.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "parley",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("session: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Lookup returns the session and profile for a token hash.
func (s *PostgresStore) Lookup(ctx context.Context, tokenHash string) (Row, Profile, error) {
	if s == nil || s.pool == nil {
		return Row{}, Profile{}, errors.New("session: nil store")
	}
	if tokenHash == "" {
		return Row{}, Profile{}, ErrSessionNotFound
	}
	if err := ctx.Err(); err != nil {
		return Row{}, Profile{}, err
	}

	sessions := pgx.Identifier{s.schema, "sessions"}.Sanitize()
	users := pgx.Identifier{s.schema, "users"}.Sanitize()

	var (
		row  Row
		prof Profile
	)
	err := s.pool.QueryRow(ctx,
		`SELECT s.id, s.token_hash, s.user_id, s.created, s.expires_at,
		        u.id, u.email, u.display_name, u.joined
		   FROM `+sessions+` s
		   JOIN `+users+` u ON u.id = s.user_id
		  WHERE s.token_hash = $1`,
		tokenHash,
	).Scan(
		&row.ID, &row.TokenHash, &row.UserID, &row.Created, &row.ExpiresAt,
		&prof.ID, &prof.Email, &prof.DisplayName, &prof.Joined,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, Profile{}, ErrSessionNotFound
	}
	if err != nil {
		return Row{}, Profile{}, err
	}
	return row, prof, nil
}

var identRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
