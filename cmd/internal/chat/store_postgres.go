// Package chat contains Parley's room/message/file domain: persistence,
// membership bookkeeping, fan-out and the websocket gateway.
package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "parley").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
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
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// CreateRoom persists a new room with created = lastActive = now.
func (s *PostgresStore) CreateRoom(ctx context.Context, in CreateRoomInput) (Room, error) {
	if s == nil || s.pool == nil {
		return Room{}, errors.New("chat: nil store")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Room{}, errors.New("empty room name")
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := NewID(now)
	if err != nil {
		return Room{}, err
	}

	rooms := pgIdent(s.schema, "rooms")
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+rooms+` (id, name, description, created, last_active)
		 VALUES ($1, $2, $3, $4, $4)`,
		id, name, strings.TrimSpace(in.Description), now,
	); err != nil {
		return Room{}, fmt.Errorf("insert room: %w", err)
	}

	return Room{ID: id, Name: name, Description: strings.TrimSpace(in.Description), Created: now, LastActive: now}, nil
}

// GetRoom returns a room by id or ErrNotFound.
func (s *PostgresStore) GetRoom(ctx context.Context, id string) (Room, error) {
	if s == nil || s.pool == nil {
		return Room{}, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	rooms := pgIdent(s.schema, "rooms")

	var r Room
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, created, last_active FROM `+rooms+` WHERE id = $1`,
		id,
	).Scan(&r.ID, &r.Name, &r.Description, &r.Created, &r.LastActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, err
	}
	return r, nil
}

// ListRooms returns all rooms ordered by creation (id ASC).
func (s *PostgresStore) ListRooms(ctx context.Context) ([]Room, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rooms := pgIdent(s.schema, "rooms")

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, created, last_active FROM `+rooms+` ORDER BY id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Created, &r.LastActive); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveRoom persists name/description changes.
func (s *PostgresStore) SaveRoom(ctx context.Context, room Room) (Room, error) {
	if s == nil || s.pool == nil {
		return Room{}, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	rooms := pgIdent(s.schema, "rooms")

	var r Room
	err := s.pool.QueryRow(ctx,
		`UPDATE `+rooms+`
		    SET name = $2, description = $3
		  WHERE id = $1
		RETURNING id, name, description, created, last_active`,
		room.ID, strings.TrimSpace(room.Name), strings.TrimSpace(room.Description),
	).Scan(&r.ID, &r.Name, &r.Description, &r.Created, &r.LastActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, err
	}
	return r, nil
}

// TouchRoom moves a room's lastActive forward.
func (s *PostgresStore) TouchRoom(ctx context.Context, id string, lastActive time.Time) (Room, error) {
	if s == nil || s.pool == nil {
		return Room{}, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	rooms := pgIdent(s.schema, "rooms")

	var r Room
	err := s.pool.QueryRow(ctx,
		`UPDATE `+rooms+`
		    SET last_active = $2
		  WHERE id = $1
		RETURNING id, name, description, created, last_active`,
		id, lastActive,
	).Scan(&r.ID, &r.Name, &r.Description, &r.Created, &r.LastActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, err
	}
	return r, nil
}

// RemoveRoom deletes a room document.
func (s *PostgresStore) RemoveRoom(ctx context.Context, id string) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rooms := pgIdent(s.schema, "rooms")

	tag, err := s.pool.Exec(ctx, `DELETE FROM `+rooms+` WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateMessage appends an immutable message.
func (s *PostgresStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if in.Room == "" || in.Text == "" {
		return Message{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := NewID(now)
	if err != nil {
		return Message{}, err
	}

	messages := pgIdent(s.schema, "messages")

	var owner any
	if in.Owner != "" {
		owner = in.Owner
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (id, room_id, owner_id, text, posted)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, in.Room, owner, in.Text, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	return Message{ID: id, Room: in.Room, Owner: in.Owner, Text: in.Text, Posted: now}, nil
}

// FindMessages returns messages newest-first bounded by the filter.
func (s *PostgresStore) FindMessages(ctx context.Context, in FindMessagesInput) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = memDefaultFindCap
	}
	if limit > memMaxFindCap {
		limit = memMaxFindCap
	}

	messages := pgIdent(s.schema, "messages")

	q := `SELECT id, room_id, COALESCE(owner_id, ''), text, posted FROM ` + messages + ` WHERE 1=1`
	args := make([]any, 0, 4)
	if in.Room != "" {
		args = append(args, in.Room)
		q += fmt.Sprintf(` AND room_id = $%d`, len(args))
	}
	if in.From != "" {
		args = append(args, in.From)
		q += fmt.Sprintf(` AND id > $%d`, len(args))
	}
	if in.Since != nil {
		args = append(args, *in.Since)
		q += fmt.Sprintf(` AND posted >= $%d`, len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY posted DESC, id DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Room, &m.Owner, &m.Text, &m.Posted); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateFile persists a file record.
func (s *PostgresStore) CreateFile(ctx context.Context, in CreateFileInput) (File, error) {
	if s == nil || s.pool == nil {
		return File{}, errors.New("chat: nil store")
	}
	name := strings.TrimSpace(in.Name)
	if in.Room == "" || name == "" || in.Type == "" || in.Size < 0 {
		return File{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return File{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := NewID(now)
	if err != nil {
		return File{}, err
	}

	files := pgIdent(s.schema, "files")
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+files+` (id, room_id, name, type, size, uploaded)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, in.Room, name, in.Type, in.Size, now,
	); err != nil {
		return File{}, fmt.Errorf("insert file: %w", err)
	}

	return File{ID: id, Room: in.Room, Name: name, Type: in.Type, Size: in.Size, Uploaded: now}, nil
}

// FindFiles returns a room's files in upload order (id ASC).
func (s *PostgresStore) FindFiles(ctx context.Context, room string) ([]File, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if room == "" {
		return nil, errors.New("missing room")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	files := pgIdent(s.schema, "files")

	rows, err := s.pool.Query(ctx,
		`SELECT id, room_id, name, type, size, uploaded FROM `+files+`
		  WHERE room_id = $1 ORDER BY id ASC`,
		room,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.Room, &f.Name, &f.Type, &f.Size, &f.Uploaded); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
