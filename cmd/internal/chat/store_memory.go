package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	memMaxMessages    = 100_000
	memDefaultFindCap = 500
	memMaxFindCap     = 1000
)

// InMemoryStore is a dev-only fallback when DB is not configured.
// It implements the full Store contract and is also the unit-test store.
type InMemoryStore struct {
	mu       sync.Mutex
	rooms    map[string]Room
	messages []Message
	files    map[string][]File // room id -> files, upload order
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rooms: make(map[string]Room),
		files: make(map[string][]File),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// CreateRoom persists a new room with created = lastActive = now.
func (s *InMemoryStore) CreateRoom(ctx context.Context, in CreateRoomInput) (Room, error) {
	if strings.TrimSpace(in.Name) == "" {
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

	room := Room{
		ID:          id,
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		Created:     now,
		LastActive:  now,
	}

	s.mu.Lock()
	s.rooms[room.ID] = room
	s.mu.Unlock()

	return room, nil
}

// GetRoom returns a room by id or ErrNotFound.
func (s *InMemoryStore) GetRoom(ctx context.Context, id string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	s.mu.Lock()
	room, ok := s.rooms[id]
	s.mu.Unlock()

	if !ok {
		return Room{}, ErrNotFound
	}
	return room, nil
}

// ListRooms returns all rooms ordered by creation (id ASC).
func (s *InMemoryStore) ListRooms(ctx context.Context) ([]Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveRoom persists name/description changes. Created and LastActive are not
// writable through this path.
func (s *InMemoryStore) SaveRoom(ctx context.Context, room Room) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.rooms[room.ID]
	if !ok {
		return Room{}, ErrNotFound
	}

	cur.Name = strings.TrimSpace(room.Name)
	cur.Description = strings.TrimSpace(room.Description)
	s.rooms[room.ID] = cur
	return cur, nil
}

// TouchRoom moves a room's lastActive forward.
func (s *InMemoryStore) TouchRoom(ctx context.Context, id string, lastActive time.Time) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.rooms[id]
	if !ok {
		return Room{}, ErrNotFound
	}

	cur.LastActive = lastActive
	s.rooms[id] = cur
	return cur, nil
}

// RemoveRoom deletes a room document.
func (s *InMemoryStore) RemoveRoom(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[id]; !ok {
		return ErrNotFound
	}
	delete(s.rooms, id)
	return nil
}

// CreateMessage appends an immutable message.
func (s *InMemoryStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
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

	msg := Message{
		ID:     id,
		Room:   in.Room,
		Owner:  in.Owner,
		Text:   in.Text,
		Posted: now,
	}

	s.mu.Lock()
	s.messages = append(s.messages, msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(s.messages) > memMaxMessages {
		s.messages = s.messages[len(s.messages)-memMaxMessages:]
	}
	s.mu.Unlock()

	return msg, nil
}

// FindMessages returns messages newest-first bounded by the filter.
func (s *InMemoryStore) FindMessages(ctx context.Context, in FindMessagesInput) ([]Message, error) {
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

	s.mu.Lock()
	snap := append([]Message(nil), s.messages...)
	s.mu.Unlock()

	out := make([]Message, 0, len(snap))
	for _, m := range snap {
		if in.Room != "" && m.Room != in.Room {
			continue
		}
		if in.From != "" && m.ID <= in.From {
			continue
		}
		if in.Since != nil && m.Posted.Before(*in.Since) {
			continue
		}
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Posted.Equal(out[j].Posted) {
			return out[i].ID > out[j].ID
		}
		return out[i].Posted.After(out[j].Posted)
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateFile persists a file record.
func (s *InMemoryStore) CreateFile(ctx context.Context, in CreateFileInput) (File, error) {
	if in.Room == "" || strings.TrimSpace(in.Name) == "" || in.Type == "" || in.Size < 0 {
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

	f := File{
		ID:       id,
		Room:     in.Room,
		Name:     strings.TrimSpace(in.Name),
		Type:     in.Type,
		Size:     in.Size,
		Uploaded: now,
	}

	s.mu.Lock()
	s.files[f.Room] = append(s.files[f.Room], f)
	s.mu.Unlock()

	return f, nil
}

// FindFiles returns a room's files in upload order.
func (s *InMemoryStore) FindFiles(ctx context.Context, room string) ([]File, error) {
	if room == "" {
		return nil, errors.New("missing room")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := append([]File(nil), s.files[room]...)
	s.mu.Unlock()

	return out, nil
}
