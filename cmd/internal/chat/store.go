package chat

import (
	"context"
	"time"
)

// Store persists rooms, messages and files.
//
// Requirements:
//   - GetRoom/SaveRoom/TouchRoom/RemoveRoom return ErrNotFound for absent ids.
//   - FindMessages returns messages newest-first (posted DESC); callers reverse
//     to chronological order for presentation.
//   - CreateMessage does not verify room existence; that check belongs to the
//     service, performed before the write.
type Store interface {
	CreateRoom(ctx context.Context, in CreateRoomInput) (Room, error)
	GetRoom(ctx context.Context, id string) (Room, error)
	ListRooms(ctx context.Context) ([]Room, error)
	SaveRoom(ctx context.Context, room Room) (Room, error)
	TouchRoom(ctx context.Context, id string, lastActive time.Time) (Room, error)
	RemoveRoom(ctx context.Context, id string) error

	CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error)
	FindMessages(ctx context.Context, in FindMessagesInput) ([]Message, error)

	CreateFile(ctx context.Context, in CreateFileInput) (File, error)
	FindFiles(ctx context.Context, room string) ([]File, error)

	Close() error
}

// CreateRoomInput describes a room creation request.
type CreateRoomInput struct {
	Name        string
	Description string
	Now         time.Time
}

// CreateMessageInput describes a message append request.
type CreateMessageInput struct {
	Room  string
	Owner string
	Text  string
	Now   time.Time
}

// FindMessagesInput bounds a history query. All fields are optional except
// Limit, which is clamped by implementations.
type FindMessagesInput struct {
	Room  string
	From  string     // exclusive lower bound on message id
	Since *time.Time // inclusive lower bound on posted
	Limit int
}

// CreateFileInput describes a file record creation request. Size is in bytes.
type CreateFileInput struct {
	Room string
	Name string
	Type string
	Size int64
	Now  time.Time
}
