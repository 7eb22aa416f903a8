package chat

import "time"

// Room is the canonical persisted room representation.
type Room struct {
	ID          string
	Name        string
	Description string
	Created     time.Time
	LastActive  time.Time
}

// Message is the canonical persisted message representation.
// Messages are immutable after creation.
type Message struct {
	ID     string
	Room   string
	Owner  string
	Text   string
	Posted time.Time
}

// File is the canonical persisted file record. Size is stored in bytes;
// presentation converts to kilobytes.
type File struct {
	ID       string
	Room     string
	Name     string
	Type     string
	Size     int64
	Uploaded time.Time
}
