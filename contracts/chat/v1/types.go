// Package v1 defines the Parley chat wire contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeRoomsCreate requests creation of a new room (client -> server).
	TypeRoomsCreate = "rooms:create"
	// TypeRoomsGet requests the full room list (client -> server).
	TypeRoomsGet = "rooms:get"
	// TypeRoomsJoin joins a room (client -> server); the reply carries room metadata.
	TypeRoomsJoin = "rooms:join"
	// TypeRoomsLeave leaves a room (client -> server).
	TypeRoomsLeave = "rooms:leave"
	// TypeRoomsUpdate updates room name/description (client -> server).
	TypeRoomsUpdate = "rooms:update"
	// TypeRoomsDelete deletes a room (client -> server).
	TypeRoomsDelete = "rooms:delete"

	// TypeMessagesNew is both the send request (client -> server) and the
	// broadcast of an accepted message (server -> room members).
	TypeMessagesNew = "messages:new"
	// TypeMessagesGet requests message history (client -> server).
	TypeMessagesGet = "messages:get"
	// TypeMessagesHistory returns a history window (server -> client).
	TypeMessagesHistory = "messages:history"

	// TypeUsersGet requests the member list of a room (client -> server).
	TypeUsersGet = "users:get"
	// TypeUsersNew announces a present user (server -> client / room members).
	TypeUsersNew = "users:new"
	// TypeUsersLeave announces a departed user (server -> room members).
	TypeUsersLeave = "users:leave"

	// TypeFilesGet requests the file list of a room (client -> server).
	TypeFilesGet = "files:get"
	// TypeFilesNew announces an uploaded file (server -> client / room members).
	TypeFilesNew = "files:new"

	// TypeRoomsNew announces a room, either newly created (server -> everyone)
	// or as one item of a rooms:get reply (server -> caller).
	TypeRoomsNew = "rooms:new"
	// TypeRoomsRemove announces room removal to everyone (for list cleanup).
	TypeRoomsRemove = "rooms:remove"
	// TypeRoomRemove announces room removal to the room's own members.
	TypeRoomRemove = "room:remove"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
//
// Replies to request/response operations set ReplyTo to the request envelope
// id; broadcasts leave it empty.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeRoomsCreate,
		TypeRoomsGet,
		TypeRoomsJoin,
		TypeRoomsLeave,
		TypeRoomsUpdate,
		TypeRoomsDelete,
		TypeRoomsNew,
		TypeRoomsRemove,
		TypeRoomRemove,
		TypeMessagesNew,
		TypeMessagesGet,
		TypeMessagesHistory,
		TypeUsersGet,
		TypeUsersNew,
		TypeUsersLeave,
		TypeFilesGet,
		TypeFilesNew,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// RoomCreatePayload requests a new room.
type RoomCreatePayload struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// RoomJoinPayload requests membership in a room.
type RoomJoinPayload struct {
	ID string `json:"id"`
}

// RoomLeavePayload leaves a room.
type RoomLeavePayload struct {
	ID string `json:"id"`
}

// RoomUpdatePayload updates room metadata.
type RoomUpdatePayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// RoomDeletePayload deletes a room.
type RoomDeletePayload struct {
	ID string `json:"id"`
}

// RoomPayload is the canonical outbound room shape (rooms:new, rooms:update replies).
type RoomPayload struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	LastActive  time.Time `json:"last_active"`
	Created     time.Time `json:"created"`
}

// RoomTouchPayload is the lightweight rooms:update broadcast sent to everyone
// when a room's lastActive moves, so list views can re-sort without joining.
type RoomTouchPayload struct {
	ID         string    `json:"id"`
	LastActive time.Time `json:"last_active"`
}

// RoomRemovePayload announces room removal (room:remove and rooms:remove).
type RoomRemovePayload struct {
	ID string `json:"id"`
}

// MessageSendPayload requests posting a message into a room.
type MessageSendPayload struct {
	Room string `json:"room"`
	Text string `json:"text"`
}

// MessagePayload is the composed outbound message shape.
type MessagePayload struct {
	ID       string    `json:"id"`
	Room     string    `json:"room"`
	Text     string    `json:"text"`
	Posted   time.Time `json:"posted"`
	Owner    string    `json:"owner,omitempty"`
	Name     string    `json:"name,omitempty"`
	SafeName string    `json:"safe_name,omitempty"`
	Avatar   string    `json:"avatar,omitempty"`
}

// MessagesGetPayload requests message history, all bounds optional.
type MessagesGetPayload struct {
	Room  string     `json:"room,omitempty"`
	From  string     `json:"from,omitempty"`
	Since *time.Time `json:"since,omitempty"`
}

// MessagesHistoryPayload returns messages in chronological order.
type MessagesHistoryPayload struct {
	Messages []MessagePayload `json:"messages"`
}

// UsersGetPayload requests the member list of a room.
type UsersGetPayload struct {
	Room string `json:"room"`
}

// UserPayload describes a present user by connection-scoped handles.
type UserPayload struct {
	Room     string `json:"room"`
	Presence string `json:"presence"`
	Name     string `json:"name,omitempty"`
	SafeName string `json:"safe_name,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// FilesGetPayload requests the file list of a room.
type FilesGetPayload struct {
	Room string `json:"room"`
}

// FilePayload describes an uploaded file. Size is in kilobytes for display.
type FilePayload struct {
	ID       string    `json:"id"`
	Room     string    `json:"room"`
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Size     int64     `json:"size"`
	URL      string    `json:"url"`
	Uploaded time.Time `json:"uploaded"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes returned on the ack channel.
const (
	ErrCodeInvalidInput     = "invalid_input"
	ErrCodeNotFound         = "not_found"
	ErrCodeStoreUnavailable = "store_unavailable"
	ErrCodeBadEnvelope      = "bad_envelope"
	ErrCodeBadJSON          = "bad_json"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodeUnsupported      = "unsupported"
)
