package chat

import v1 "parley/contracts/chat/v1"

// Broadcaster is the fan-out boundary of the Service. The Hub implements it
// against live websocket sessions; tests substitute a recording double.
type Broadcaster interface {
	// ToAll delivers an envelope to every connected session.
	ToAll(env v1.Envelope)

	// ToRoom delivers an envelope to the members of a room, optionally
	// excluding one session (the acting caller).
	ToRoom(roomID string, env v1.Envelope, excludeSession string)

	// ToConn delivers an envelope to a single session.
	ToConn(sessionID string, env v1.Envelope)
}
