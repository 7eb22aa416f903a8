package chat

import (
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ConnContext is the immutable per-connection identity created once at
// connection-accept time and passed explicitly to every handler invocation.
//
// PresenceID is derived from the websocket session id, NOT the user id: the
// same user reconnecting gets a new presence handle. It is a display handle,
// never an authorization token.
type ConnContext struct {
	SessionID string

	UserID      string
	Email       string
	DisplayName string
	SafeName    string

	PresenceID string
	AvatarHash string
}

// NewConnContext derives the connection-scoped handles for a resolved user.
func NewConnContext(sessionID, userID, email, displayName string) ConnContext {
	return ConnContext{
		SessionID:   sessionID,
		UserID:      userID,
		Email:       email,
		DisplayName: displayName,
		SafeName:    SafeName(displayName),
		PresenceID:  HandleHash(sessionID),
		AvatarHash:  HandleHash(strings.ToLower(strings.TrimSpace(email))),
	}
}

var nonWordRE = regexp.MustCompile(`\W`)

// SafeName strips non-word characters from a display name. Used for mention
// matching on the client side.
func SafeName(displayName string) string {
	return nonWordRE.ReplaceAllString(strings.TrimSpace(displayName), "")
}

// HandleHash returns a short stable hex digest of s (blake2b-256, 16 hex chars).
func HandleHash(s string) string {
	if s == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
