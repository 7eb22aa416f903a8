package chat

import "sync"

// Registry tracks which connections belong to which room. It holds no room
// metadata, only identifiers; existence checks belong to the Service.
//
// Invariant: membership is symmetric — a session appears in MembersOf(r) iff
// r appears in its joined-room set.
type Registry struct {
	mu     sync.RWMutex
	byRoom map[string]map[string]struct{} // room id -> session ids
	bySess map[string]map[string]struct{} // session id -> room ids
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byRoom: make(map[string]map[string]struct{}),
		bySess: make(map[string]map[string]struct{}),
	}
}

// Join adds a session to a room's membership set. Idempotent.
func (r *Registry) Join(sessionID, roomID string) {
	if sessionID == "" || roomID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byRoom[roomID] == nil {
		r.byRoom[roomID] = make(map[string]struct{})
	}
	r.byRoom[roomID][sessionID] = struct{}{}

	if r.bySess[sessionID] == nil {
		r.bySess[sessionID] = make(map[string]struct{})
	}
	r.bySess[sessionID][roomID] = struct{}{}
}

// Leave removes a session from a room and reports whether membership was
// actually removed. Idempotent; false when the session was not a member.
func (r *Registry) Leave(sessionID, roomID string) bool {
	if sessionID == "" || roomID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.remove(sessionID, roomID)
}

// LeaveAll removes a session from every room it was a member of and returns
// the affected room ids. Called on disconnect.
func (r *Registry) LeaveAll(sessionID string) []string {
	if sessionID == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	joined := r.bySess[sessionID]
	if len(joined) == 0 {
		return nil
	}

	out := make([]string, 0, len(joined))
	for roomID := range joined {
		out = append(out, roomID)
	}
	for _, roomID := range out {
		r.remove(sessionID, roomID)
	}
	return out
}

// MembersOf returns the current session ids in a room.
func (r *Registry) MembersOf(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.byRoom[roomID]
	if len(members) == 0 {
		return nil
	}
	out := make([]string, 0, len(members))
	for s := range members {
		out = append(out, s)
	}
	return out
}

// DropRoom evicts all members of a room and returns their session ids.
// Used by room deletion so presence is gone before the document is removed.
func (r *Registry) DropRoom(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.byRoom[roomID]
	if len(members) == 0 {
		delete(r.byRoom, roomID)
		return nil
	}
	out := make([]string, 0, len(members))
	for s := range members {
		out = append(out, s)
	}
	for _, s := range out {
		r.remove(s, roomID)
	}
	return out
}

// IsMember reports whether a session is currently in a room.
func (r *Registry) IsMember(sessionID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byRoom[roomID][sessionID]
	return ok
}

// remove must be called with the write lock held. Reports whether the
// session was a member of the room.
func (r *Registry) remove(sessionID, roomID string) bool {
	removed := false
	if members, ok := r.byRoom[roomID]; ok {
		if _, was := members[sessionID]; was {
			removed = true
		}
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.byRoom, roomID)
		}
	}
	if joined, ok := r.bySess[sessionID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(r.bySess, sessionID)
		}
	}
	return removed
}
