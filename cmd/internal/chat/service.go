package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	v1 "parley/contracts/chat/v1"
)

const (
	// History window applied to messages:get when no bound is supplied.
	defaultHistoryWindow = 7 * 24 * time.Hour

	// Deadline applied to every persistence call.
	defaultStoreTimeout = 5 * time.Second
)

// PresenceResolver resolves a live session to its connection context.
// The Hub implements it; tests substitute a map-backed double.
type PresenceResolver interface {
	ConnContext(sessionID string) (ConnContext, bool)
}

// ServiceConfig carries the service's tunables.
type ServiceConfig struct {
	// StoreTimeout bounds each persistence call. Zero means the default.
	StoreTimeout time.Duration

	// HistoryWindow is the default messages:get lookback. Zero means 7 days.
	HistoryWindow time.Duration

	// S3Bucket/S3Region select remote-storage file URLs when both are set;
	// otherwise file URLs point at the local /files/ path.
	S3Bucket string
	S3Region string
}

// Service is the chat orchestration layer: it validates and shapes requests,
// invokes persistence, and decides fan-out scope per event type.
//
// Failures are typed (ErrInvalidInput, ErrNotFound, ErrStoreUnavailable) and
// returned to the caller; one failed request never affects other sessions.
type Service struct {
	log      *slog.Logger
	store    Store
	registry *Registry
	bcast    Broadcaster
	presence PresenceResolver
	metrics  *Metrics
	cfg      ServiceConfig
}

// NewService constructs the chat service.
func NewService(log *slog.Logger, store Store, registry *Registry, bcast Broadcaster, presence PresenceResolver, metrics *Metrics, cfg ServiceConfig) *Service {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	return &Service{
		log:      log,
		store:    store,
		registry: registry,
		bcast:    bcast,
		presence: presence,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// RoomCreate persists a new room and announces it to everyone, creator included.
func (s *Service) RoomCreate(ctx context.Context, cc ConnContext, p v1.RoomCreatePayload) (v1.RoomPayload, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return v1.RoomPayload{}, fmt.Errorf("%w: empty room name", ErrInvalidInput)
	}
	if len([]rune(name)) > maxRoomNameChars {
		return v1.RoomPayload{}, fmt.Errorf("%w: room name too long", ErrInvalidInput)
	}
	if len([]rune(p.Description)) > maxRoomDescChars {
		return v1.RoomPayload{}, fmt.Errorf("%w: description too long", ErrInvalidInput)
	}

	now := time.Now().UTC()

	sctx, cancel := s.storeCtx(ctx)
	room, err := s.store.CreateRoom(sctx, CreateRoomInput{Name: name, Description: p.Description, Now: now})
	cancel()
	if err != nil {
		return v1.RoomPayload{}, s.storeErr("room.create", err)
	}

	out := roomPayload(room)
	s.emitToAll(v1.TypeRoomsNew, out, now)

	s.log.Info("service.room.create", "room_id", room.ID, "session_id", cc.SessionID)
	return out, nil
}

// RoomList returns all rooms for a rooms:get reply, one payload per room.
func (s *Service) RoomList(ctx context.Context, cc ConnContext) ([]v1.RoomPayload, error) {
	sctx, cancel := s.storeCtx(ctx)
	rooms, err := s.store.ListRooms(sctx)
	cancel()
	if err != nil {
		return nil, s.storeErr("room.list", err)
	}

	out := make([]v1.RoomPayload, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, roomPayload(r))
	}
	return out, nil
}

// RoomJoin verifies the room exists, registers membership, announces presence
// to the room, and returns room metadata for the caller's ack.
func (s *Service) RoomJoin(ctx context.Context, cc ConnContext, roomID string) (v1.RoomPayload, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return v1.RoomPayload{}, fmt.Errorf("%w: missing room id", ErrInvalidInput)
	}

	sctx, cancel := s.storeCtx(ctx)
	room, err := s.store.GetRoom(sctx, roomID)
	cancel()
	if err != nil {
		return v1.RoomPayload{}, s.storeErr("room.join", err)
	}

	s.registry.Join(cc.SessionID, room.ID)

	now := time.Now().UTC()
	s.emitToRoom(room.ID, v1.TypeUsersNew, v1.UserPayload{
		Room:     room.ID,
		Presence: cc.PresenceID,
		Name:     cc.DisplayName,
		SafeName: cc.SafeName,
		Avatar:   cc.AvatarHash,
	}, now, cc.SessionID)

	s.log.Info("service.room.join", "room_id", room.ID, "session_id", cc.SessionID)
	return roomPayload(room), nil
}

// RoomLeave deregisters membership and announces the departure to the room.
// Leaving a room the caller never joined is a silent no-op: no departure is
// announced for a member that was never present.
func (s *Service) RoomLeave(ctx context.Context, cc ConnContext, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return fmt.Errorf("%w: missing room id", ErrInvalidInput)
	}

	if !s.registry.Leave(cc.SessionID, roomID) {
		return nil
	}

	now := time.Now().UTC()
	s.emitToRoom(roomID, v1.TypeUsersLeave, v1.UserPayload{
		Room:     roomID,
		Presence: cc.PresenceID,
		Name:     cc.DisplayName,
		SafeName: cc.SafeName,
	}, now, cc.SessionID)

	s.log.Info("service.room.leave", "room_id", roomID, "session_id", cc.SessionID)
	return nil
}

// RoomUpdate mutates name/description and announces the room to everyone.
func (s *Service) RoomUpdate(ctx context.Context, cc ConnContext, p v1.RoomUpdatePayload) (v1.RoomPayload, error) {
	if strings.TrimSpace(p.ID) == "" {
		return v1.RoomPayload{}, fmt.Errorf("%w: missing room id", ErrInvalidInput)
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return v1.RoomPayload{}, fmt.Errorf("%w: empty room name", ErrInvalidInput)
	}
	if len([]rune(name)) > maxRoomNameChars {
		return v1.RoomPayload{}, fmt.Errorf("%w: room name too long", ErrInvalidInput)
	}
	if len([]rune(p.Description)) > maxRoomDescChars {
		return v1.RoomPayload{}, fmt.Errorf("%w: description too long", ErrInvalidInput)
	}

	sctx, cancel := s.storeCtx(ctx)
	room, err := s.store.SaveRoom(sctx, Room{ID: strings.TrimSpace(p.ID), Name: name, Description: p.Description})
	cancel()
	if err != nil {
		return v1.RoomPayload{}, s.storeErr("room.update", err)
	}

	out := roomPayload(room)
	s.emitToAll(v1.TypeRoomsUpdate, out, time.Now().UTC())

	s.log.Info("service.room.update", "room_id", room.ID, "session_id", cc.SessionID)
	return out, nil
}

// RoomDelete notifies the room's members, then everyone, evicts presence, and
// only then removes the persisted document. Clients are informed before the
// room is gone.
func (s *Service) RoomDelete(ctx context.Context, cc ConnContext, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return fmt.Errorf("%w: missing room id", ErrInvalidInput)
	}

	sctx, cancel := s.storeCtx(ctx)
	room, err := s.store.GetRoom(sctx, roomID)
	cancel()
	if err != nil {
		return s.storeErr("room.delete", err)
	}

	now := time.Now().UTC()
	removed := v1.RoomRemovePayload{ID: room.ID}

	s.emitToRoom(room.ID, v1.TypeRoomRemove, removed, now, "")
	s.emitToAll(v1.TypeRoomsRemove, removed, now)
	s.registry.DropRoom(room.ID)

	sctx, cancel = s.storeCtx(ctx)
	err = s.store.RemoveRoom(sctx, room.ID)
	cancel()
	if err != nil {
		return s.storeErr("room.delete", err)
	}

	s.log.Info("service.room.delete", "room_id", room.ID, "session_id", cc.SessionID)
	return nil
}

// MessageNew persists a message bound to the caller, bumps the parent room's
// lastActive, broadcasts the composed message to the room and a lightweight
// room touch to everyone.
func (s *Service) MessageNew(ctx context.Context, cc ConnContext, p v1.MessageSendPayload) (v1.MessagePayload, error) {
	roomID := strings.TrimSpace(p.Room)
	if roomID == "" {
		return v1.MessagePayload{}, fmt.Errorf("%w: missing room", ErrInvalidInput)
	}
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return v1.MessagePayload{}, fmt.Errorf("%w: empty text", ErrInvalidInput)
	}
	if len([]rune(text)) > maxMessageChars {
		return v1.MessagePayload{}, fmt.Errorf("%w: message too long: max=%d chars", ErrInvalidInput, maxMessageChars)
	}

	// Existence check before the write; the store does not verify it.
	sctx, cancel := s.storeCtx(ctx)
	room, err := s.store.GetRoom(sctx, roomID)
	cancel()
	if err != nil {
		return v1.MessagePayload{}, s.storeErr("message.new", err)
	}

	now := time.Now().UTC()

	sctx, cancel = s.storeCtx(ctx)
	msg, err := s.store.CreateMessage(sctx, CreateMessageInput{Room: room.ID, Owner: cc.UserID, Text: text, Now: now})
	cancel()
	if err != nil {
		return v1.MessagePayload{}, s.storeErr("message.new", err)
	}

	sctx, cancel = s.storeCtx(ctx)
	touched, err := s.store.TouchRoom(sctx, room.ID, msg.Posted)
	cancel()
	if err != nil {
		// The message is durable; the recency bump is best-effort.
		s.metrics.storeFailure()
		s.log.Warn("service.message.touch_room.fail", "room_id", room.ID, "err", err)
		touched = room
		touched.LastActive = msg.Posted
	}

	out := v1.MessagePayload{
		ID:       msg.ID,
		Room:     msg.Room,
		Text:     msg.Text,
		Posted:   msg.Posted,
		Owner:    msg.Owner,
		Name:     cc.DisplayName,
		SafeName: cc.SafeName,
		Avatar:   cc.AvatarHash,
	}

	s.emitToRoom(msg.Room, v1.TypeMessagesNew, out, now, "")
	s.emitToAll(v1.TypeRoomsUpdate, v1.RoomTouchPayload{ID: touched.ID, LastActive: touched.LastActive}, now)

	s.log.Info("service.message.new", "room_id", msg.Room, "message_id", msg.ID, "session_id", cc.SessionID)
	return out, nil
}

// MessagesGet queries history newest-first bounded by the filter and returns
// it in chronological order. With no bound it looks back HistoryWindow.
func (s *Service) MessagesGet(ctx context.Context, cc ConnContext, p v1.MessagesGetPayload) ([]v1.MessagePayload, error) {
	in := FindMessagesInput{
		Room: strings.TrimSpace(p.Room),
		From: strings.TrimSpace(p.From),
	}
	if p.Since != nil {
		t := p.Since.UTC()
		in.Since = &t
	} else if in.From == "" {
		t := time.Now().UTC().Add(-s.cfg.HistoryWindow)
		in.Since = &t
	}

	sctx, cancel := s.storeCtx(ctx)
	msgs, err := s.store.FindMessages(sctx, in)
	cancel()
	if err != nil {
		return nil, s.storeErr("messages.get", err)
	}

	// Store order is newest-first; presentation is oldest-to-newest.
	out := make([]v1.MessagePayload, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		out = append(out, v1.MessagePayload{
			ID:     m.ID,
			Room:   m.Room,
			Text:   m.Text,
			Posted: m.Posted,
			Owner:  m.Owner,
		})
	}
	return out, nil
}

// UsersGet enumerates the room's current members and resolves each to its
// attached profile, one payload per member.
func (s *Service) UsersGet(ctx context.Context, cc ConnContext, roomID string) ([]v1.UserPayload, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, fmt.Errorf("%w: missing room", ErrInvalidInput)
	}

	members := s.registry.MembersOf(roomID)
	out := make([]v1.UserPayload, 0, len(members))
	for _, sid := range members {
		mc, ok := s.presence.ConnContext(sid)
		if !ok {
			continue
		}
		out = append(out, v1.UserPayload{
			Room:     roomID,
			Presence: mc.PresenceID,
			Name:     mc.DisplayName,
			SafeName: mc.SafeName,
			Avatar:   mc.AvatarHash,
		})
	}
	return out, nil
}

// FilesGet lists the room's files with display sizes in kilobytes and a
// resolvable download URL, one payload per file.
func (s *Service) FilesGet(ctx context.Context, cc ConnContext, roomID string) ([]v1.FilePayload, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, fmt.Errorf("%w: missing room", ErrInvalidInput)
	}

	sctx, cancel := s.storeCtx(ctx)
	files, err := s.store.FindFiles(sctx, roomID)
	cancel()
	if err != nil {
		return nil, s.storeErr("files.get", err)
	}

	out := make([]v1.FilePayload, 0, len(files))
	for _, f := range files {
		out = append(out, s.filePayload(f))
	}
	return out, nil
}

// PublishFile persists a file record on behalf of the upload collaborator and
// announces it to the file's room.
func (s *Service) PublishFile(ctx context.Context, in CreateFileInput) (v1.FilePayload, error) {
	if strings.TrimSpace(in.Room) == "" || strings.TrimSpace(in.Name) == "" || in.Type == "" || in.Size < 0 {
		return v1.FilePayload{}, fmt.Errorf("%w: bad file record", ErrInvalidInput)
	}

	sctx, cancel := s.storeCtx(ctx)
	room, err := s.store.GetRoom(sctx, strings.TrimSpace(in.Room))
	cancel()
	if err != nil {
		return v1.FilePayload{}, s.storeErr("file.publish", err)
	}

	sctx, cancel = s.storeCtx(ctx)
	f, err := s.store.CreateFile(sctx, in)
	cancel()
	if err != nil {
		return v1.FilePayload{}, s.storeErr("file.publish", err)
	}

	out := s.filePayload(f)
	s.emitToRoom(room.ID, v1.TypeFilesNew, out, time.Now().UTC(), "")

	s.log.Info("service.file.publish", "room_id", room.ID, "file_id", f.ID)
	return out, nil
}

// Disconnect removes the session from every room it was a member of and
// announces the departure to each affected room.
func (s *Service) Disconnect(cc ConnContext) {
	rooms := s.registry.LeaveAll(cc.SessionID)
	now := time.Now().UTC()

	for _, roomID := range rooms {
		s.emitToRoom(roomID, v1.TypeUsersLeave, v1.UserPayload{
			Room:     roomID,
			Presence: cc.PresenceID,
			Name:     cc.DisplayName,
			SafeName: cc.SafeName,
		}, now, cc.SessionID)
	}

	if len(rooms) > 0 {
		s.log.Info("service.disconnect", "session_id", cc.SessionID, "rooms", len(rooms))
	}
}

// ---- fan-out helpers ----

func (s *Service) emitToAll(typ string, payload any, now time.Time) {
	s.bcast.ToAll(newEnvelope(typ, payload, now))
	s.metrics.broadcast("all")
}

func (s *Service) emitToRoom(roomID, typ string, payload any, now time.Time, excludeSession string) {
	s.bcast.ToRoom(roomID, newEnvelope(typ, payload, now), excludeSession)
	s.metrics.broadcast("room")
}

// newEnvelope wraps a payload into a broadcast envelope.
func newEnvelope(typ string, payload any, now time.Time) v1.Envelope {
	b, _ := json.Marshal(payload)
	id, _ := NewID(now)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      now,
		Payload: b,
	}
}

// ---- shaping helpers ----

func roomPayload(r Room) v1.RoomPayload {
	return v1.RoomPayload{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		LastActive:  r.LastActive,
		Created:     r.Created,
	}
}

func (s *Service) filePayload(f File) v1.FilePayload {
	return v1.FilePayload{
		ID:       f.ID,
		Room:     f.Room,
		Name:     f.Name,
		Type:     f.Type,
		Size:     f.Size / 1024,
		URL:      s.fileURL(f),
		Uploaded: f.Uploaded,
	}
}

// fileURL builds either the local download path served by the upload
// collaborator or a fully-qualified remote-storage URL.
func (s *Service) fileURL(f File) string {
	p := f.ID + "/" + url.PathEscape(f.Name)
	if s.cfg.S3Bucket != "" && s.cfg.S3Region != "" {
		return "https://" + s.cfg.S3Bucket + ".s3-" + s.cfg.S3Region + ".amazonaws.com/" + p
	}
	return "/files/" + p
}

// ---- store helpers ----

func (s *Service) storeCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.StoreTimeout)
}

// storeErr classifies a persistence failure: not-found passes through, every
// other error is counted and reported as store unavailability.
func (s *Service) storeErr(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	s.metrics.storeFailure()
	s.log.Warn("service.store.fail", "op", op, "err", err)
	return fmt.Errorf("%w: %s", ErrStoreUnavailable, op)
}
