package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "parley/contracts/chat/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordedEvent struct {
	scope   string // "all" or "room"
	room    string
	exclude string
	env     v1.Envelope
}

// recordingBroadcaster captures fan-out in emit order.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (b *recordingBroadcaster) ToAll(env v1.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{scope: "all", env: env})
}

func (b *recordingBroadcaster) ToRoom(roomID string, env v1.Envelope, excludeSession string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{scope: "room", room: roomID, exclude: excludeSession, env: env})
}

func (b *recordingBroadcaster) ToConn(sessionID string, env v1.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{scope: "conn", room: sessionID, env: env})
}

// note appends a non-broadcast marker into the same sequence, so side
// effects can be ordered against fan-out.
func (b *recordingBroadcaster) note(scope, label string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{scope: scope, env: v1.Envelope{Type: label}})
}

func (b *recordingBroadcaster) all() []recordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]recordedEvent(nil), b.events...)
}

func (b *recordingBroadcaster) ofType(typ string) []recordedEvent {
	out := []recordedEvent{}
	for _, e := range b.all() {
		if e.env.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type mapPresence map[string]ConnContext

func (m mapPresence) ConnContext(sessionID string) (ConnContext, bool) {
	cc, ok := m[sessionID]
	return cc, ok
}

type serviceFixture struct {
	svc      *Service
	store    *InMemoryStore
	registry *Registry
	bcast    *recordingBroadcaster
	presence mapPresence
}

func newServiceFixture(t *testing.T, cfg ServiceConfig) *serviceFixture {
	t.Helper()

	f := &serviceFixture{
		store:    NewInMemoryStore(),
		registry: NewRegistry(),
		bcast:    &recordingBroadcaster{},
		presence: mapPresence{},
	}
	f.svc = NewService(testLogger(), f.store, f.registry, f.bcast, f.presence, nil, cfg)
	return f
}

func (f *serviceFixture) connect(t *testing.T, sessionID, userID, name string) ConnContext {
	t.Helper()
	cc := NewConnContext(sessionID, userID, userID+"@example.com", name)
	f.presence[sessionID] = cc
	return cc
}

func mustCreateRoom(t *testing.T, f *serviceFixture, cc ConnContext, name string) v1.RoomPayload {
	t.Helper()
	room, err := f.svc.RoomCreate(context.Background(), cc, v1.RoomCreatePayload{Name: name})
	if err != nil {
		t.Fatalf("RoomCreate(%q): %v", name, err)
	}
	return room
}

func decodePayload[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return out
}

func TestRoomCreateBroadcastsExactlyOnce(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, ServiceConfig{})
	cc := f.connect(t, "s1", "u1", "Alice")

	room := mustCreateRoom(t, f, cc, "general")
	if room.ID == "" || room.Name != "general" {
		t.Fatalf("room payload = %+v", room)
	}
	if room.Created.IsZero() || !room.LastActive.Equal(room.Created) {
		t.Fatalf("new room should have created == last_active, got %+v", room)
	}

	news := f.bcast.ofType(v1.TypeRoomsNew)
	if len(news) != 1 {
		t.Fatalf("rooms:new broadcasts = %d, want exactly 1", len(news))
	}
	if news[0].scope != "all" {
		t.Fatalf("rooms:new scope = %q, want all", news[0].scope)
	}
	got := decodePayload[v1.RoomPayload](t, news[0].env)
	if got.ID != room.ID {
		t.Fatalf("broadcast room id = %q, want %q", got.ID, room.ID)
	}
}

func TestRoomCreateValidation(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, ServiceConfig{})
	cc := f.connect(t, "s1", "u1", "Alice")

	_, err := f.svc.RoomCreate(context.Background(), cc, v1.RoomCreatePayload{Name: "   "})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if len(f.bcast.all()) != 0 {
		t.Fatal("a rejected create must not broadcast")
	}
}

func TestRoomJoinUnknownRoom(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, ServiceConfig{})
	cc := f.connect(t, "s1", "u1", "Alice")

	_, err := f.svc.RoomJoin(context.Background(), cc, "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if f.registry.IsMember("s1", "nope") {
		t.Fatal("failed join must not register membership")
	}
}

func TestRoomJoinAnnouncesPresenceExcludingSelf(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, ServiceConfig{})
	alice := f.connect(t, "s1", "u1", "Alice")
	room := mustCreateRoom(t, f, alice, "general")

	got, err := f.svc.RoomJoin(context.Background(), alice, room.ID)
	if err != nil {
		t.Fatalf("RoomJoin: %v", err)
	}
	if got.ID != room.ID {
		t.Fatalf("join reply room = %q, want %q", got.ID, room.ID)
	}
	if !f.registry.IsMember("s1", room.ID) {
		t.Fatal("join must register membership")
	}

	joins := f.bcast.ofType(v1.TypeUsersNew)
	if len(joins) != 1 {
		t.Fatalf("users:new broadcasts = %d, want 1", len(joins))
	}
	if joins[0].scope != "room" || joins[0].room != room.ID {
		t.Fatalf("users:new scope = %+v", joins[0])
	}
	if joins[0].exclude != "s1" {
		t.Fatal("the joiner must not receive its own presence announcement")
	}
	u := decodePayload[v1.UserPayload](t, joins[0].env)
	if u.Presence != alice.PresenceID || u.Name != "Alice" {
		t.Fatalf("users:new payload = %+v", u)
	}
}

func TestRoomUpdateBroadcastsToAll(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, ServiceConfig{})
	cc := f.connect(t, "s1", "u1", "Alice")
	room := mustCreateRoom(t, f, cc, "general")

	updated, err := f.svc.RoomUpdate(context.Background(), cc, v1.RoomUpdatePayload{
		ID:          room.ID,
		Name:        "lounge",
		Description: "the new general",
	})
	if err != nil {
		t.Fatalf("RoomUpdate: %v", err)
	}
	if updated.Name != "lounge" || updated.Description != "the new general" {
		t.Fatalf("updated = %+v", updated)
	}

	ups := f.bcast.ofType(v1.TypeRoomsUpdate)
	if len(ups) != 1 || ups[0].scope != "all" {
		t.Fatalf("rooms:update events = %+v", ups)
	}
}

// removalLogStore records every RemoveRoom call into the broadcaster's event
// sequence, and captures who was still registered in the room at that moment.
type removalLogStore struct {
	*InMemoryStore
	bcast           *recordingBroadcaster
	registry        *Registry
	membersAtRemove []string
}

func (s *removalLogStore) RemoveRoom(ctx context.Context, roomID string) error {
	s.membersAtRemove = s.registry.MembersOf(roomID)
	s.bcast.note("store", "remove_room")
	return s.InMemoryStore.RemoveRoom(ctx, roomID)
}

func TestRoomDeleteNotifiesBeforeRemoval(t *testing.T) {
	t.Parallel()

	bcast := &recordingBroadcaster{}
	registry := NewRegistry()
	store := &removalLogStore{InMemoryStore: NewInMemoryStore(), bcast: bcast, registry: registry}
	presence := mapPresence{}
	svc := NewService(testLogger(), store, registry, bcast, presence, nil, ServiceConfig{})

	alice := NewConnContext("s1", "u1", "u1@example.com", "Alice")
	bob := NewConnContext("s2", "u2", "u2@example.com", "Bob")
	presence["s1"], presence["s2"] = alice, bob

	room, err := svc.RoomCreate(context.Background(), alice, v1.RoomCreatePayload{Name: "doomed"})
	if err != nil {
		t.Fatalf("RoomCreate: %v", err)
	}
	if _, err := svc.RoomJoin(context.Background(), alice, room.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RoomJoin(context.Background(), bob, room.ID); err != nil {
		t.Fatal(err)
	}

	if err := svc.RoomDelete(context.Background(), alice, room.ID); err != nil {
		t.Fatalf("RoomDelete: %v", err)
	}

	// Room-scoped notice precedes the global one, and both precede the
	// document removal recorded in the same sequence.
	roomIdx, allIdx, removeIdx := -1, -1, -1
	for i, e := range bcast.all() {
		switch {
		case e.env.Type == v1.TypeRoomRemove:
			roomIdx = i
		case e.env.Type == v1.TypeRoomsRemove:
			allIdx = i
		case e.scope == "store" && e.env.Type == "remove_room":
			removeIdx = i
		}
	}
	if roomIdx == -1 || allIdx == -1 || removeIdx == -1 {
		t.Fatalf("expected room:remove, rooms:remove, and a store removal; got indices %d %d %d", roomIdx, allIdx, removeIdx)
	}
	if roomIdx > allIdx {
		t.Fatal("room members must be told before the global announcement")
	}
	if allIdx > removeIdx {
		t.Fatal("all notifications must precede the document removal")
	}

	if store.membersAtRemove != nil {
		t.Fatalf("presence must be evicted before removal, still registered: %v", store.membersAtRemove)
	}
	if registry.MembersOf(room.ID) != nil {
		t.Fatal("presence must be evicted on delete")
	}
	if _, err := store.GetRoom(context.Background(), room.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("room should be gone, got %v", err)
	}
}

func TestRoomLeaveAnnouncesOnlyActualMembers(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, ServiceConfig{})
	alice := f.connect(t, "s1", "u1", "Alice")
	room := mustCreateRoom(t, f, alice, "general")

	// Leaving a room the caller never joined announces nothing.
	if err := f.svc.RoomLeave(context.Background(), alice, room.ID); err != nil {
		t.Fatalf("RoomLeave: %v", err)
	}
	if got := f.bcast.ofType(v1.TypeUsersLeave); len(got) != 0 {
		t.Fatalf("users:leave events = %d for a never-joined room, want 0", len(got))
	}

	if _, err := f.svc.RoomJoin(context.Background(), alice, room.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.RoomLeave(context.Background(), alice, room.ID); err != nil {
		t.Fatalf("RoomLeave: %v", err)
	}

	leaves := f.bcast.ofType(v1.TypeUsersLeave)
	if len(leaves) != 1 {
		t.Fatalf("users:leave events = %d, want 1", len(leaves))
	}
	if leaves[0].scope != "room" || leaves[0].room != room.ID || leaves[0].exclude != "s1" {
		t.Fatalf("users:leave = %+v", leaves[0])
	}

	// A repeated leave stays silent.
	if err := f.svc.RoomLeave(context.Background(), alice, room.ID); err != nil {
		t.Fatalf("RoomLeave: %v", err)
	}
	if got := f.bcast.ofType(v1.TypeUsersLeave); len(got) != 1 {
		t.Fatalf("users:leave events = %d after repeat leave, want still 1", len(got))
	}
}

func TestMessageNewPersistsAndFansOut(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, ServiceConfig{})
	alice := f.connect(t, "s1", "u1", "Alice")
	room := mustCreateRoom(t, f, alice, "general")
	if _, err := f.svc.RoomJoin(context.Background(), alice, room.ID); err != nil {
		t.Fatal(err)
	}

	msg, err := f.svc.MessageNew(context.Background(), alice, v1.MessageSendPayload{Room: room.ID, Text: "hello"})
	if err != nil {
		t.Fatalf("MessageNew: %v", err)
	}
	if msg.Owner != "u1" || msg.Name != "Alice" || msg.Text != "hello" {
		t.Fatalf("message payload = %+v", msg)
	}

	stored, err := f.store.FindMessages(context.Background(), FindMessagesInput{Room: room.ID})
	if err != nil || len(stored) != 1 {
		t.Fatalf("stored = %v, err = %v", stored, err)
	}

	// The sender receives its own message via the room broadcast.
	news := f.bcast.ofType(v1.TypeMessagesNew)
	if len(news) != 1 || news[0].scope != "room" || news[0].exclude != "" {
		t.Fatalf("messages:new events = %+v", news)
	}

	// Everyone gets the lightweight recency touch.
	touches := f.bcast.ofType(v1.TypeRoomsUpdate)
	if len(touches) != 1 || touches[0].scope != "all" {
		t.Fatalf("rooms:update events = %+v", touches)
	}
	touch := decodePayload[v1.RoomTouchPayload](t, touches[0].env)
	if touch.ID != room.ID || !touch.LastActive.Equal(msg.Posted) {
		t.Fatalf("touch = %+v, posted = %v", touch, msg.Posted)
	}
}

func TestMessageNewUnknownRoom(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, ServiceConfig{})
	cc := f.connect(t, "s1", "u1", "Alice")

	_, err := f.svc.MessageNew(context.Background(), cc, v1.MessageSendPayload{Room: "nope", Text: "hi"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMessagesGetChronologicalOrder(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, ServiceConfig{})
	cc := f.connect(t, "s1", "u1", "Alice")
	room := mustCreateRoom(t, f, cc, "general")

	base := time.Now().UTC().Add(-time.Hour)
	for i, text := range []string{"first", "second", "third"} {
		_, err := f.store.CreateMessage(context.Background(), CreateMessageInput{
			Room: room.ID,
			Text: text,
			Now:  base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := f.svc.MessagesGet(context.Background(), cc, v1.MessagesGetPayload{Room: room.ID})
	if err != nil {
		t.Fatalf("MessagesGet: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("messages = %d, want 3", len(got))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i].Text != want {
			t.Fatalf("messages[%d] = %q, want %q (chronological)", i, got[i].Text, want)
		}
	}
}

func TestMessagesGetSinceBound(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, ServiceConfig{})
	cc := f.connect(t, "s1", "u1", "Alice")
	room := mustCreateRoom(t, f, cc, "general")

	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC().Add(-time.Hour)
	for _, m := range []struct {
		text string
		at   time.Time
	}{{"stale", old}, {"fresh", recent}} {
		if _, err := f.store.CreateMessage(context.Background(), CreateMessageInput{Room: room.ID, Text: m.text, Now: m.at}); err != nil {
			t.Fatal(err)
		}
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	got, err := f.svc.MessagesGet(context.Background(), cc, v1.MessagesGetPayload{Room: room.ID, Since: &since})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Text != "fresh" {
		t.Fatalf("messages = %+v, want only the fresh one", got)
	}
}

func TestMessagesGetDefaultWindow(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, ServiceConfig{HistoryWindow: 24 * time.Hour})
	cc := f.connect(t, "s1", "u1", "Alice")
	room := mustCreateRoom(t, f, cc, "general")

	if _, err := f.store.CreateMessage(context.Background(), CreateMessageInput{
		Room: room.ID, Text: "ancient", Now: time.Now().UTC().Add(-48 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.CreateMessage(context.Background(), CreateMessageInput{
		Room: room.ID, Text: "today", Now: time.Now().UTC().Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	got, err := f.svc.MessagesGet(context.Background(), cc, v1.MessagesGetPayload{Room: room.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Text != "today" {
		t.Fatalf("default window should hide old messages, got %+v", got)
	}
}

func TestUsersGetResolvesPresence(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, ServiceConfig{})
	alice := f.connect(t, "s1", "u1", "Alice")
	bob := f.connect(t, "s2", "u2", "Bob")
	room := mustCreateRoom(t, f, alice, "general")

	if _, err := f.svc.RoomJoin(context.Background(), alice, room.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.RoomJoin(context.Background(), bob, room.ID); err != nil {
		t.Fatal(err)
	}

	users, err := f.svc.UsersGet(context.Background(), alice, room.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Fatalf("users = %d, want 2", len(users))
	}

	// A stale registry entry with no live connection is skipped.
	f.registry.Join("ghost", room.ID)
	users, err = f.svc.UsersGet(context.Background(), alice, room.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Fatalf("users = %d after ghost join, want 2", len(users))
	}
}

func TestPublishFileAnnouncesAndConvertsSize(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, ServiceConfig{})
	cc := f.connect(t, "s1", "u1", "Alice")
	room := mustCreateRoom(t, f, cc, "general")

	fp, err := f.svc.PublishFile(context.Background(), CreateFileInput{
		Room: room.ID,
		Name: "report final.pdf",
		Type: "application/pdf",
		Size: 2047,
	})
	if err != nil {
		t.Fatalf("PublishFile: %v", err)
	}
	if fp.Size != 1 {
		t.Fatalf("Size = %d KB, want 1 (floor of 2047 bytes)", fp.Size)
	}
	if want := "/files/" + fp.ID + "/report%20final.pdf"; fp.URL != want {
		t.Fatalf("URL = %q, want %q", fp.URL, want)
	}

	news := f.bcast.ofType(v1.TypeFilesNew)
	if len(news) != 1 || news[0].scope != "room" || news[0].room != room.ID {
		t.Fatalf("files:new events = %+v", news)
	}
}

func TestFileURLRemoteStorage(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, ServiceConfig{S3Bucket: "parley-files", S3Region: "us-east-1"})
	cc := f.connect(t, "s1", "u1", "Alice")
	room := mustCreateRoom(t, f, cc, "general")

	fp, err := f.svc.PublishFile(context.Background(), CreateFileInput{
		Room: room.ID, Name: "pic.png", Type: "image/png", Size: 4096,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "https://parley-files.s3-us-east-1.amazonaws.com/" + fp.ID + "/pic.png"
	if fp.URL != want {
		t.Fatalf("URL = %q, want %q", fp.URL, want)
	}
}

func TestFilesGetListsRoomFiles(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, ServiceConfig{})
	cc := f.connect(t, "s1", "u1", "Alice")
	room := mustCreateRoom(t, f, cc, "general")
	other := mustCreateRoom(t, f, cc, "other")

	if _, err := f.svc.PublishFile(context.Background(), CreateFileInput{Room: room.ID, Name: "a.txt", Type: "text/plain", Size: 10}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.PublishFile(context.Background(), CreateFileInput{Room: other.ID, Name: "b.txt", Type: "text/plain", Size: 10}); err != nil {
		t.Fatal(err)
	}

	files, err := f.svc.FilesGet(context.Background(), cc, room.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Name != "a.txt" {
		t.Fatalf("files = %+v, want only a.txt", files)
	}
}

func TestDisconnectAnnouncesDepartures(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t, ServiceConfig{})
	alice := f.connect(t, "s1", "u1", "Alice")
	r1 := mustCreateRoom(t, f, alice, "one")
	r2 := mustCreateRoom(t, f, alice, "two")

	if _, err := f.svc.RoomJoin(context.Background(), alice, r1.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.RoomJoin(context.Background(), alice, r2.ID); err != nil {
		t.Fatal(err)
	}

	f.svc.Disconnect(alice)

	leaves := f.bcast.ofType(v1.TypeUsersLeave)
	if len(leaves) != 2 {
		t.Fatalf("users:leave events = %d, want 2", len(leaves))
	}
	rooms := map[string]bool{}
	for _, e := range leaves {
		rooms[e.room] = true
	}
	if !rooms[r1.ID] || !rooms[r2.ID] {
		t.Fatalf("departure rooms = %v", rooms)
	}

	if f.registry.IsMember("s1", r1.ID) || f.registry.IsMember("s1", r2.ID) {
		t.Fatal("disconnect must clear every membership")
	}

	// A second disconnect is silent.
	before := len(f.bcast.all())
	f.svc.Disconnect(alice)
	if len(f.bcast.all()) != before {
		t.Fatal("second disconnect must not announce anything")
	}
}
