package chat

import "testing"

func TestSafeName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"Bob Smith", "BobSmith"},
		{"  Ada Lovelace  ", "AdaLovelace"},
		{"no-dashes_ok", "nodashes_ok"},
		{"!!!", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := SafeName(c.in); got != c.want {
			t.Errorf("SafeName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestHandleHash(t *testing.T) {
	t.Parallel()

	h := HandleHash("session-1")
	if len(h) != 16 {
		t.Fatalf("HandleHash length = %d, want 16", len(h))
	}
	if h != HandleHash("session-1") {
		t.Fatal("HandleHash must be stable for the same input")
	}
	if h == HandleHash("session-2") {
		t.Fatal("distinct inputs should not collide")
	}
	if HandleHash("") != "" {
		t.Fatal("empty input must yield empty handle")
	}
}

func TestNewConnContext(t *testing.T) {
	t.Parallel()

	cc := NewConnContext("sess", "u1", "  Bob@Example.COM ", "Bob Smith")

	if cc.SafeName != "BobSmith" {
		t.Fatalf("SafeName = %q", cc.SafeName)
	}
	if cc.PresenceID != HandleHash("sess") {
		t.Fatal("PresenceID must derive from the session id")
	}
	// Avatar is case/whitespace-insensitive on the email.
	other := NewConnContext("sess2", "u1", "bob@example.com", "Bob Smith")
	if cc.AvatarHash != other.AvatarHash {
		t.Fatal("AvatarHash must normalize the email")
	}
	if cc.PresenceID == other.PresenceID {
		t.Fatal("reconnecting yields a fresh presence handle")
	}
}
