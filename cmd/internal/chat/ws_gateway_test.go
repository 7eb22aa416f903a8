package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"testing"

	v1 "parley/contracts/chat/v1"
)

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"http://localhost", "localhost"},
		{"http://localhost:3000", "localhost"},
		{"https://Chat.Example.com", "chat.example.com"},
		{"localhost:8080", "localhost"},
		{"example.com", "example.com"},
		{"", ""},
	}
	for _, c := range cases {
		if got := originHostOnly(c.in); got != c.want {
			t.Errorf("originHostOnly(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"http://localhost",
		"http://localhost:3000", // duplicate host
		"https://chat.example.com",
		"*", // wildcard excluded from patterns
	})
	want := []string{"chat.example.com", "localhost"}
	if len(got) != len(want) {
		t.Fatalf("patterns = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("patterns = %v, want %v", got, want)
		}
	}
}

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	g := &WSGateway{
		originRequired: true,
		allowedOrigins: []string{"http://localhost", "https://chat.example.com"},
	}

	cases := []struct {
		name   string
		origin string
		wantOK bool
	}{
		{"allowed exact", "http://localhost", true},
		{"allowed host different port", "http://localhost:3000", true},
		{"allowed https", "https://chat.example.com", true},
		{"unknown host", "https://evil.example.net", false},
		{"missing origin", "", false},
	}
	for _, c := range cases {
		r := httptest.NewRequest("GET", "/ws", nil)
		if c.origin != "" {
			r.Header.Set("Origin", c.origin)
		}
		err := g.enforceOrigin(r)
		if c.wantOK && err != nil {
			t.Errorf("%s: unexpected reject: %v", c.name, err)
		}
		if !c.wantOK && err == nil {
			t.Errorf("%s: expected reject", c.name)
		}
	}
}

func TestEnforceOriginOptional(t *testing.T) {
	t.Parallel()

	g := &WSGateway{originRequired: false, allowedOrigins: []string{"http://localhost"}}

	r := httptest.NewRequest("GET", "/ws", nil)
	if err := g.enforceOrigin(r); err != nil {
		t.Fatalf("missing origin should pass when not required: %v", err)
	}
}

func TestEnforceOriginWildcard(t *testing.T) {
	t.Parallel()

	g := &WSGateway{originRequired: true, allowedOrigins: []string{"*"}}

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://anywhere.example.org")
	if err := g.enforceOrigin(r); err != nil {
		t.Fatalf("explicit wildcard should accept any origin: %v", err)
	}
}

// decodeErr produces the real error json.Unmarshal returns for the input,
// which is what the read loop hands to classifyReadErr.
func decodeErr(t *testing.T, data string) error {
	t.Helper()
	var env v1.Envelope
	err := json.Unmarshal([]byte(data), &env)
	if err == nil {
		t.Fatalf("expected a decode error for %q", data)
	}
	return err
}

func TestClassifyReadErr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want readErrKind
	}{
		{"context canceled", context.Canceled, readErrCtxDone},
		{"deadline", context.DeadlineExceeded, readErrCtxDone},
		{"net closed", net.ErrClosed, readErrConnClosed},
		{"eof", io.EOF, readErrConnClosed},
		{"truncated json", decodeErr(t, `{"v":1,`), readErrBadJSON},
		{"malformed json", decodeErr(t, `{not json}`), readErrBadJSON},
		{"valid json, wrong shape", decodeErr(t, `"just a string"`), readErrBadJSON},
		{"wrapped decode error", fmt.Errorf("read frame: %w", decodeErr(t, `[1,2]`)), readErrBadJSON},
		{"unknown", errors.New("boom"), readErrUnknown},
	}
	for _, c := range cases {
		if got := classifyReadErr(c.err); got != c.want {
			t.Errorf("%s: classifyReadErr = %d, want %d", c.name, got, c.want)
		}
	}
}
