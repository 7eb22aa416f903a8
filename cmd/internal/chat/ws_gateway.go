package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	envcfg "parley/cmd/internal/env"
	v1 "parley/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "parley.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Identity is the resolved user profile attached to a connection.
type Identity struct {
	UserID      string
	Email       string
	DisplayName string
}

// IdentityResolver maps an inbound upgrade request to a user profile.
// Resolution failure rejects the connection attempt; there is no anonymous
// fallback.
type IdentityResolver interface {
	Resolve(ctx context.Context, r *http.Request) (Identity, error)
}

// WSGateway is the WebSocket entrypoint for Parley chat.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// attaches identity once per connection, and routes validated envelopes to
// the Service. It holds no business state beyond dispatch.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	svc      *Service
	identity IdentityResolver
	metrics  *Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
func NewWSGateway(log *slog.Logger, hub *Hub, svc *Service, identity IdentityResolver, metrics *Metrics) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &WSGateway{log: log, hub: hub, svc: svc, identity: identity, metrics: metrics}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envcfg.Bool("PARLEY_WS_DEV_INSECURE", false)

	g.originRequired = envcfg.Bool("PARLEY_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envcfg.CSV("PARLEY_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envcfg.Duration("PARLEY_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envcfg.Duration("PARLEY_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envcfg.Int("PARLEY_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envcfg.Duration("PARLEY_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envcfg.Duration("PARLEY_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envcfg.Int("PARLEY_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envcfg.Duration("PARLEY_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the chat loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Identity is attached once, before the upgrade. No anonymous fallback.
	ident, err := g.identity.Resolve(r.Context(), r)
	if err != nil {
		g.log.Info("ws.reject.identity", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}

	cc := NewConnContext(sessionID, ident.UserID, ident.Email, ident.DisplayName)
	client := NewClient(cc, g.sendQueueSize)

	g.hub.Register(client)
	g.metrics.connOpen()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: client.Send remains open and membership removal happens before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.svc.Disconnect(cc)
			g.hub.Unregister(sessionID)
			g.metrics.connClose()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(ctx, client, "", v1.ErrCodeBadJSON, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(env.Type, now) {
			g.sendError(ctx, client, env.ID, v1.ErrCodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(ctx, client, env.ID, v1.ErrCodeBadEnvelope, err.Error())
			continue readLoop
		}

		g.metrics.event(env.Type)
		g.dispatch(ctx, client, env)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// dispatch routes one validated envelope to its Service handler. Handlers run
// to completion; a failed request answers only the caller.
func (g *WSGateway) dispatch(ctx context.Context, client *Client, env v1.Envelope) {
	cc := client.Ctx

	switch env.Type {
	case v1.TypeRoomsCreate:
		var p v1.RoomCreatePayload
		if !g.parse(ctx, client, env, &p) {
			return
		}
		if _, err := g.svc.RoomCreate(ctx, cc, p); err != nil {
			g.replyError(ctx, client, env, err)
		}

	case v1.TypeRoomsGet:
		rooms, err := g.svc.RoomList(ctx, cc)
		if err != nil {
			g.replyError(ctx, client, env, err)
			return
		}
		for _, room := range rooms {
			g.reply(ctx, client, env.ID, v1.TypeRoomsNew, room)
		}

	case v1.TypeRoomsJoin:
		var p v1.RoomJoinPayload
		if !g.parse(ctx, client, env, &p) {
			return
		}
		room, err := g.svc.RoomJoin(ctx, cc, p.ID)
		if err != nil {
			g.replyError(ctx, client, env, err)
			return
		}
		g.reply(ctx, client, env.ID, v1.TypeRoomsJoin, room)

	case v1.TypeRoomsLeave:
		var p v1.RoomLeavePayload
		if !g.parse(ctx, client, env, &p) {
			return
		}
		if err := g.svc.RoomLeave(ctx, cc, p.ID); err != nil {
			g.replyError(ctx, client, env, err)
		}

	case v1.TypeRoomsUpdate:
		var p v1.RoomUpdatePayload
		if !g.parse(ctx, client, env, &p) {
			return
		}
		room, err := g.svc.RoomUpdate(ctx, cc, p)
		if err != nil {
			g.replyError(ctx, client, env, err)
			return
		}
		g.reply(ctx, client, env.ID, v1.TypeRoomsUpdate, room)

	case v1.TypeRoomsDelete:
		var p v1.RoomDeletePayload
		if !g.parse(ctx, client, env, &p) {
			return
		}
		if err := g.svc.RoomDelete(ctx, cc, p.ID); err != nil {
			g.replyError(ctx, client, env, err)
		}

	case v1.TypeMessagesNew:
		var p v1.MessageSendPayload
		if !g.parse(ctx, client, env, &p) {
			return
		}
		if _, err := g.svc.MessageNew(ctx, cc, p); err != nil {
			g.replyError(ctx, client, env, err)
		}

	case v1.TypeMessagesGet:
		var p v1.MessagesGetPayload
		if !g.parse(ctx, client, env, &p) {
			return
		}
		msgs, err := g.svc.MessagesGet(ctx, cc, p)
		if err != nil {
			g.replyError(ctx, client, env, err)
			return
		}
		g.reply(ctx, client, env.ID, v1.TypeMessagesHistory, v1.MessagesHistoryPayload{Messages: msgs})

	case v1.TypeUsersGet:
		var p v1.UsersGetPayload
		if !g.parse(ctx, client, env, &p) {
			return
		}
		users, err := g.svc.UsersGet(ctx, cc, p.Room)
		if err != nil {
			g.replyError(ctx, client, env, err)
			return
		}
		for _, u := range users {
			g.reply(ctx, client, env.ID, v1.TypeUsersNew, u)
		}

	case v1.TypeFilesGet:
		var p v1.FilesGetPayload
		if !g.parse(ctx, client, env, &p) {
			return
		}
		files, err := g.svc.FilesGet(ctx, cc, p.Room)
		if err != nil {
			g.replyError(ctx, client, env, err)
			return
		}
		for _, f := range files {
			g.reply(ctx, client, env.ID, v1.TypeFilesNew, f)
		}

	default:
		g.sendError(ctx, client, env.ID, v1.ErrCodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
	}
}

// ---- send helpers ----

// parse unmarshals the request payload, answering the caller on failure.
func (g *WSGateway) parse(ctx context.Context, client *Client, env v1.Envelope, dst any) bool {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		g.sendError(ctx, client, env.ID, v1.ErrCodeInvalidInput, "invalid payload")
		return false
	}
	return true
}

func (g *WSGateway) reply(ctx context.Context, client *Client, replyTo, typ string, payload any) {
	env := newEnvelope(typ, payload, time.Now().UTC())
	env.ReplyTo = replyTo
	if g.enqueue(ctx, client, env) {
		g.metrics.broadcast("conn")
	}
}

func (g *WSGateway) replyError(ctx context.Context, client *Client, env v1.Envelope, err error) {
	code := v1.ErrCodeStoreUnavailable
	switch {
	case errors.Is(err, ErrInvalidInput):
		code = v1.ErrCodeInvalidInput
	case errors.Is(err, ErrNotFound):
		code = v1.ErrCodeNotFound
	}
	g.sendError(ctx, client, env.ID, code, err.Error())
}

func (g *WSGateway) sendError(ctx context.Context, client *Client, replyTo, code, msg string) {
	e := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
	e.ReplyTo = replyTo
	_ = g.enqueue(ctx, client, e)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// readEnvelope surfaces json.Unmarshal errors unchanged. Both malformed
	// input and valid-JSON-wrong-shape frames are client faults, answered with
	// an error envelope rather than a disconnect.
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}
