package realtime

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
	"slices"
	"strings"
	"sync"
	"time"

	v1 "chatline/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "chatline.realtime.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// GatewayConfig holds the transport policy of the gateway.
//
// Security defaults:
// - Origin is required by default.
// - Only localhost is allowed by default (secure-by-default for dev).
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept's own origin verification. Dev only.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents   int
	RateWindow   time.Duration
	TypingEvents int
	TypingWindow time.Duration
}

// DefaultGatewayConfig returns the secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
		TypingEvents:      typingLimitEvents,
		TypingWindow:      typingLimitWindow,
	}
}

func (c GatewayConfig) normalized() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	return c
}

// WSGateway is the WebSocket entrypoint for chatline realtime.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and routes validated envelopes to the registry, typing coordinator and
// lifecycle engine. Each connection's inbound events are handled sequentially.
type WSGateway struct {
	log  *slog.Logger
	core *Core
	cfg  GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. When core is nil, it falls back to an
// in-memory engine for dev.
func NewWSGateway(log *slog.Logger, core *Core, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if core == nil {
		core, _ = NewCore(CoreDeps{Log: log})
	}
	cfg = cfg.normalized()

	return &WSGateway{
		log:  log,
		core: core,
		cfg:  cfg,

		// IMPORTANT:
		// websocket.Accept enforces its own origin policy:
		// - same-host is ok
		// - cross-origin requires OriginPatterns (host patterns)
		// We derive these patterns from allowed origins so the two layers agree.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
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

	now := time.Now().UTC()
	sessionID, err := NewSessionID(now)
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	client := NewClient(sessionID, g.cfg.SendQueueSize)
	g.core.Metrics.connected()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Unregister runs before client.Close so presence fan-out never targets a dead handle
	// that is still mapped.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.core.Registry.Unregister(client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewConnLimiter(g.cfg.RateEvents, g.cfg.RateWindow, g.cfg.TypingEvents, g.cfg.TypingWindow)

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
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
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

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
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
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
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
				g.trySendError(client, "bad_json", "invalid JSON", nil)
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if env.Type == v1.TypeTypingStart || env.Type == v1.TypeTypingStop {
			// Excess typing events are dropped, not punished.
			if !rl.AllowTyping(now) {
				continue readLoop
			}
		} else if !rl.Allow(now) {
			g.trySendError(client, "rate_limited", "too many events", nil)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, "bad_envelope", err.Error(), nil)
			continue readLoop
		}

		if env.Type == v1.TypeIdentify {
			if err := g.onIdentify(ctx, client, env); err != nil {
				g.trySendError(client, errorCode(err), err.Error(), nil)
				if errors.Is(err, ErrUnauthorized) {
					shutdown(websocket.StatusPolicyViolation, "identify failed")
					break readLoop
				}
			}
			continue readLoop
		}

		userID, ok := client.UserID()
		if !ok {
			g.trySendError(client, errorCode(ErrNotIdentified), ErrNotIdentified.Error(), nil)
			continue readLoop
		}

		g.dispatch(ctx, client, userID, env)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) dispatch(ctx context.Context, client *Client, userID UserID, env v1.Envelope) {
	switch env.Type {
	case v1.TypeTypingStart, v1.TypeTypingStop:
		var p v1.TypingPayload
		if err := decodePayload(env, &p); err != nil {
			g.trySendError(client, "bad_payload", err.Error(), nil)
			return
		}
		scope, err := ScopeFromWire(userID, p.ChatType, p.RecipientID)
		if err != nil {
			g.trySendError(client, errorCode(err), err.Error(), nil)
			return
		}
		if env.Type == v1.TypeTypingStart {
			g.core.Typing.StartTyping(client, userID, scope, p.Username)
		} else {
			g.core.Typing.StopTyping(client, userID, scope, p.Username)
		}

	case v1.TypeMessageSend:
		g.onMessageSend(ctx, client, userID, env)

	case v1.TypeMessageEdit:
		var p v1.MessageEditPayload
		if err := decodePayload(env, &p); err != nil {
			g.trySendError(client, "bad_payload", err.Error(), nil)
			return
		}
		if _, err := g.core.Engine.Edit(ctx, client, userID, MessageID(p.MessageID), p.Message); err != nil {
			g.reportErr(client, err, p.MessageID)
		}

	case v1.TypeMessageDelete:
		var p v1.MessageDeletePayload
		if err := decodePayload(env, &p); err != nil {
			g.trySendError(client, "bad_payload", err.Error(), nil)
			return
		}
		if err := g.core.Engine.Delete(ctx, client, userID, MessageID(p.MessageID)); err != nil {
			g.reportErr(client, err, p.MessageID)
		}

	case v1.TypeReactionToggle:
		var p v1.ReactionTogglePayload
		if err := decodePayload(env, &p); err != nil {
			g.trySendError(client, "bad_payload", err.Error(), nil)
			return
		}
		if _, err := g.core.Engine.ToggleReaction(ctx, client, userID, MessageID(p.MessageID), p.Emoji, p.Username); err != nil {
			g.reportErr(client, err, p.MessageID)
		}

	case v1.TypeMessagesSeen, v1.TypeMessagesDelivered:
		var p v1.MessageBatchPayload
		if err := decodePayload(env, &p); err != nil {
			g.trySendError(client, "bad_payload", err.Error(), nil)
			return
		}
		ids := make([]MessageID, 0, len(p.MessageIDs))
		for _, id := range p.MessageIDs {
			ids = append(ids, MessageID(id))
		}
		var err error
		if env.Type == v1.TypeMessagesSeen {
			_, err = g.core.Engine.MarkSeen(ctx, userID, ids)
		} else {
			_, err = g.core.Engine.ConfirmDelivered(ctx, userID, ids)
		}
		if err != nil {
			g.trySendError(client, "persist_failed", "status update failed", nil)
		}

	case v1.TypeActivity:
		g.core.Names.TouchLastSeen(ctx, userID, time.Now().UTC())

	default:
		g.trySendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type), nil)
	}
}

func (g *WSGateway) onIdentify(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.IdentifyPayload
	if err := decodePayload(env, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if p.UserID <= 0 {
		return fmt.Errorf("%w: missing user_id", ErrInvalidInput)
	}
	userID := UserID(p.UserID)

	if current, ok := client.UserID(); ok && current != userID {
		return fmt.Errorf("%w: connection already identified", ErrInvalidInput)
	}
	if err := g.core.Verifier.Verify(p.Token, userID); err != nil {
		g.log.Info("ws.identify.reject", "session_id", client.SessionID, "user_id", userID, "err", err)
		return err
	}

	g.core.Names.Prime(ctx, userID)
	if replaced := g.core.Registry.Register(userID, client); replaced != nil {
		g.log.Info("ws.identify.replaced", "user_id", userID, "old_session_id", replaced.SessionID, "session_id", client.SessionID)
	}

	online := g.core.Registry.Online()
	ids := make([]int64, 0, len(online))
	for _, id := range online {
		ids = append(ids, int64(id))
	}
	client.Enqueue(newEnvelope(v1.TypeIdentifyAck, v1.IdentifyAckPayload{
		UserID:    int64(userID),
		SessionID: client.SessionID,
		Online:    ids,
	}, time.Now().UTC()))

	g.log.Info("ws.identify", "session_id", client.SessionID, "user_id", userID)
	return nil
}

func (g *WSGateway) onMessageSend(ctx context.Context, client *Client, userID UserID, env v1.Envelope) {
	var p v1.MessageSendPayload
	if err := decodePayload(env, &p); err != nil {
		g.core.Engine.sendFailed(client, "", fmt.Errorf("invalid payload: %w", err))
		return
	}

	scope, err := ScopeFromWire(userID, p.ChatType, p.RecipientID)
	if err != nil {
		g.core.Engine.sendFailed(client, p.TempID, err)
		return
	}
	typ, err := ParseMessageType(p.MessageType)
	if err != nil {
		g.core.Engine.sendFailed(client, p.TempID, err)
		return
	}

	in := SendInput{
		Token:         p.TempID,
		Scope:         scope,
		Body:          p.Message,
		Type:          typ,
		VoiceDuration: p.VoiceDuration,
	}
	if p.MediaURL != "" {
		ref := p.MediaURL
		in.MediaRef = &ref
	}
	if p.ReplyTo != nil && *p.ReplyTo > 0 {
		rt := MessageID(*p.ReplyTo)
		in.ReplyTo = &rt
	}

	// Engine reports failures to the client itself.
	_, _ = g.core.Engine.Send(ctx, client, userID, in)
}

// ---- send helpers ----

func (g *WSGateway) reportErr(client *Client, err error, messageID int64) {
	var mid *int64
	if messageID > 0 {
		mid = &messageID
	}
	code := errorCode(err)
	msg := err.Error()
	if code == "persist_failed" {
		msg = "operation failed"
	}
	g.trySendError(client, code, msg, mid)
}

func (g *WSGateway) trySendError(client *Client, code, msg string, messageID *int64) {
	env := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg, MessageID: messageID}, time.Now().UTC())
	_ = client.Enqueue(env)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotIdentified):
		return "not_identified"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	default:
		return "persist_failed"
	}
}

// ---- envelope IO ----

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(env.Payload, dst)
}

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
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	if strings.Contains(err.Error(), "unexpected end of JSON input") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}
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

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins extracts the hosts websocket.Accept
// matches OriginPatterns against.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
