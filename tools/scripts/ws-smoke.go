// Package main provides a CI-friendly WebSocket smoke test for chatline realtime.
//
// It validates:
//   - handshake + subprotocol selection
//   - identify/identify_ack for two users
//   - general send -> ack -> message_created fan-out -> delivered
//   - private send -> delivered -> seen receipt to the sender
//   - reaction toggle echoed to both participants
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "chatline/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "chatline.realtime.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	userID    int64
	conn      *websocket.Conn
	sessionID string
	seq       int

	inbox chan v1.Envelope
	errCh chan error
}

// ignorable are broadcasts a client may see at any point of the flow.
var ignorable = map[string]struct{}{
	v1.TypePresenceChanged: {},
	v1.TypeTypingChanged:   {},
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.Int64("user-a", 1, "User id of client A")
		userB   = flag.Int64("user-b", 2, "User id of client B")
		tokenA  = flag.String("token-a", "", "Identify token of client A (when the server verifies tokens)")
		tokenB  = flag.String("token-b", "", "Identify token of client B")
		text    = flag.String("text", "hello chatline 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if *userA <= 0 || *userB <= 0 || *userA == *userB {
		fatalf("-user-a and -user-b must be distinct positive ids")
	}

	root := context.Background()

	a := mustConnect(root, "A", *userA, *tokenA, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, *tokenB, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	// General chat: ack to A, created to B, delivered back to A.
	generalID := mustSendAndAssertAck(root, a, v1.MessageSendPayload{
		TempID:   "smoke-general",
		ChatType: v1.ChatTypeGeneral,
		Message:  *text,
	}, *timeout)
	mustAssertCreated(root, b, generalID, a.userID, *text, *timeout)
	mustAssertStatus(root, a, generalID, v1.StatusDelivered, *timeout)

	// Private chat: delivered on send, seen once B reads it.
	recipient := b.userID
	privateID := mustSendAndAssertAck(root, a, v1.MessageSendPayload{
		TempID:      "smoke-private",
		ChatType:    v1.ChatTypePrivate,
		RecipientID: &recipient,
		Message:     *text,
	}, *timeout)
	mustAssertCreated(root, b, privateID, a.userID, *text, *timeout)
	mustAssertStatus(root, a, privateID, v1.StatusDelivered, *timeout)

	b.mustWrite(root, v1.TypeMessagesSeen, v1.MessageBatchPayload{MessageIDs: []int64{privateID}}, *timeout)
	seen := mustAssertStatus(root, a, privateID, v1.StatusSeen, *timeout)
	if seen.SeenBy == nil || *seen.SeenBy != b.userID {
		fatalf("seen receipt missing seen_by=%d", b.userID)
	}

	b.mustWrite(root, v1.TypeReactionToggle, v1.ReactionTogglePayload{MessageID: privateID, Emoji: "👍"}, *timeout)
	for _, c := range []*smokeClient{a, b} {
		env := c.mustReadUntilType(root, v1.TypeReactionsChanged, *timeout, ignorable)
		var p v1.ReactionsChangedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal reactions_changed (%s): %v", c.name, err)
		}
		if p.MessageID != privateID || len(p.Reactions) != 1 || p.Reactions[0].UserID != b.userID {
			fatalf("unexpected reactions_changed (%s): %+v", c.name, p)
		}
	}

	mustAssertNoType(root, b, v1.TypeMessageStatus, 750*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s general_id=%d private_id=%d\n", a.sessionID, b.sessionID, generalID, privateID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name string, userID int64, token, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	c.mustWrite(parent, v1.TypeIdentify, v1.IdentifyPayload{UserID: userID, Token: token}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeIdentifyAck, stepTimeout, ignorable)

	var p v1.IdentifyAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal identify_ack payload (%s): %v", name, err)
	}
	if p.UserID != userID {
		fatalf("identify_ack user mismatch (%s): got=%d want=%d", name, p.UserID, userID)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("identify_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func (c *smokeClient) mustWrite(parent context.Context, typ string, payload any, stepTimeout time.Duration) {
	c.seq++
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, c.seq),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, p v1.MessageSendPayload, stepTimeout time.Duration) int64 {
	c.mustWrite(parent, v1.TypeMessageSend, p, stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, ignorable)

	var ack v1.MessageAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		fatalf("unmarshal message_ack payload (%s): %v", c.name, err)
	}
	if ack.TempID != p.TempID {
		fatalf("ack temp_id mismatch (%s): got=%q want=%q", c.name, ack.TempID, p.TempID)
	}
	if ack.MessageID <= 0 {
		fatalf("ack invalid message_id (%s): %d", c.name, ack.MessageID)
	}
	if ack.Status != v1.StatusSent {
		fatalf("ack status (%s): got=%q want=%q", c.name, ack.Status, v1.StatusSent)
	}
	return ack.MessageID
}

func mustAssertCreated(parent context.Context, c *smokeClient, messageID, senderID int64, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageCreated, stepTimeout, ignorable)

	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_created payload (%s): %v", c.name, err)
	}
	if p.ID != messageID {
		fatalf("created id mismatch (%s): got=%d want=%d", c.name, p.ID, messageID)
	}
	if p.SenderID != senderID {
		fatalf("created sender mismatch (%s): got=%d want=%d", c.name, p.SenderID, senderID)
	}
	if p.Message != text {
		fatalf("created text mismatch (%s): got=%q want=%q", c.name, p.Message, text)
	}
	if strings.TrimSpace(p.SenderName) == "" {
		fatalf("created missing sender_name (%s)", c.name)
	}
}

func mustAssertStatus(parent context.Context, c *smokeClient, messageID int64, want string, stepTimeout time.Duration) v1.MessageStatusPayload {
	for {
		env := c.mustReadUntilType(parent, v1.TypeMessageStatus, stepTimeout, ignorable)

		var p v1.MessageStatusPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal message_status payload (%s): %v", c.name, err)
		}
		if p.MessageID != messageID {
			continue
		}
		if p.Status != want {
			fatalf("status mismatch (%s): message=%d got=%q want=%q", c.name, messageID, p.Status, want)
		}
		return p
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
