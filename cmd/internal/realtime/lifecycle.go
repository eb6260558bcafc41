package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	v1 "chatline/shared/contracts/realtime/v1"
)

// MediaStore owns attachment blobs referenced by messages. Canonical maps every
// accepted spelling of a reference to the single form stored on messages.
type MediaStore interface {
	Canonical(ref string) (string, error)
	DeleteByReference(ctx context.Context, ref string) error
}

// Sanitizer strips markup from user-supplied text.
type Sanitizer interface {
	Sanitize(s string) string
}

// SendInput is a validated send request.
type SendInput struct {
	// Token correlates the ack or failure with the client's optimistic copy.
	Token         string
	Scope         Scope
	Body          string
	Type          MessageType
	MediaRef      *string
	VoiceDuration *int32
	ReplyTo       *MessageID
	SenderName    string
}

// Validate enforces the per-variant field rules and fills the default label of
// media messages sent without a caption.
func (in *SendInput) Validate() error {
	in.Body = strings.TrimSpace(in.Body)
	if in.MediaRef != nil && strings.TrimSpace(*in.MediaRef) == "" {
		in.MediaRef = nil
	}

	switch in.Type {
	case MessageText:
		if in.Body == "" {
			return fmt.Errorf("%w: empty message", ErrInvalidInput)
		}
		if in.MediaRef != nil || in.VoiceDuration != nil {
			return fmt.Errorf("%w: text messages carry no media", ErrInvalidInput)
		}
	case MessageImage, MessageFile:
		if in.MediaRef == nil {
			return fmt.Errorf("%w: %s requires media_url", ErrInvalidInput, in.Type)
		}
		if in.VoiceDuration != nil {
			return fmt.Errorf("%w: voice_duration only applies to voice", ErrInvalidInput)
		}
		if in.Body == "" {
			in.Body = "Image"
			if in.Type == MessageFile {
				in.Body = "File"
			}
		}
	case MessageVoice:
		if in.MediaRef == nil {
			return fmt.Errorf("%w: voice requires media_url", ErrInvalidInput)
		}
		if in.VoiceDuration == nil || *in.VoiceDuration < 0 {
			return fmt.Errorf("%w: voice requires voice_duration", ErrInvalidInput)
		}
		if in.Body == "" {
			in.Body = fmt.Sprintf("Voice note (%ds)", *in.VoiceDuration)
		}
	default:
		return fmt.Errorf("%w: unknown message_type %q", ErrInvalidInput, in.Type)
	}

	if utf8.RuneCountInString(in.Body) > maxMessageChars {
		return fmt.Errorf("%w: message too long", ErrInvalidInput)
	}
	return nil
}

// EngineDeps are the collaborators of the Engine. Media, Metrics and Sanitizer may
// be nil; the sanitizer defaults to bluemonday's strict policy.
type EngineDeps struct {
	Log       *slog.Logger
	Store     MessageStore
	Router    *Router
	Names     *Names
	Media     MediaStore
	Metrics   *Metrics
	Sanitizer Sanitizer
}

// Engine owns the sent -> delivered -> seen lifecycle and reaction toggles.
//
// Concurrency guarantees:
//   - No lock is held across a store call; reaction toggles are atomic in the store.
//   - For one message the sender observes statuses in order: while Send runs, the
//     last status emitted is tracked in flight; afterwards the store-reported
//     previous status decides which intermediate transitions to emit.
//   - Persistence runs detached from the caller's cancellation; a closed connection
//     only loses the notifications addressed to it.
type Engine struct {
	log      *slog.Logger
	store    MessageStore
	router   *Router
	names    *Names
	media    MediaStore
	metrics  *Metrics
	sanitize Sanitizer
	now      func() time.Time

	mu       sync.Mutex
	inflight map[MessageID]Status
}

// NewEngine constructs the lifecycle engine.
func NewEngine(d EngineDeps) *Engine {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	sanitizer := d.Sanitizer
	if sanitizer == nil {
		sanitizer = bluemonday.StrictPolicy()
	}
	return &Engine{
		log:      log,
		store:    d.Store,
		router:   d.Router,
		names:    d.Names,
		media:    d.Media,
		metrics:  d.Metrics,
		sanitize: sanitizer,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[MessageID]Status),
	}
}

// Send persists a message, acks the sender connection, fans the message out and
// advances it to delivered when the intended audience was reached.
//
// Delivered policy: a general message is delivered once the broadcast is issued;
// a private message only when the recipient had a live connection that accepted it.
func (e *Engine) Send(ctx context.Context, client *Client, sender UserID, in SendInput) (Message, error) {
	if err := in.Validate(); err != nil {
		e.sendFailed(client, in.Token, err)
		return Message{}, err
	}
	if in.MediaRef != nil && e.media != nil {
		ref, err := e.media.Canonical(*in.MediaRef)
		if err != nil {
			err = fmt.Errorf("%w: invalid media_url", ErrInvalidInput)
			e.sendFailed(client, in.Token, err)
			return Message{}, err
		}
		in.MediaRef = &ref
	}
	body := e.clean(in.Body)
	if body == "" {
		err := fmt.Errorf("%w: empty message", ErrInvalidInput)
		e.sendFailed(client, in.Token, err)
		return Message{}, err
	}

	var recipient *UserID
	if !in.Scope.IsGeneral() {
		if !in.Scope.Includes(sender) {
			err := fmt.Errorf("%w: sender outside conversation", ErrInvalidInput)
			e.sendFailed(client, in.Token, err)
			return Message{}, err
		}
		peer := in.Scope.Peer(sender)
		recipient = &peer
	}

	pctx := context.WithoutCancel(ctx)
	now := e.now()
	msg, err := e.store.Create(pctx, NewMessage{
		SenderID:      sender,
		RecipientID:   recipient,
		Body:          body,
		Type:          in.Type,
		MediaRef:      in.MediaRef,
		VoiceDuration: in.VoiceDuration,
		ReplyTo:       in.ReplyTo,
		Now:           now,
	})
	if err != nil {
		e.log.Error("lifecycle.send.persist_fail", "sender_id", sender, "scope", in.Scope.Key(), "err", err)
		e.metrics.sendFailed()
		e.sendFailed(client, in.Token, errors.New("message could not be saved"))
		return Message{}, err
	}
	e.metrics.sent(msg.Type, in.Scope)

	e.track(msg.ID)
	defer e.untrack(msg.ID)

	client.Enqueue(newEnvelope(v1.TypeMessageAck, v1.MessageAckPayload{
		TempID:    in.Token,
		MessageID: int64(msg.ID),
		Status:    string(StatusSent),
	}, now))

	name := e.names.Cached(sender, in.SenderName)
	created := newEnvelope(v1.TypeMessageCreated, msg.ToPayload(name), now)

	reached := false
	if in.Scope.IsGeneral() {
		e.router.Deliver(e.router.Targets(in.Scope, client), created)
		reached = true
	} else {
		targets := e.router.User(*recipient)
		reached = e.router.Deliver(targets, created) > 0
	}
	if !reached {
		return msg, nil
	}

	receipts, err := e.store.UpdateStatus(pctx, []MessageID{msg.ID}, StatusDelivered, StatusFilter{From: StatusSent}, e.now())
	if err != nil {
		e.log.Warn("lifecycle.deliver.persist_fail", "message_id", msg.ID, "err", err)
		return msg, nil
	}
	for _, r := range receipts {
		e.advance(r.MessageID, r.SenderID, r.From, StatusDelivered, nil)
		msg.Status = StatusDelivered
	}
	return msg, nil
}

// Edit rewrites the body of a message authored by actor and re-broadcasts it.
func (e *Engine) Edit(ctx context.Context, client *Client, actor UserID, id MessageID, body string) (Message, error) {
	body = e.clean(strings.TrimSpace(body))
	if body == "" {
		return Message{}, fmt.Errorf("%w: empty message", ErrInvalidInput)
	}
	if utf8.RuneCountInString(body) > maxMessageChars {
		return Message{}, fmt.Errorf("%w: message too long", ErrInvalidInput)
	}

	pctx := context.WithoutCancel(ctx)
	cur, err := e.store.Get(pctx, id)
	if err != nil {
		return Message{}, err
	}
	if cur.SenderID != actor {
		return Message{}, ErrForbidden
	}

	updated, err := e.store.UpdateBody(pctx, id, body, e.now())
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.log.Error("lifecycle.edit.persist_fail", "message_id", id, "err", err)
		}
		return Message{}, err
	}

	name := e.names.Cached(updated.SenderID, "")
	env := newEnvelope(v1.TypeMessageEdited, updated.ToPayload(name), e.now())
	e.router.Deliver(withActor(e.router.Targets(updated.Scope(), nil), client), env)
	return updated, nil
}

// Delete removes a message authored by actor, releases its media best effort once
// no other message references it and broadcasts the deletion.
func (e *Engine) Delete(ctx context.Context, client *Client, actor UserID, id MessageID) error {
	pctx := context.WithoutCancel(ctx)
	cur, err := e.store.Get(pctx, id)
	if err != nil {
		return err
	}
	if cur.SenderID != actor {
		return ErrForbidden
	}

	removed, err := e.store.Delete(pctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.log.Error("lifecycle.delete.persist_fail", "message_id", id, "err", err)
		}
		return err
	}

	if removed.MediaRef != nil && e.media != nil {
		e.releaseMedia(pctx, id, *removed.MediaRef)
	}

	env := newEnvelope(v1.TypeMessageDeleted, v1.MessageDeletedPayload{MessageID: int64(id)}, e.now())
	e.router.Deliver(withActor(e.router.Targets(removed.Scope(), nil), client), env)
	return nil
}

// MarkSeen advances every message in ids that reader may see to seen and notifies
// each sender individually. Non-matching ids are skipped silently.
func (e *Engine) MarkSeen(ctx context.Context, reader UserID, ids []MessageID) (int, error) {
	return e.receipt(ctx, reader, ids, StatusSeen)
}

// ConfirmDelivered is the recipient-driven sent -> delivered transition for messages
// that reached the reader outside the live path (history load, reconnect).
func (e *Engine) ConfirmDelivered(ctx context.Context, reader UserID, ids []MessageID) (int, error) {
	return e.receipt(ctx, reader, ids, StatusDelivered)
}

func (e *Engine) receipt(ctx context.Context, reader UserID, ids []MessageID, to Status) (int, error) {
	ids = normalizeIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	receipts, err := e.store.UpdateStatus(context.WithoutCancel(ctx), ids, to, StatusFilter{Reader: &reader}, e.now())
	if err != nil {
		e.log.Error("lifecycle.receipt.persist_fail", "reader_id", reader, "status", to, "err", err)
		return 0, err
	}
	var seenBy *UserID
	if to == StatusSeen {
		seenBy = &reader
	}
	for _, r := range receipts {
		e.advance(r.MessageID, r.SenderID, r.From, to, seenBy)
	}
	return len(receipts), nil
}

// ToggleReaction adds (actor, emoji) to the message or removes it when present
// and echoes the resulting list to the whole audience including client.
func (e *Engine) ToggleReaction(ctx context.Context, client *Client, actor UserID, id MessageID, emoji, name string) ([]Reaction, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > maxEmojiBytes {
		return nil, fmt.Errorf("%w: invalid emoji", ErrInvalidInput)
	}

	pctx := context.WithoutCancel(ctx)
	cur, err := e.store.Get(pctx, id)
	if err != nil {
		return nil, err
	}
	// Scope never changes after creation, so the check holds for the toggle below.
	if !cur.Scope().Includes(actor) {
		return nil, ErrForbidden
	}
	next, err := e.store.ToggleReaction(pctx, id, Reaction{
		UserID:   actor,
		Emoji:    emoji,
		Username: e.names.Cached(actor, name),
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.log.Error("lifecycle.reaction.persist_fail", "message_id", id, "err", err)
		}
		return nil, err
	}

	env := newEnvelope(v1.TypeReactionsChanged, v1.ReactionsChangedPayload{
		MessageID: int64(id),
		Reactions: toWireReactions(next),
	}, e.now())
	e.router.Deliver(withActor(e.router.Targets(cur.Scope(), nil), client), env)
	return next, nil
}

// History returns a window of scope's messages.
func (e *Engine) History(ctx context.Context, q HistoryQuery) ([]Message, error) {
	return e.store.History(ctx, q)
}

// advance emits the transitions between from and to to the sender's live
// connection, never emitting a status at or below one already emitted.
func (e *Engine) advance(id MessageID, sender UserID, from, to Status, seenBy *UserID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	last, tracked := e.inflight[id]
	if !tracked {
		last = from
	}
	if last.Rank() >= to.Rank() {
		return
	}

	targets := e.router.User(sender)
	steps := append(to.Before(), to)
	for _, st := range steps {
		if st.Rank() <= last.Rank() {
			continue
		}
		p := v1.MessageStatusPayload{MessageID: int64(id), Status: string(st)}
		if st == StatusSeen && seenBy != nil {
			by := int64(*seenBy)
			p.SeenBy = &by
		}
		e.router.Deliver(targets, newEnvelope(v1.TypeMessageStatus, p, e.now()))
		e.metrics.transition(st)
	}
	if tracked {
		e.inflight[id] = to
	}
}

// releaseMedia deletes ref from the media store unless another message still
// points at it. A failed count keeps the file.
func (e *Engine) releaseMedia(ctx context.Context, id MessageID, ref string) {
	n, err := e.store.MediaRefCount(ctx, ref)
	if err != nil {
		e.log.Warn("lifecycle.delete.media_count_fail", "message_id", id, "media", ref, "err", err)
		return
	}
	if n > 0 {
		e.log.Debug("lifecycle.delete.media_shared", "message_id", id, "media", ref, "refs", n)
		return
	}
	if err := e.media.DeleteByReference(ctx, ref); err != nil {
		e.log.Warn("lifecycle.delete.media_fail", "message_id", id, "media", ref, "err", err)
	}
}

func (e *Engine) track(id MessageID) {
	e.mu.Lock()
	e.inflight[id] = StatusSent
	e.mu.Unlock()
}

func (e *Engine) untrack(id MessageID) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

func (e *Engine) sendFailed(client *Client, token string, err error) {
	client.Enqueue(newEnvelope(v1.TypeSendFailed, v1.SendFailedPayload{
		TempID: token,
		Error:  err.Error(),
	}, e.now()))
}

func (e *Engine) clean(body string) string {
	return strings.TrimSpace(e.sanitize.Sanitize(body))
}

func normalizeIDs(ids []MessageID) []MessageID {
	out := make([]MessageID, 0, len(ids))
	seen := make(map[MessageID]struct{}, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
		if len(out) == maxReceiptBatch {
			break
		}
	}
	return out
}
