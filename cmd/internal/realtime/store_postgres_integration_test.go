package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatline/cmd/internal/testutil"
)

func newIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	pool := testutil.OpenPool(t)
	schema := testutil.MigratedSchema(t, pool)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	return st
}

func TestPostgresStore_Integration_CreateGetEditDelete(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()

	ref := "/uploads/a.png"
	dur := int32(0)
	m, err := st.Create(ctx, NewMessage{SenderID: 1, Body: "Image", Type: MessageImage, MediaRef: &ref})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.ID <= 0 || m.Status != StatusSent || m.RecipientID != nil || len(m.Reactions) != 0 {
		t.Fatalf("created=%+v", m)
	}

	voice, err := st.Create(ctx, NewMessage{SenderID: 2, RecipientID: uid(1), Body: "Voice note (0s)", Type: MessageVoice, MediaRef: &ref, VoiceDuration: &dur, ReplyTo: &m.ID})
	if err != nil {
		t.Fatalf("create voice: %v", err)
	}
	got, err := st.Get(ctx, voice.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ReplyTo == nil || *got.ReplyTo != m.ID || got.VoiceDuration == nil || *got.VoiceDuration != 0 || *got.RecipientID != 1 {
		t.Fatalf("voice=%+v", got)
	}

	edited, err := st.UpdateBody(ctx, m.ID, "caption", time.Now().UTC())
	if err != nil || edited.Body != "caption" || edited.EditedAt == nil {
		t.Fatalf("edit=%+v,%v", edited, err)
	}

	removed, err := st.Delete(ctx, m.ID)
	if err != nil || removed.MediaRef == nil || *removed.MediaRef != ref {
		t.Fatalf("delete=%+v,%v", removed, err)
	}
	if _, err := st.Get(ctx, m.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := st.UpdateBody(ctx, m.ID, "x", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// reply_to is cleared when the parent goes away.
	got, _ = st.Get(ctx, voice.ID)
	if got.ReplyTo != nil {
		t.Fatalf("reply_to=%v want nil", *got.ReplyTo)
	}
}

func TestPostgresStore_Integration_StatusFilters(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	private, _ := st.Create(ctx, NewMessage{SenderID: 1, RecipientID: uid(2), Body: "p", Type: MessageText})
	general, _ := st.Create(ctx, NewMessage{SenderID: 1, Body: "g", Type: MessageText})

	got, err := st.UpdateStatus(ctx, []MessageID{private.ID, general.ID}, StatusSeen, StatusFilter{Reader: uid(3)}, now)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(got) != 1 || got[0].MessageID != general.ID || got[0].From != StatusSent || got[0].SenderID != 1 {
		t.Fatalf("outsider receipts=%+v", got)
	}

	if got, _ := st.UpdateStatus(ctx, []MessageID{private.ID}, StatusSeen, StatusFilter{Reader: uid(1)}, now); len(got) != 0 {
		t.Fatalf("sender receipts=%+v", got)
	}
	if got, _ := st.UpdateStatus(ctx, []MessageID{private.ID}, StatusSeen, StatusFilter{From: StatusDelivered}, now); len(got) != 0 {
		t.Fatalf("from delivered on a sent row=%+v", got)
	}

	got, _ = st.UpdateStatus(ctx, []MessageID{private.ID}, StatusDelivered, StatusFilter{From: StatusSent}, now)
	if len(got) != 1 {
		t.Fatalf("delivered=%+v", got)
	}
	got, _ = st.UpdateStatus(ctx, []MessageID{private.ID}, StatusSeen, StatusFilter{Reader: uid(2)}, now)
	if len(got) != 1 || got[0].From != StatusDelivered {
		t.Fatalf("seen=%+v", got)
	}
	if got, _ := st.UpdateStatus(ctx, []MessageID{private.ID}, StatusDelivered, StatusFilter{}, now); len(got) != 0 {
		t.Fatalf("regression=%+v", got)
	}

	stored, _ := st.Get(ctx, private.ID)
	if stored.Status != StatusSeen || stored.DeliveredAt == nil || stored.SeenAt == nil {
		t.Fatalf("stored=%+v", stored)
	}
}

func TestPostgresStore_Integration_ConcurrentSeenReportsOnce(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()

	m, _ := st.Create(ctx, NewMessage{SenderID: 1, RecipientID: uid(2), Body: "race", Type: MessageText})

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := st.UpdateStatus(ctx, []MessageID{m.ID}, StatusSeen, StatusFilter{Reader: uid(2)}, time.Now().UTC())
			if err != nil {
				t.Errorf("update: %v", err)
				return
			}
			mu.Lock()
			total += len(got)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if total != 1 {
		t.Fatalf("receipts=%d want 1", total)
	}
}

func TestPostgresStore_Integration_ToggleReaction(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()

	m, _ := st.Create(ctx, NewMessage{SenderID: 1, Body: "r", Type: MessageText})
	bob := Reaction{UserID: 2, Emoji: "👍", Username: "bob"}
	carol := Reaction{UserID: 3, Emoji: "❤️", Username: "carol"}

	if _, err := st.ToggleReaction(ctx, m.ID, bob); err != nil {
		t.Fatalf("toggle bob: %v", err)
	}
	got, err := st.ToggleReaction(ctx, m.ID, carol)
	if err != nil {
		t.Fatalf("toggle carol: %v", err)
	}
	if len(got) != 2 || got[0] != bob || got[1] != carol {
		t.Fatalf("reactions=%+v", got)
	}
	stored, _ := st.Get(ctx, m.ID)
	if len(stored.Reactions) != 2 || stored.Reactions[0] != bob || stored.Reactions[1] != carol {
		t.Fatalf("stored=%+v", stored.Reactions)
	}

	got, _ = st.ToggleReaction(ctx, m.ID, bob)
	if len(got) != 1 || got[0] != carol {
		t.Fatalf("after removing bob: %+v", got)
	}
	got, _ = st.ToggleReaction(ctx, m.ID, carol)
	if len(got) != 0 {
		t.Fatalf("after removing carol: %+v", got)
	}

	if _, err := st.ToggleReaction(ctx, 999999, bob); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_Integration_ConcurrentTogglesAreAtomic(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()

	m, _ := st.Create(ctx, NewMessage{SenderID: 1, Body: "r", Type: MessageText})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(uid UserID) {
			defer wg.Done()
			if _, err := st.ToggleReaction(ctx, m.ID, Reaction{UserID: uid, Emoji: "🔥"}); err != nil {
				t.Errorf("toggle %d: %v", uid, err)
			}
		}(UserID(i + 1))
	}
	wg.Wait()

	stored, _ := st.Get(ctx, m.ID)
	if len(stored.Reactions) != 16 {
		t.Fatalf("lost updates: %d reactions", len(stored.Reactions))
	}
}

func TestPostgresStore_Integration_MediaRefCount(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()

	ref := "/uploads/shared.png"
	a, _ := st.Create(ctx, NewMessage{SenderID: 1, Body: "Image", Type: MessageImage, MediaRef: &ref})
	if _, err := st.Create(ctx, NewMessage{SenderID: 2, Body: "Image", Type: MessageImage, MediaRef: &ref}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if n, err := st.MediaRefCount(ctx, ref); err != nil || n != 2 {
		t.Fatalf("count=%d,%v want 2", n, err)
	}
	if _, err := st.Delete(ctx, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, _ := st.MediaRefCount(ctx, ref); n != 1 {
		t.Fatalf("count after delete=%d want 1", n)
	}
	if n, _ := st.MediaRefCount(ctx, "/uploads/none.png"); n != 0 {
		t.Fatalf("unknown ref count=%d", n)
	}
}

func TestPostgresStore_Integration_History(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()

	var general []Message
	for i := 0; i < 4; i++ {
		m, _ := st.Create(ctx, NewMessage{SenderID: 1, Body: "g", Type: MessageText})
		general = append(general, m)
	}
	ab, _ := st.Create(ctx, NewMessage{SenderID: 1, RecipientID: uid(2), Body: "ab", Type: MessageText})
	ba, _ := st.Create(ctx, NewMessage{SenderID: 2, RecipientID: uid(1), Body: "ba", Type: MessageText})
	_, _ = st.Create(ctx, NewMessage{SenderID: 1, RecipientID: uid(3), Body: "ac", Type: MessageText})

	got, err := st.History(ctx, HistoryQuery{Scope: PrivateScope(1, 2)})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 2 || got[0].ID != ab.ID || got[1].ID != ba.ID {
		t.Fatalf("private=%v", messageIDs(got))
	}

	before := general[3].ID
	got, _ = st.History(ctx, HistoryQuery{Scope: GeneralScope(), BeforeID: &before, Limit: 2})
	if len(got) != 2 || got[0].ID != general[1].ID || got[1].ID != general[2].ID {
		t.Fatalf("general page=%v", messageIDs(got))
	}
}

func TestPostgresStore_WithSchemaRejectsInvalid(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "  ", "bad-schema", "1abc", `x"; DROP`} {
		if err := WithSchema(s)(&PostgresStore{}); err == nil {
			t.Fatalf("schema %q accepted", s)
		}
	}
	if _, err := NewPostgresStore(nil); err == nil {
		t.Fatalf("nil pool accepted")
	}
}
