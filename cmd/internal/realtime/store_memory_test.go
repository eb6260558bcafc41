package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func seed(t *testing.T, s MessageStore, sender UserID, recipient *UserID, body string) Message {
	t.Helper()
	m, err := s.Create(context.Background(), NewMessage{SenderID: sender, RecipientID: recipient, Body: body, Type: MessageText})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return m
}

func uid(v UserID) *UserID { return &v }

func TestInMemoryStore_CreateAssignsIncreasingIDs(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	m1 := seed(t, s, 1, nil, "one")
	m2 := seed(t, s, 1, nil, "two")
	if m1.ID <= 0 || m2.ID <= m1.ID {
		t.Fatalf("ids=%d,%d", m1.ID, m2.ID)
	}
	if m1.Status != StatusSent || m1.CreatedAt.IsZero() {
		t.Fatalf("m1=%+v", m1)
	}

	if _, err := s.Create(context.Background(), NewMessage{Body: "x", Type: MessageText}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing sender: expected ErrInvalidInput, got %v", err)
	}
}

func TestInMemoryStore_UpdateStatusForwardOnly(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	m := seed(t, s, 1, uid(2), "hi")
	ctx := context.Background()
	now := time.Now().UTC()

	got, err := s.UpdateStatus(ctx, []MessageID{m.ID, m.ID}, StatusSeen, StatusFilter{Reader: uid(2)}, now)
	if err != nil || len(got) != 1 || got[0].From != StatusSent || got[0].SenderID != 1 {
		t.Fatalf("seen=%+v,%v", got, err)
	}

	got, _ = s.UpdateStatus(ctx, []MessageID{m.ID}, StatusDelivered, StatusFilter{}, now)
	if len(got) != 0 {
		t.Fatalf("regression to delivered must not match: %+v", got)
	}

	stored, _ := s.Get(ctx, m.ID)
	if stored.Status != StatusSeen || stored.SeenAt == nil || stored.DeliveredAt == nil {
		t.Fatalf("stored=%+v", stored)
	}

	if _, err := s.UpdateStatus(ctx, []MessageID{m.ID}, Status("read"), StatusFilter{}, now); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown status: expected ErrInvalidInput, got %v", err)
	}
}

func TestInMemoryStore_UpdateStatusFromFilter(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	m := seed(t, s, 1, nil, "hi")
	ctx := context.Background()
	now := time.Now().UTC()

	if got, _ := s.UpdateStatus(ctx, []MessageID{m.ID}, StatusSeen, StatusFilter{From: StatusDelivered}, now); len(got) != 0 {
		t.Fatalf("from delivered must not match a sent row: %+v", got)
	}
	if got, _ := s.UpdateStatus(ctx, []MessageID{m.ID}, StatusDelivered, StatusFilter{From: StatusSent}, now); len(got) != 1 {
		t.Fatalf("from sent: %+v", got)
	}
}

func TestInMemoryStore_ToggleReaction(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	m := seed(t, s, 1, nil, "hi")
	ctx := context.Background()

	thumb := Reaction{UserID: 2, Emoji: "👍", Username: "bob"}
	got, err := s.ToggleReaction(ctx, m.ID, thumb)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if len(got) != 1 || got[0] != thumb {
		t.Fatalf("reactions=%+v", got)
	}
	got[0].Emoji = "mutated"

	stored, _ := s.Get(ctx, m.ID)
	if len(stored.Reactions) != 1 || stored.Reactions[0].Emoji != "👍" {
		t.Fatalf("returned list must be a copy: %+v", stored.Reactions)
	}
	stored.Reactions[0].Emoji = "mutated"
	again, _ := s.Get(ctx, m.ID)
	if again.Reactions[0].Emoji != "👍" {
		t.Fatalf("Get must return a copy")
	}

	if got, _ := s.ToggleReaction(ctx, m.ID, Reaction{UserID: 3, Emoji: "👍", Username: "carol"}); len(got) != 2 {
		t.Fatalf("second user: %+v", got)
	}
	got, _ = s.ToggleReaction(ctx, m.ID, thumb)
	if len(got) != 1 || got[0].UserID != 3 {
		t.Fatalf("after removal: %+v", got)
	}

	if _, err := s.ToggleReaction(ctx, 999, thumb); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInMemoryStore_ConcurrentTogglesAreAtomic(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	m := seed(t, s, 1, nil, "hi")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(uid UserID) {
			defer wg.Done()
			if _, err := s.ToggleReaction(ctx, m.ID, Reaction{UserID: uid, Emoji: "🔥"}); err != nil {
				t.Errorf("toggle %d: %v", uid, err)
			}
		}(UserID(i + 1))
	}
	wg.Wait()

	stored, _ := s.Get(ctx, m.ID)
	if len(stored.Reactions) != 32 {
		t.Fatalf("lost updates: %d reactions", len(stored.Reactions))
	}
}

func TestInMemoryStore_MediaRefCount(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	ref := "/uploads/cat.png"
	other := "/uploads/dog.png"

	for _, r := range []*string{&ref, &ref, &other, nil} {
		typ := MessageImage
		if r == nil {
			typ = MessageText
		}
		if _, err := s.Create(ctx, NewMessage{SenderID: 1, Body: "x", Type: typ, MediaRef: r}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	for _, tc := range []struct {
		ref  string
		want int
	}{
		{ref, 2},
		{other, 1},
		{"/uploads/none.png", 0},
	} {
		n, err := s.MediaRefCount(ctx, tc.ref)
		if err != nil || n != tc.want {
			t.Fatalf("MediaRefCount(%q)=%d,%v want %d", tc.ref, n, err, tc.want)
		}
	}
}

func TestInMemoryStore_EditAndDelete(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	m := seed(t, s, 1, nil, "before")
	ctx := context.Background()

	edited, err := s.UpdateBody(ctx, m.ID, "after", time.Now().UTC())
	if err != nil || edited.Body != "after" || edited.EditedAt == nil {
		t.Fatalf("edit=%+v,%v", edited, err)
	}

	removed, err := s.Delete(ctx, m.ID)
	if err != nil || removed.ID != m.ID || removed.Body != "after" {
		t.Fatalf("delete=%+v,%v", removed, err)
	}
	if _, err := s.Get(ctx, m.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.UpdateBody(ctx, m.ID, "x", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Delete(ctx, m.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInMemoryStore_HistoryScopesAndPaging(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	var general []Message
	for i := 0; i < 5; i++ {
		general = append(general, seed(t, s, 1, nil, "g"))
	}
	ab := seed(t, s, 1, uid(2), "a to b")
	ba := seed(t, s, 2, uid(1), "b to a")
	seed(t, s, 1, uid(3), "a to c")

	got, err := s.History(ctx, HistoryQuery{Scope: PrivateScope(2, 1)})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 2 || got[0].ID != ab.ID || got[1].ID != ba.ID {
		t.Fatalf("private history=%v", messageIDs(got))
	}

	got, _ = s.History(ctx, HistoryQuery{Scope: GeneralScope(), Limit: 2})
	if len(got) != 2 || got[0].ID != general[3].ID || got[1].ID != general[4].ID {
		t.Fatalf("latest window=%v", messageIDs(got))
	}

	before := general[3].ID
	got, _ = s.History(ctx, HistoryQuery{Scope: GeneralScope(), BeforeID: &before, Limit: 2})
	if len(got) != 2 || got[0].ID != general[1].ID || got[1].ID != general[2].ID {
		t.Fatalf("page before %d=%v", before, messageIDs(got))
	}
}

func TestInMemoryStore_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewInMemoryStore()
	if _, err := s.Create(ctx, NewMessage{SenderID: 1, Body: "x", Type: MessageText}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHistoryQuery_Limit(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want int
	}{
		{0, 50},
		{-1, 50},
		{10, 10},
		{200, 200},
		{201, 200},
	}
	for _, tc := range cases {
		if got := (HistoryQuery{Limit: tc.in}).limit(); got != tc.want {
			t.Fatalf("limit(%d)=%d want %d", tc.in, got, tc.want)
		}
	}
}

func messageIDs(ms []Message) []MessageID {
	out := make([]MessageID, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}
