package identity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingDirectory struct {
	Directory
	gets atomic.Int64
}

func (c *countingDirectory) GetUser(ctx context.Context, id int64) (User, error) {
	c.gets.Add(1)
	return c.Directory.GetUser(ctx, id)
}

func TestMemoryDirectory_CreateUser(t *testing.T) {
	t.Parallel()

	d := NewMemoryDirectory()
	ctx := context.Background()

	u, err := d.CreateUser(ctx, "  Alice ", time.Time{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if u.ID != 1 || u.Username != "Alice" {
		t.Fatalf("unexpected user: %+v", u)
	}

	if _, err := d.CreateUser(ctx, "ALICE", time.Time{}); !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := d.CreateUser(ctx, "   ", time.Time{}); !IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := d.GetUser(ctx, 42); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryDirectory_TouchLastSeen(t *testing.T) {
	t.Parallel()

	d := NewMemoryDirectory()
	ctx := context.Background()

	u, err := d.CreateUser(ctx, "bob", time.Time{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := d.TouchLastSeen(ctx, u.ID, at); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, _ := d.GetUser(ctx, u.ID)
	if got.LastSeen == nil || !got.LastSeen.Equal(at) {
		t.Fatalf("last_seen=%v want %v", got.LastSeen, at)
	}

	// Unknown ids are ignored.
	if err := d.TouchLastSeen(ctx, 99, at); err != nil {
		t.Fatalf("touch unknown: %v", err)
	}
}

func TestMemoryDirectory_ListUsers(t *testing.T) {
	t.Parallel()

	d := NewMemoryDirectory()
	ctx := context.Background()

	if users, err := d.ListUsers(ctx); err != nil || len(users) != 0 {
		t.Fatalf("empty list=%v,%v", users, err)
	}
	for _, name := range []string{"carol", "alice", "bob"} {
		if _, err := d.CreateUser(ctx, name, time.Time{}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_ = d.TouchLastSeen(ctx, 2, at)

	users, err := d.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("users=%+v", users)
	}
	for i, want := range []string{"carol", "alice", "bob"} {
		if users[i].ID != int64(i+1) || users[i].Username != want {
			t.Fatalf("users[%d]=%+v want id %d %s", i, users[i], i+1, want)
		}
	}
	if users[1].LastSeen == nil || !users[1].LastSeen.Equal(at) || users[0].LastSeen != nil {
		t.Fatalf("last_seen: %v %v", users[0].LastSeen, users[1].LastSeen)
	}

	cached := NewCachedDirectory(d)
	if got, err := cached.ListUsers(ctx); err != nil || len(got) != 3 {
		t.Fatalf("cached list=%v,%v", got, err)
	}
	if _, ok := cached.CachedUsername(1); ok {
		t.Fatalf("listing must not fill the connection cache")
	}
}

func TestCachedDirectory_CachesUntilForget(t *testing.T) {
	t.Parallel()

	mem := NewMemoryDirectory()
	ctx := context.Background()
	u, err := mem.CreateUser(ctx, "carol", time.Time{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	backend := &countingDirectory{Directory: mem}
	d := NewCachedDirectory(backend)

	if _, ok := d.CachedUsername(u.ID); ok {
		t.Fatalf("expected cold cache")
	}

	for i := 0; i < 3; i++ {
		name, err := d.UsernameOf(ctx, u.ID)
		if err != nil {
			t.Fatalf("UsernameOf: %v", err)
		}
		if name != "carol" {
			t.Fatalf("name=%q want carol", name)
		}
	}
	if got := backend.gets.Load(); got != 1 {
		t.Fatalf("backend gets=%d want 1", got)
	}

	if name, ok := d.CachedUsername(u.ID); !ok || name != "carol" {
		t.Fatalf("CachedUsername=%q,%v", name, ok)
	}

	d.Forget(u.ID)
	if _, ok := d.CachedUsername(u.ID); ok {
		t.Fatalf("expected cache miss after Forget")
	}
	if _, err := d.UsernameOf(ctx, u.ID); err != nil {
		t.Fatalf("UsernameOf after forget: %v", err)
	}
	if got := backend.gets.Load(); got != 2 {
		t.Fatalf("backend gets=%d want 2", got)
	}
}

func TestCachedDirectory_UnknownUser(t *testing.T) {
	t.Parallel()

	d := NewCachedDirectory(NewMemoryDirectory())
	_, err := d.UsernameOf(context.Background(), 7)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, ok := d.CachedUsername(7); ok {
		t.Fatalf("misses must not be cached")
	}
}

func TestCachedDirectory_CreateUserPrimesCache(t *testing.T) {
	t.Parallel()

	d := NewCachedDirectory(NewMemoryDirectory())
	u, err := d.CreateUser(context.Background(), "dave", time.Time{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if name, ok := d.CachedUsername(u.ID); !ok || name != "dave" {
		t.Fatalf("CachedUsername=%q,%v", name, ok)
	}
}
