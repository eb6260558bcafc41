package realtime

import (
	"sync"
	"testing"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) MarkOnline(u UserID, _ *Client) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "online:"+Placeholder(u))
}

func (o *recordingObserver) MarkOffline(u UserID, _ *Client) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "offline:"+Placeholder(u))
}

func TestRegistry_RegisterResolveUnregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	obs := &recordingObserver{}
	r.Observe(obs)

	c := NewClient("s1", 8)
	if replaced := r.Register(7, c); replaced != nil {
		t.Fatalf("unexpected replaced handle")
	}
	if got, ok := r.Resolve(7); !ok || got != c {
		t.Fatalf("Resolve(7)=%v,%v", got, ok)
	}
	if id, ok := c.UserID(); !ok || id != 7 {
		t.Fatalf("client not bound: %v,%v", id, ok)
	}

	if id, ok := r.Unregister(c); !ok || id != 7 {
		t.Fatalf("Unregister=%v,%v", id, ok)
	}
	if _, ok := r.Resolve(7); ok {
		t.Fatalf("user must be offline after unregister")
	}
	if _, ok := r.Unregister(c); ok {
		t.Fatalf("second Unregister must be a no-op")
	}

	want := []string{"online:User 7", "offline:User 7"}
	if len(obs.events) != len(want) || obs.events[0] != want[0] || obs.events[1] != want[1] {
		t.Fatalf("events=%v want %v", obs.events, want)
	}
}

func TestRegistry_LastConnectWins(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	obs := &recordingObserver{}
	r.Observe(obs)

	first := NewClient("s1", 8)
	second := NewClient("s2", 8)
	r.Register(1, first)

	if replaced := r.Register(1, second); replaced != first {
		t.Fatalf("expected first handle to be replaced")
	}
	if got, _ := r.Resolve(1); got != second {
		t.Fatalf("Resolve must return the newest handle")
	}

	// The superseded handle disconnecting must not take the user offline.
	if _, ok := r.Unregister(first); ok {
		t.Fatalf("stale unregister must be a no-op")
	}
	if got, ok := r.Resolve(1); !ok || got != second {
		t.Fatalf("user must stay online with the newest handle")
	}
	for _, e := range obs.events {
		if e == "offline:User 1" {
			t.Fatalf("stale unregister emitted offline: %v", obs.events)
		}
	}

	select {
	case <-first.Done():
		t.Fatalf("replaced handle must not be closed by the registry")
	default:
	}
}

func TestRegistry_OnlineSortedAndLen(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for _, id := range []UserID{5, 1, 3} {
		r.Register(id, NewClient(Placeholder(id), 8))
	}
	got := r.Online()
	if len(got) != 3 || got[0] != 1 || got[1] != 3 || got[2] != 5 {
		t.Fatalf("Online()=%v", got)
	}
	if r.Len() != 3 || len(r.Snapshot()) != 3 {
		t.Fatalf("Len=%d Snapshot=%d", r.Len(), len(r.Snapshot()))
	}
}

func TestRegistry_RejectsInvalidRegistration(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(0, NewClient("s", 8))
	r.Register(3, nil)
	if r.Len() != 0 {
		t.Fatalf("invalid registrations must be ignored")
	}
}

func TestRegistry_ConcurrentRegisterUnregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(id UserID) {
			defer wg.Done()
			c := NewClient(Placeholder(id), 8)
			r.Register(id, c)
			_ = r.Online()
			r.Unregister(c)
		}(UserID(i))
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Fatalf("Len=%d want 0", r.Len())
	}
}
