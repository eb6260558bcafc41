package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "chatline/shared/contracts/realtime/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubDirectory is an in-process UserDirectory that records side effects.
type stubDirectory struct {
	mu        sync.Mutex
	names     map[int64]string
	cached    map[int64]string
	touched   map[int64]time.Time
	forgotten []int64
	lookups   int
}

func newStubDirectory(names map[int64]string) *stubDirectory {
	if names == nil {
		names = map[int64]string{}
	}
	return &stubDirectory{
		names:   names,
		cached:  map[int64]string{},
		touched: map[int64]time.Time{},
	}
}

func (d *stubDirectory) UsernameOf(_ context.Context, id int64) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookups++
	name, ok := d.names[id]
	if !ok {
		return "", fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	d.cached[id] = name
	return name, nil
}

func (d *stubDirectory) CachedUsername(id int64) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name, ok := d.cached[id]
	return name, ok
}

func (d *stubDirectory) Forget(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cached, id)
	d.forgotten = append(d.forgotten, id)
}

func (d *stubDirectory) TouchLastSeen(_ context.Context, id int64, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.touched[id] = at
	return nil
}

func (d *stubDirectory) lookupCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookups
}

func (d *stubDirectory) lastSeen(id int64) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.touched[id]
	return at, ok
}

type coreOptions struct {
	store MessageStore
	dir   UserDirectory
	media MediaStore
}

func newTestCore(t *testing.T, opts coreOptions) *Core {
	t.Helper()
	if opts.store == nil {
		opts.store = NewInMemoryStore()
	}
	if opts.dir == nil {
		opts.dir = newStubDirectory(nil)
	}
	core, err := NewCore(CoreDeps{
		Log:       testLogger(),
		Store:     opts.store,
		Directory: opts.dir,
		Media:     opts.media,
	})
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	return core
}

// connect registers a fresh handle for userID and discards the presence
// traffic the registration caused on every handle passed in others.
func connect(core *Core, userID UserID, others ...*Client) *Client {
	c := NewClient(fmt.Sprintf("sess-%d", userID), 64)
	core.Registry.Register(userID, c)
	drain(c)
	for _, o := range others {
		drain(o)
	}
	return c
}

// drain returns every envelope currently queued on c.
func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func types(envs []v1.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Type)
	}
	return out
}

func ofType(envs []v1.Envelope, typ string) []v1.Envelope {
	var out []v1.Envelope
	for _, e := range envs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func decode[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return p
}

// statuses returns the message_status sequence addressed to a client for id.
func statuses(t *testing.T, envs []v1.Envelope, id MessageID) []string {
	t.Helper()
	var out []string
	for _, e := range ofType(envs, v1.TypeMessageStatus) {
		p := decode[v1.MessageStatusPayload](t, e)
		if p.MessageID == int64(id) {
			out = append(out, p.Status)
		}
	}
	return out
}
