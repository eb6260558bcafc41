package identity

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryDirectory is a dev-only Directory used when DB is not configured.
type MemoryDirectory struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]User
	byNorm map[string]int64
}

// NewMemoryDirectory constructs an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:  make(map[int64]User),
		byNorm: make(map[string]int64),
	}
}

// CreateUser registers username, rejecting case-insensitive duplicates.
func (d *MemoryDirectory) CreateUser(ctx context.Context, username string, now time.Time) (User, error) {
	const op = "identity.CreateUser"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	username = strings.TrimSpace(username)
	if err := validateUsername(op, username); err != nil {
		return User{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	norm := NormalizeUsername(username)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byNorm[norm]; ok {
		return User{}, ConflictError{Op: op, Field: "username"}
	}
	d.nextID++
	u := User{ID: d.nextID, Username: username, CreatedAt: now}
	d.users[u.ID] = u
	d.byNorm[norm] = u.ID
	return u, nil
}

// GetUser returns the user with id.
func (d *MemoryDirectory) GetUser(ctx context.Context, id int64) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok {
		return User{}, NotFoundError{Op: "identity.GetUser", UserID: id}
	}
	return u, nil
}

// ListUsers returns every user ordered by id.
func (d *MemoryDirectory) ListUsers(ctx context.Context) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	out := make([]User, 0, len(d.users))
	for _, u := range d.users {
		out = append(out, u)
	}
	d.mu.Unlock()
	slices.SortFunc(out, func(a, b User) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// TouchLastSeen stamps last_seen; unknown ids are ignored.
func (d *MemoryDirectory) TouchLastSeen(ctx context.Context, id int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok {
		return nil
	}
	ts := at
	u.LastSeen = &ts
	d.users[id] = u
	return nil
}

var _ Directory = (*MemoryDirectory)(nil)
