package identity

import (
	"context"
	"sync"
	"time"
)

// User is a chat participant as stored in the directory.
type User struct {
	ID        int64
	Username  string
	CreatedAt time.Time
	LastSeen  *time.Time
}

// Directory is the user persistence boundary.
type Directory interface {
	CreateUser(ctx context.Context, username string, now time.Time) (User, error)
	GetUser(ctx context.Context, id int64) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	TouchLastSeen(ctx context.Context, id int64, at time.Time) error
}

// CachedDirectory fronts a Directory with an in-process username cache.
//
// Concurrency model:
// - One RWMutex guards the cache; it is never held across a Directory call.
// - CachedUsername never performs I/O, so realtime fan-out can call it freely.
type CachedDirectory struct {
	backend Directory

	mu    sync.RWMutex
	names map[int64]string
}

// NewCachedDirectory wraps backend.
func NewCachedDirectory(backend Directory) *CachedDirectory {
	return &CachedDirectory{
		backend: backend,
		names:   make(map[int64]string),
	}
}

// UsernameOf returns the cached username of id, loading it on a miss.
func (d *CachedDirectory) UsernameOf(ctx context.Context, id int64) (string, error) {
	if name, ok := d.CachedUsername(id); ok {
		return name, nil
	}
	u, err := d.backend.GetUser(ctx, id)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.names[id] = u.Username
	d.mu.Unlock()
	return u.Username, nil
}

// CachedUsername returns the cached username of id without I/O.
func (d *CachedDirectory) CachedUsername(id int64) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	name, ok := d.names[id]
	return name, ok
}

// Forget drops id from the cache.
func (d *CachedDirectory) Forget(id int64) {
	d.mu.Lock()
	delete(d.names, id)
	d.mu.Unlock()
}

// TouchLastSeen forwards to the backend.
func (d *CachedDirectory) TouchLastSeen(ctx context.Context, id int64, at time.Time) error {
	return d.backend.TouchLastSeen(ctx, id, at)
}

// CreateUser forwards to the backend and caches the new name.
func (d *CachedDirectory) CreateUser(ctx context.Context, username string, now time.Time) (User, error) {
	u, err := d.backend.CreateUser(ctx, username, now)
	if err != nil {
		return User{}, err
	}
	d.mu.Lock()
	d.names[u.ID] = u.Username
	d.mu.Unlock()
	return u, nil
}

// GetUser forwards to the backend.
func (d *CachedDirectory) GetUser(ctx context.Context, id int64) (User, error) {
	return d.backend.GetUser(ctx, id)
}

// ListUsers forwards to the backend. The cache is left alone; it only tracks
// connected users.
func (d *CachedDirectory) ListUsers(ctx context.Context) ([]User, error) {
	return d.backend.ListUsers(ctx)
}

var _ Directory = (*CachedDirectory)(nil)
