package realtime

import (
	"slices"
	"sync"
)

// PresenceObserver receives registry transitions. Callbacks run after the
// registry lock is released.
type PresenceObserver interface {
	MarkOnline(userID UserID, client *Client)
	MarkOffline(userID UserID, client *Client)
}

// Registry maps each user to at most one live connection and back.
//
// Concurrency guarantees:
// - One RWMutex guards both maps; no callback or I/O runs under it.
// - Last connect wins: a second Register for the same user replaces the mapping
//   and abandons the old handle without closing it.
type Registry struct {
	mu        sync.RWMutex
	byUser    map[UserID]*Client
	bySession map[*Client]UserID

	observer PresenceObserver
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser:    make(map[UserID]*Client),
		bySession: make(map[*Client]UserID),
	}
}

// Observe installs the presence observer. Call once at startup.
func (r *Registry) Observe(o PresenceObserver) {
	r.mu.Lock()
	r.observer = o
	r.mu.Unlock()
}

// Register installs or replaces the mapping for userID and reports the replaced
// handle, if any.
func (r *Registry) Register(userID UserID, client *Client) (replaced *Client) {
	if client == nil || userID <= 0 {
		return nil
	}

	r.mu.Lock()
	if old, ok := r.byUser[userID]; ok && old != client {
		delete(r.bySession, old)
		replaced = old
	}
	// A handle re-identifying as someone else drops its previous identity.
	if prev, ok := r.bySession[client]; ok && prev != userID {
		if r.byUser[prev] == client {
			delete(r.byUser, prev)
		}
	}
	r.byUser[userID] = client
	r.bySession[client] = userID
	obs := r.observer
	r.mu.Unlock()

	client.bind(userID)

	if obs != nil {
		obs.MarkOnline(userID, client)
	}
	return replaced
}

// Unregister removes client if it is still the current handle of its user.
// It is a no-op for unknown or superseded handles.
func (r *Registry) Unregister(client *Client) (UserID, bool) {
	if client == nil {
		return 0, false
	}

	r.mu.Lock()
	userID, ok := r.bySession[client]
	if !ok {
		r.mu.Unlock()
		return 0, false
	}
	delete(r.bySession, client)
	if r.byUser[userID] != client {
		r.mu.Unlock()
		return 0, false
	}
	delete(r.byUser, userID)
	obs := r.observer
	r.mu.Unlock()

	if obs != nil {
		obs.MarkOffline(userID, client)
	}
	return userID, true
}

// Resolve returns the live handle of userID. Absence means not reachable now.
func (r *Registry) Resolve(userID UserID) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUser[userID]
	return c, ok
}

// Snapshot returns every registered handle.
func (r *Registry) Snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.byUser))
	for _, c := range r.byUser {
		out = append(out, c)
	}
	return out
}

// Online returns the ids of all registered users in ascending order.
func (r *Registry) Online() []UserID {
	r.mu.RLock()
	out := make([]UserID, 0, len(r.byUser))
	for id := range r.byUser {
		out = append(out, id)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Len returns the number of online users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
