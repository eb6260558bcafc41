package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	v1 "chatline/shared/contracts/realtime/v1"
)

// Presence turns registry transitions into presence and typing events.
// It keeps no state of its own: who is online is whatever the Registry says.
//
// Registry callbacks run outside the registry lock, so a reconnect's online
// transition can reach Presence before the old socket's offline one. Emission
// is serialized by mu and every transition is re-checked against the Registry
// under it; stale transitions are skipped.
type Presence struct {
	log      *slog.Logger
	registry *Registry
	router   *Router
	typing   *TypingCoordinator
	names    *Names
	now      func() time.Time

	mu sync.Mutex
}

// NewPresence constructs the tracker and installs it as the registry observer.
func NewPresence(log *slog.Logger, registry *Registry, router *Router, typing *TypingCoordinator, names *Names) *Presence {
	p := &Presence{
		log:      log,
		registry: registry,
		router:   router,
		typing:   typing,
		names:    names,
		now:      func() time.Time { return time.Now().UTC() },
	}
	registry.Observe(p)
	return p
}

// MarkOnline notifies every other connection that userID came online. It is a
// no-op when client is no longer userID's live handle.
func (p *Presence) MarkOnline(userID UserID, client *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if live, ok := p.registry.Resolve(userID); !ok || live != client {
		return
	}
	p.broadcast(client, v1.TypePresenceChanged, v1.PresenceChangedPayload{
		UserID: int64(userID),
		Status: v1.PresenceOnline,
	})
}

// MarkOffline notifies every other connection that userID left, clears the
// user's typing state and emits a synthetic typing stop. It is a no-op when
// userID already has a live handle again.
func (p *Presence) MarkOffline(userID UserID, client *Client) {
	p.mu.Lock()
	if _, ok := p.registry.Resolve(userID); ok {
		p.mu.Unlock()
		p.log.Debug("presence.offline.stale", "user_id", userID, "session_id", client.SessionID)
		return
	}

	cleared := p.typing.ClearUser(userID)
	p.broadcast(client, v1.TypePresenceChanged, v1.PresenceChangedPayload{
		UserID: int64(userID),
		Status: v1.PresenceOffline,
	})
	p.broadcast(client, v1.TypeTypingChanged, v1.TypingChangedPayload{
		UserID:   int64(userID),
		Typing:   false,
		Username: p.names.Cached(userID, ""),
	})
	p.names.Forget(userID)
	p.mu.Unlock()

	p.names.TouchLastSeen(context.Background(), userID, p.now())

	if len(cleared) > 0 {
		p.log.Debug("presence.typing.cleared", "user_id", userID, "scopes", len(cleared))
	}
}

func (p *Presence) broadcast(actor *Client, typ string, payload any) {
	targets := p.router.Targets(GeneralScope(), actor)
	if len(targets) == 0 {
		return
	}
	p.router.Deliver(targets, newEnvelope(typ, payload, p.now()))
}

var _ PresenceObserver = (*Presence)(nil)
