package realtime

import (
	"slices"
	"sync"
	"time"

	v1 "chatline/shared/contracts/realtime/v1"
)

// TypingCoordinator tracks who is typing per conversation and routes the
// start/stop events. It is the only writer of the typing sets.
//
// Invariant: a scope with no typing users has no entry in the map.
type TypingCoordinator struct {
	router *Router
	names  *Names

	mu   sync.Mutex
	sets map[string]map[UserID]struct{}
	keys map[string]Scope
}

// NewTypingCoordinator constructs a coordinator.
func NewTypingCoordinator(router *Router, names *Names) *TypingCoordinator {
	return &TypingCoordinator{
		router: router,
		names:  names,
		sets:   make(map[string]map[UserID]struct{}),
		keys:   make(map[string]Scope),
	}
}

// StartTyping marks userID as typing in scope and notifies the scope's peers.
func (t *TypingCoordinator) StartTyping(actor *Client, userID UserID, scope Scope, name string) {
	t.mu.Lock()
	key := scope.Key()
	set := t.sets[key]
	if set == nil {
		set = make(map[UserID]struct{})
		t.sets[key] = set
		t.keys[key] = scope
	}
	set[userID] = struct{}{}
	t.mu.Unlock()

	t.emit(actor, userID, scope, true, name)
}

// StopTyping clears userID in scope and notifies the scope's peers. Stopping a
// user that is not typing is a no-op for the set but still emits the event.
func (t *TypingCoordinator) StopTyping(actor *Client, userID UserID, scope Scope, name string) {
	t.mu.Lock()
	t.removeLocked(scope.Key(), userID)
	t.mu.Unlock()

	t.emit(actor, userID, scope, false, name)
}

// ClearUser removes userID from every conversation and returns the affected scopes.
func (t *TypingCoordinator) ClearUser(userID UserID) []Scope {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Scope
	for key, set := range t.sets {
		if _, ok := set[userID]; !ok {
			continue
		}
		out = append(out, t.keys[key])
		t.removeLocked(key, userID)
	}
	return out
}

// Typing returns the users typing in scope, ascending.
func (t *TypingCoordinator) Typing(scope Scope) []UserID {
	t.mu.Lock()
	set := t.sets[scope.Key()]
	out := make([]UserID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	t.mu.Unlock()
	slices.Sort(out)
	return out
}

// Len returns the number of conversations with at least one typing user.
func (t *TypingCoordinator) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sets)
}

func (t *TypingCoordinator) removeLocked(key string, userID UserID) {
	set := t.sets[key]
	if set == nil {
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(t.sets, key)
		delete(t.keys, key)
	}
}

func (t *TypingCoordinator) emit(actor *Client, userID UserID, scope Scope, typing bool, name string) {
	var targets []*Client
	if scope.IsGeneral() {
		targets = t.router.Targets(scope, actor)
	} else {
		targets = t.router.User(scope.Peer(userID))
	}
	if len(targets) == 0 {
		return
	}

	env := newEnvelope(v1.TypeTypingChanged, v1.TypingChangedPayload{
		UserID:   int64(userID),
		Typing:   typing,
		Username: t.names.Cached(userID, name),
		ChatType: scope.ChatType(),
		ChatID:   scope.ChatIDFor(scope.Peer(userID)),
	}, time.Now().UTC())
	t.router.Deliver(targets, env)
}
