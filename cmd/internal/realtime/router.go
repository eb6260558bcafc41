package realtime

import (
	"encoding/json"
	"time"

	v1 "chatline/shared/contracts/realtime/v1"
)

// Router resolves a conversation scope to the live connections that must
// receive an event. No queuing, no retry: unreachable targets receive nothing.
type Router struct {
	registry *Registry
	metrics  *Metrics
}

// NewRouter constructs a Router over registry.
func NewRouter(registry *Registry, metrics *Metrics) *Router {
	return &Router{registry: registry, metrics: metrics}
}

// Targets returns the live handles for scope, minus exclude when non-nil.
func (r *Router) Targets(scope Scope, exclude *Client) []*Client {
	if scope.IsGeneral() {
		all := r.registry.Snapshot()
		out := all[:0]
		for _, c := range all {
			if c != exclude {
				out = append(out, c)
			}
		}
		return out
	}

	a, b := scope.Participants()
	out := make([]*Client, 0, 2)
	for _, u := range []UserID{a, b} {
		c, ok := r.registry.Resolve(u)
		if !ok || c == exclude {
			continue
		}
		out = append(out, c)
	}
	return out
}

// User returns the live handle of u as a target list (empty when offline).
func (r *Router) User(u UserID) []*Client {
	if c, ok := r.registry.Resolve(u); ok {
		return []*Client{c}
	}
	return nil
}

// Deliver enqueues env on every target without blocking and returns how many accepted it.
func (r *Router) Deliver(targets []*Client, env v1.Envelope) int {
	n := 0
	for _, c := range targets {
		if c.Enqueue(env) {
			n++
			continue
		}
		r.metrics.dropped()
	}
	return n
}

// withActor appends actor to targets unless already present.
func withActor(targets []*Client, actor *Client) []*Client {
	if actor == nil {
		return targets
	}
	for _, c := range targets {
		if c == actor {
			return targets
		}
	}
	return append(targets, actor)
}

func newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	raw, _ := json.Marshal(payload)
	id, err := NewEnvelopeID(ts)
	if err != nil {
		id = ""
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: raw,
	}
}
