package realtime

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

const (
	memMaxMessages = 10_000
)

// InMemoryStore is a dev-only fallback when DB is not configured.
// It keeps messages in id order and bounds total size.
type InMemoryStore struct {
	mu     sync.Mutex
	nextID MessageID
	msgs   map[MessageID]*Message
	order  []MessageID
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		msgs:  make(map[MessageID]*Message),
		order: make([]MessageID, 0, 256),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Create persists a new message with status sent.
func (s *InMemoryStore) Create(ctx context.Context, in NewMessage) (Message, error) {
	if in.SenderID <= 0 {
		return Message{}, fmt.Errorf("%w: missing sender", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	m := &Message{
		ID:            s.nextID,
		SenderID:      in.SenderID,
		RecipientID:   in.RecipientID,
		Body:          in.Body,
		Type:          in.Type,
		MediaRef:      in.MediaRef,
		VoiceDuration: in.VoiceDuration,
		ReplyTo:       in.ReplyTo,
		Status:        StatusSent,
		CreatedAt:     now,
	}
	s.msgs[m.ID] = m
	s.order = append(s.order, m.ID)

	// Bound memory to avoid unbounded growth in dev.
	if len(s.order) > memMaxMessages {
		drop := s.order[:len(s.order)-memMaxMessages]
		for _, id := range drop {
			delete(s.msgs, id)
		}
		s.order = append([]MessageID(nil), s.order[len(drop):]...)
	}

	return cloneMessage(m), nil
}

// Get returns the message with id.
func (s *InMemoryStore) Get(ctx context.Context, id MessageID) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return cloneMessage(m), nil
}

// UpdateBody rewrites the body and stamps the edit time.
func (s *InMemoryStore) UpdateBody(ctx context.Context, id MessageID, body string, at time.Time) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	m.Body = body
	edited := at
	m.EditedAt = &edited
	return cloneMessage(m), nil
}

// UpdateStatus moves every matching row forward to "to".
func (s *InMemoryStore) UpdateStatus(ctx context.Context, ids []MessageID, to Status, filter StatusFilter, at time.Time) ([]StatusReceipt, error) {
	if to.Rank() == 0 {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, to)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []StatusReceipt
	seen := make(map[MessageID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		m, ok := s.msgs[id]
		if !ok || !filter.matches(*m, to) {
			continue
		}
		prev := m.Status
		m.Status = to
		stamp := at
		switch to {
		case StatusDelivered:
			m.DeliveredAt = &stamp
		case StatusSeen:
			m.SeenAt = &stamp
			if m.DeliveredAt == nil {
				m.DeliveredAt = &stamp
			}
		}
		out = append(out, StatusReceipt{MessageID: id, SenderID: m.SenderID, From: prev})
	}
	return out, nil
}

// ToggleReaction adds or removes (r.UserID, r.Emoji) and returns the new list.
func (s *InMemoryStore) ToggleReaction(ctx context.Context, id MessageID, r Reaction) ([]Reaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	m.Reactions = ToggleReaction(m.Reactions, r)
	return slices.Clone(m.Reactions), nil
}

// Delete removes id and returns the removed row.
func (s *InMemoryStore) Delete(ctx context.Context, id MessageID) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	delete(s.msgs, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	return cloneMessage(m), nil
}

// MediaRefCount counts the messages whose media reference is ref.
func (s *InMemoryStore) MediaRefCount(ctx context.Context, ref string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.MediaRef != nil && *m.MediaRef == ref {
			n++
		}
	}
	return n, nil
}

// History returns up to q.Limit messages of q.Scope, oldest first.
func (s *InMemoryStore) History(ctx context.Context, q HistoryQuery) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := q.limit()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Walk backwards so the newest window wins, then reverse.
	out := make([]Message, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.msgs[s.order[i]]
		if q.BeforeID != nil && m.ID >= *q.BeforeID {
			continue
		}
		if m.Scope() != q.Scope {
			continue
		}
		out = append(out, cloneMessage(m))
	}
	slices.Reverse(out)
	return out, nil
}

func cloneMessage(m *Message) Message {
	c := *m
	c.Reactions = slices.Clone(m.Reactions)
	return c
}

var _ MessageStore = (*InMemoryStore)(nil)
