package realtime

import (
	"context"
	"time"
)

// MessageStore persists and queries messages.
//
// Requirements:
//   - Create assigns the MessageID and returns the stored row with status sent
//   - UpdateStatus only moves rows forward and reports each affected row once
//   - ToggleReaction adds or removes (r.UserID, r.Emoji) atomically and returns the new list
//   - Delete returns the removed row so callers can inspect its media reference
//   - MediaRefCount counts the stored messages whose media reference is ref
//   - ErrNotFound for unknown ids
type MessageStore interface {
	Create(ctx context.Context, in NewMessage) (Message, error)
	Get(ctx context.Context, id MessageID) (Message, error)
	UpdateBody(ctx context.Context, id MessageID, body string, at time.Time) (Message, error)
	UpdateStatus(ctx context.Context, ids []MessageID, to Status, filter StatusFilter, at time.Time) ([]StatusReceipt, error)
	ToggleReaction(ctx context.Context, id MessageID, r Reaction) ([]Reaction, error)
	Delete(ctx context.Context, id MessageID) (Message, error)
	MediaRefCount(ctx context.Context, ref string) (int, error)
	History(ctx context.Context, q HistoryQuery) ([]Message, error)
	Close() error
}

// StatusFilter narrows UpdateStatus.
//
// With Reader set, a row matches only when Reader is a valid recipient (private recipient,
// or any general-room message) and did not author it. Rows already at or past the target
// status never match.
type StatusFilter struct {
	Reader *UserID
	// From restricts the previous status; empty means any status below the target.
	From Status
}

// StatusReceipt describes one row moved by UpdateStatus.
type StatusReceipt struct {
	MessageID MessageID
	SenderID  UserID
	From      Status
}

// HistoryQuery describes a history window request.
//
// Scope general returns general-room messages; a private scope returns both directions of
// the pair. Messages are ordered by creation time ascending.
type HistoryQuery struct {
	Scope    Scope
	BeforeID *MessageID
	Limit    int
}

const (
	historyDefaultLimit = 50
	historyMaxLimit     = 200
)

func (q HistoryQuery) limit() int {
	switch {
	case q.Limit <= 0:
		return historyDefaultLimit
	case q.Limit > historyMaxLimit:
		return historyMaxLimit
	default:
		return q.Limit
	}
}

// matches reports whether a row with the given shape passes f for a move to target.
func (f StatusFilter) matches(m Message, target Status) bool {
	if m.Status.Rank() >= target.Rank() {
		return false
	}
	if f.From != "" && m.Status != f.From {
		return false
	}
	if f.Reader == nil {
		return true
	}
	reader := *f.Reader
	if m.SenderID == reader {
		return false
	}
	return m.RecipientID == nil || *m.RecipientID == reader
}
