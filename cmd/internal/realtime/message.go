package realtime

import (
	"fmt"
	"strings"
	"time"

	v1 "chatline/shared/contracts/realtime/v1"
)

// UserID is the opaque identity supplied by the auth collaborator.
type UserID int64

// MessageID is assigned by the MessageStore on create.
type MessageID int64

// MessageType is the tagged variant of a message payload.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVoice MessageType = "voice"
	MessageFile  MessageType = "file"
)

// ParseMessageType maps a wire value to a MessageType. Empty means text.
func ParseMessageType(s string) (MessageType, error) {
	switch MessageType(strings.ToLower(strings.TrimSpace(s))) {
	case "", MessageText:
		return MessageText, nil
	case MessageImage:
		return MessageImage, nil
	case MessageVoice:
		return MessageVoice, nil
	case MessageFile:
		return MessageFile, nil
	default:
		return "", fmt.Errorf("%w: unknown message_type %q", ErrInvalidInput, s)
	}
}

// HasMedia reports whether the variant carries a media reference.
func (t MessageType) HasMedia() bool {
	return t == MessageImage || t == MessageVoice || t == MessageFile
}

// Status is the delivery state of a message. It only moves forward.
type Status string

const (
	StatusSent      Status = v1.StatusSent
	StatusDelivered Status = v1.StatusDelivered
	StatusSeen      Status = v1.StatusSeen
)

// Rank orders statuses; unknown values rank below sent.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusSeen:
		return 3
	default:
		return 0
	}
}

// Before returns every status strictly below s, lowest first.
func (s Status) Before() []Status {
	out := make([]Status, 0, 2)
	for _, c := range []Status{StatusSent, StatusDelivered} {
		if c.Rank() < s.Rank() {
			out = append(out, c)
		}
	}
	return out
}

// Reaction is one (user, emoji) entry on a message.
type Reaction struct {
	UserID   UserID `json:"user_id"`
	Emoji    string `json:"emoji"`
	Username string `json:"username"`
}

// ToggleReaction removes r if the same (UserID, Emoji) pair is present and appends it
// otherwise. The input slice is never modified.
func ToggleReaction(list []Reaction, r Reaction) []Reaction {
	out := make([]Reaction, 0, len(list)+1)
	removed := false
	for _, cur := range list {
		if !removed && cur.UserID == r.UserID && cur.Emoji == r.Emoji {
			removed = true
			continue
		}
		out = append(out, cur)
	}
	if !removed {
		out = append(out, r)
	}
	return out
}

// Message is the canonical persisted message representation.
type Message struct {
	ID            MessageID
	SenderID      UserID
	RecipientID   *UserID
	Body          string
	Type          MessageType
	MediaRef      *string
	VoiceDuration *int32
	ReplyTo       *MessageID
	Status        Status
	Reactions     []Reaction

	CreatedAt   time.Time
	EditedAt    *time.Time
	DeliveredAt *time.Time
	SeenAt      *time.Time
}

// Scope returns the conversation the message belongs to.
func (m Message) Scope() Scope {
	if m.RecipientID == nil {
		return GeneralScope()
	}
	return PrivateScope(m.SenderID, *m.RecipientID)
}

// NewMessage is the create input for MessageStore.
type NewMessage struct {
	SenderID      UserID
	RecipientID   *UserID
	Body          string
	Type          MessageType
	MediaRef      *string
	VoiceDuration *int32
	ReplyTo       *MessageID
	Now           time.Time
}

func toWireReactions(in []Reaction) []v1.ReactionPayload {
	out := make([]v1.ReactionPayload, 0, len(in))
	for _, r := range in {
		out = append(out, v1.ReactionPayload{UserID: int64(r.UserID), Emoji: r.Emoji, Username: r.Username})
	}
	return out
}

// ToPayload renders the wire view of m.
func (m Message) ToPayload(senderName string) v1.MessagePayload {
	p := v1.MessagePayload{
		ID:            int64(m.ID),
		SenderID:      int64(m.SenderID),
		SenderName:    senderName,
		Message:       m.Body,
		MessageType:   string(m.Type),
		MediaURL:      m.MediaRef,
		VoiceDuration: m.VoiceDuration,
		Status:        string(m.Status),
		Reactions:     toWireReactions(m.Reactions),
		CreatedAt:     m.CreatedAt,
		EditedAt:      m.EditedAt,
		Edited:        m.EditedAt != nil,
	}
	if m.RecipientID != nil {
		rid := int64(*m.RecipientID)
		p.RecipientID = &rid
	}
	if m.ReplyTo != nil {
		rt := int64(*m.ReplyTo)
		p.ReplyTo = &rt
	}
	return p
}
