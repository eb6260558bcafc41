// Package v1 defines the chatline realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeIdentify binds the connection to a user identity (client -> server).
	TypeIdentify = "identify"
	// TypeIdentifyAck confirms the identity binding (server -> client).
	TypeIdentifyAck = "identify_ack"

	// TypeTypingStart and TypeTypingStop toggle the typing indicator (client -> server).
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend   = "message_send"
	TypeMessageEdit   = "message_edit"
	TypeMessageDelete = "message_delete"

	// TypeReactionToggle adds or removes one emoji reaction (client -> server).
	TypeReactionToggle = "reaction_toggle"

	// TypeMessagesSeen marks a batch of messages as read by the caller (client -> server).
	TypeMessagesSeen = "messages_seen"
	// TypeMessagesDelivered confirms receipt of a batch of messages (client -> server).
	TypeMessagesDelivered = "messages_delivered"

	// TypeActivity refreshes the caller's last-seen timestamp (client -> server).
	TypeActivity = "activity"

	TypePresenceChanged  = "presence_changed"
	TypeTypingChanged    = "typing_changed"
	TypeMessageCreated   = "message_created"
	TypeMessageAck       = "message_ack"
	TypeMessageStatus    = "message_status"
	TypeMessageEdited    = "message_edited"
	TypeMessageDeleted   = "message_deleted"
	TypeReactionsChanged = "reactions_changed"
	TypeSendFailed       = "send_failed"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Chat types carried by typing and send payloads.
const (
	ChatTypeGeneral = "general"
	ChatTypePrivate = "private"
)

// Status values carried by ack and status payloads.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusSeen      = "seen"
)

// Presence values.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeIdentify,
		TypeIdentifyAck,
		TypeTypingStart,
		TypeTypingStop,
		TypeMessageSend,
		TypeMessageEdit,
		TypeMessageDelete,
		TypeReactionToggle,
		TypeMessagesSeen,
		TypeMessagesDelivered,
		TypeActivity,
		TypePresenceChanged,
		TypeTypingChanged,
		TypeMessageCreated,
		TypeMessageAck,
		TypeMessageStatus,
		TypeMessageEdited,
		TypeMessageDeleted,
		TypeReactionsChanged,
		TypeSendFailed,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Inbound payloads ----

// IdentifyPayload binds a connection to a user. Token is required when the server
// is configured with a signing secret.
type IdentifyPayload struct {
	UserID int64  `json:"user_id"`
	Token  string `json:"token,omitempty"`
}

// TypingPayload starts or stops the typing indicator in one conversation.
type TypingPayload struct {
	Username    string `json:"username,omitempty"`
	ChatType    string `json:"chat_type"`
	RecipientID *int64 `json:"recipient_id,omitempty"`
}

// MessageSendPayload requests sending a message. TempID correlates the ack or failure
// with the client's optimistic copy.
type MessageSendPayload struct {
	TempID        string `json:"temp_id"`
	ChatType      string `json:"chat_type"`
	RecipientID   *int64 `json:"recipient_id,omitempty"`
	Message       string `json:"message"`
	MessageType   string `json:"message_type,omitempty"`
	MediaURL      string `json:"media_url,omitempty"`
	VoiceDuration *int32 `json:"voice_duration,omitempty"`
	ReplyTo       *int64 `json:"reply_to,omitempty"`
}

// MessageEditPayload rewrites the body of an existing message.
type MessageEditPayload struct {
	MessageID int64  `json:"message_id"`
	Message   string `json:"message"`
}

// MessageDeletePayload removes an existing message.
type MessageDeletePayload struct {
	MessageID int64 `json:"message_id"`
}

// ReactionTogglePayload adds the emoji if absent for the caller, removes it otherwise.
type ReactionTogglePayload struct {
	MessageID int64  `json:"message_id"`
	Emoji     string `json:"emoji"`
	Username  string `json:"username,omitempty"`
}

// MessageBatchPayload carries message ids for seen/delivered confirmations.
type MessageBatchPayload struct {
	MessageIDs []int64 `json:"message_ids"`
}

// ---- Outbound payloads ----

// IdentifyAckPayload confirms the binding and lists users currently online.
type IdentifyAckPayload struct {
	UserID    int64   `json:"user_id"`
	SessionID string  `json:"session_id"`
	Online    []int64 `json:"online"`
}

// PresenceChangedPayload reports an online/offline transition of another user.
type PresenceChangedPayload struct {
	UserID int64  `json:"user_id"`
	Status string `json:"status"`
}

// TypingChangedPayload reports a typing transition. ChatID is "general" or the
// peer id the event is addressed to; it is empty for disconnect cleanup.
type TypingChangedPayload struct {
	UserID   int64  `json:"user_id"`
	Typing   bool   `json:"typing"`
	Username string `json:"username,omitempty"`
	ChatType string `json:"chat_type,omitempty"`
	ChatID   string `json:"chat_id,omitempty"`
}

// ReactionPayload is one (user, emoji) reaction entry.
type ReactionPayload struct {
	UserID   int64  `json:"user_id"`
	Emoji    string `json:"emoji"`
	Username string `json:"username"`
}

// MessagePayload is the full message view used by message_created and message_edited.
type MessagePayload struct {
	ID            int64             `json:"id"`
	SenderID      int64             `json:"sender_id"`
	SenderName    string            `json:"sender_name"`
	RecipientID   *int64            `json:"recipient_id"`
	Message       string            `json:"message"`
	MessageType   string            `json:"message_type"`
	MediaURL      *string           `json:"media_url,omitempty"`
	VoiceDuration *int32            `json:"voice_duration,omitempty"`
	ReplyTo       *int64            `json:"reply_to,omitempty"`
	Status        string            `json:"status"`
	Reactions     []ReactionPayload `json:"reactions"`
	CreatedAt     time.Time         `json:"created_at"`
	EditedAt      *time.Time        `json:"edited_at,omitempty"`
	Edited        bool              `json:"edited,omitempty"`
}

// MessageAckPayload is the sender-only "single tick" confirmation.
type MessageAckPayload struct {
	TempID    string `json:"temp_id"`
	MessageID int64  `json:"message_id"`
	Status    string `json:"status"`
}

// MessageStatusPayload reports a forward status transition to the sender.
type MessageStatusPayload struct {
	MessageID int64  `json:"message_id"`
	Status    string `json:"status"`
	SeenBy    *int64 `json:"seen_by,omitempty"`
}

// MessageDeletedPayload reports a removed message.
type MessageDeletedPayload struct {
	MessageID int64 `json:"message_id"`
}

// ReactionsChangedPayload carries the complete reaction list after a toggle.
type ReactionsChangedPayload struct {
	MessageID int64             `json:"message_id"`
	Reactions []ReactionPayload `json:"reactions"`
}

// SendFailedPayload reports that a send was not persisted.
type SendFailedPayload struct {
	TempID string `json:"temp_id"`
	Error  string `json:"error"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	MessageID *int64 `json:"message_id,omitempty"`
}
