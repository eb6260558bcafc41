package realtime

import (
	"fmt"
	"strconv"

	v1 "chatline/shared/contracts/realtime/v1"
)

// Scope identifies a conversation: the general room or an unordered user pair.
//
// Private scopes are normalized so both participants derive the same key
// regardless of who initiates.
type Scope struct {
	general bool
	a, b    UserID
}

// GeneralScope returns the singleton general room.
func GeneralScope() Scope { return Scope{general: true} }

// PrivateScope returns the pair scope (min(a,b), max(a,b)).
func PrivateScope(a, b UserID) Scope {
	if b < a {
		a, b = b, a
	}
	return Scope{a: a, b: b}
}

// IsGeneral reports whether s is the general room.
func (s Scope) IsGeneral() bool { return s.general }

// Participants returns the normalized pair of a private scope.
func (s Scope) Participants() (UserID, UserID) { return s.a, s.b }

// Peer returns the other participant of a private scope.
func (s Scope) Peer(of UserID) UserID {
	if s.a == of {
		return s.b
	}
	return s.a
}

// Includes reports whether u takes part in s. Everyone takes part in the general room.
func (s Scope) Includes(u UserID) bool {
	return s.general || s.a == u || s.b == u
}

// Key renders the stable map key.
func (s Scope) Key() string {
	if s.general {
		return v1.ChatTypeGeneral
	}
	return fmt.Sprintf("private_%d_%d", s.a, s.b)
}

func (s Scope) String() string { return s.Key() }

// ChatType is the wire chat_type of s.
func (s Scope) ChatType() string {
	if s.general {
		return v1.ChatTypeGeneral
	}
	return v1.ChatTypePrivate
}

// ChatIDFor is the chat_id as seen by viewer: "general", or the viewer's peer.
func (s Scope) ChatIDFor(viewer UserID) string {
	if s.general {
		return v1.ChatTypeGeneral
	}
	return strconv.FormatInt(int64(s.Peer(viewer)), 10)
}

// ScopeFromWire builds a Scope from chat_type and recipient id relative to actor.
func ScopeFromWire(actor UserID, chatType string, recipientID *int64) (Scope, error) {
	switch chatType {
	case v1.ChatTypeGeneral:
		return GeneralScope(), nil
	case v1.ChatTypePrivate, "":
		if recipientID == nil || *recipientID <= 0 {
			return Scope{}, fmt.Errorf("%w: missing recipient_id", ErrInvalidInput)
		}
		if UserID(*recipientID) == actor {
			return Scope{}, fmt.Errorf("%w: recipient_id equals sender", ErrInvalidInput)
		}
		return PrivateScope(actor, UserID(*recipientID)), nil
	default:
		return Scope{}, fmt.Errorf("%w: unknown chat_type %q", ErrInvalidInput, chatType)
	}
}
