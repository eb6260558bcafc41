package realtime

import "errors"

var (
	// ErrNotFound is returned when a message id has no matching record.
	ErrNotFound = errors.New("message not found")

	// ErrForbidden is returned when the actor may not act on the message.
	ErrForbidden = errors.New("not allowed for this message")

	// ErrInvalidInput is returned for payloads rejected at the boundary.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotIdentified is returned for events sent before identify.
	ErrNotIdentified = errors.New("identify first")

	// ErrUnauthorized is returned when an identify token does not verify.
	ErrUnauthorized = errors.New("unauthorized")
)
