package realtime

import (
	"time"

	"chatline/cmd/identity/ids"
)

// NewSessionID names one accepted websocket; it appears in every ws.* log line.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID stamps an outbound envelope. Envelopes built in one burst sort
// in the order they were built.
func NewEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
