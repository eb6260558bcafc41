// Package ids mints the ULIDs chatline uses for websocket sessions and envelopes.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a 26-char ULID for now. IDs minted within the same
// millisecond are strictly increasing, so a burst of envelopes fanned out
// together still sorts in emission order.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	mu.Lock()
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	mu.Unlock()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
