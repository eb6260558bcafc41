package realtime

import (
	"sync"
	"sync/atomic"

	v1 "chatline/shared/contracts/realtime/v1"
)

// Client represents one connected websocket session (the connection handle).
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	userID atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// UserID returns the identity bound by identify, if any.
func (c *Client) UserID() (UserID, bool) {
	if c == nil {
		return 0, false
	}
	id := c.userID.Load()
	return UserID(id), id > 0
}

func (c *Client) bind(id UserID) { c.userID.Store(int64(id)) }

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Enqueue offers env to the send queue without blocking.
// It reports false when the queue is full or the client is shutting down.
func (c *Client) Enqueue(env v1.Envelope) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
