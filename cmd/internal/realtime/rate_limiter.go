package realtime

import (
	"time"

	"golang.org/x/time/rate"
)

// ConnLimiter holds the per-connection token buckets. Typing events draw from
// their own bucket so a chatty indicator cannot starve message sends.
type ConnLimiter struct {
	events *rate.Limiter
	typing *rate.Limiter
}

// NewConnLimiter constructs the buckets with safe defaults when inputs are invalid.
func NewConnLimiter(events int, window time.Duration, typingEvents int, typingWindow time.Duration) *ConnLimiter {
	if events <= 0 {
		events = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	if typingEvents <= 0 {
		typingEvents = typingLimitEvents
	}
	if typingWindow <= 0 {
		typingWindow = typingLimitWindow
	}
	return &ConnLimiter{
		events: rate.NewLimiter(rate.Every(window/time.Duration(events)), events),
		typing: rate.NewLimiter(rate.Every(typingWindow/time.Duration(typingEvents)), typingEvents),
	}
}

// Allow reports whether an event at time "now" should be permitted.
func (l *ConnLimiter) Allow(now time.Time) bool {
	return l.events.AllowN(now, 1)
}

// AllowTyping reports whether a typing event at time "now" should be permitted.
func (l *ConnLimiter) AllowTyping(now time.Time) bool {
	return l.typing.AllowN(now, 1)
}
