package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message text length (runes).
	maxMessageChars = 4000

	// Max emoji length (bytes); covers ZWJ sequences.
	maxEmojiBytes = 64

	// Max ids honored per seen/delivered batch.
	maxReceiptBatch = 500
)

const (
	// Heartbeat defaults (overridable through GatewayConfig).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// Typing events are chattier than messages; they get their own budget.
	typingLimitEvents = 30
	typingLimitWindow = 10 * time.Second
)
