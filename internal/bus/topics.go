package bus

import "time"

// Each session owns two topics: an outbound one carrying Message payloads
// to viewers, and an inbound one carrying plain-string human replies to the
// worker. Viewers never publish outbound; the worker never publishes inbound.

// SessionOutTopic names the engine-to-viewers channel for a session.
func SessionOutTopic(sessionID string) string {
	return "session.out." + sessionID
}

// SessionInTopic names the viewers-to-engine reply channel for a session.
func SessionInTopic(sessionID string) string {
	return "session.in." + sessionID
}

// Terminate is the reserved inbound literal that aborts a session instead of
// being delivered as a human reply. The rendezvous returns the exit sentinel
// to the engine when it receives this value.
const Terminate = "TERMINATE"

// MessageKind tags an outbound channel message.
type MessageKind string

const (
	KindLog    MessageKind = "log"
	KindStatus MessageKind = "status"
	KindError  MessageKind = "error"
)

// Message is the payload broadcast on a session's outbound topic. Its JSON
// shape is identical to a persisted transcript record so viewers can treat
// backfill and live events uniformly.
type Message struct {
	Kind      MessageKind `json:"type"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}
