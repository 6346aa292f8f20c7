// events.go: event envelope and event type definitions for the duplex channel.
package realtime

import "time"

// Event types carried over the duplex channel. They mirror what the inventory
// backend broadcasts to connected clients.
const (
	EventPhotoUploaded       = "photo_uploaded"
	EventSessionStarted      = "photo_session_started"
	EventSessionEnded        = "photo_session_ended"
	EventItemUpdated         = "item_updated"
	EventRoomProgressUpdated = "room_progress_updated"

	// EventPing is the application-level heartbeat sent to the backend.
	EventPing = "ping"

	// Channel lifecycle events, synthesized locally so subscribers can track
	// connection state through the same surface as backend events.
	EventConnectionOpened = "connection_opened"
	EventConnectionClosed = "connection_closed"
)

// Envelope is the wire format for every message on the channel.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
	SessionID string `json:"sessionId,omitempty"`
}

// NewEnvelope stamps an event with the current time in epoch milliseconds.
func NewEnvelope(eventType string, data any, sessionID string) Envelope {
	return Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		SessionID: sessionID,
	}
}

// derivedEvents lists event types that fan out from a primary event. A photo
// upload changes the owning item and its room's completion, so subscribers to
// those views get notified without the backend sending separate messages.
var derivedEvents = map[string][]string{
	EventPhotoUploaded: {EventItemUpdated, EventRoomProgressUpdated},
}

// Handler receives dispatched events. Handlers run on the channel's dispatch
// goroutine and must not block.
type Handler func(env Envelope)
