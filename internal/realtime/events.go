package realtime

import "github.com/google/uuid"

// Stream lifecycle events pushed to subscribers.
const (
	EventStreamScheduled     = "stream.scheduled"
	EventStreamLive          = "stream.live"
	EventStreamEnded         = "stream.ended"
	EventStreamArchived      = "stream.archived"
	EventRecordingStarted    = "recording.started"
	EventRecordingProcessing = "recording.processing"
	EventRecordingCompleted  = "recording.completed"
	EventRecordingFailed     = "recording.failed"
)

// Publisher fans out committed state changes. Delivery is best effort.
type Publisher interface {
	PublishStreamEvent(streamID uuid.UUID, event string, payload interface{})
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) PublishStreamEvent(uuid.UUID, string, interface{}) {}
