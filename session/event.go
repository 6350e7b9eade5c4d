package session

import (
	"time"

	"github.com/onnwee/live-tender/chat"
	"github.com/onnwee/live-tender/upstream"
)

// EventType names a lifecycle notification.
type EventType string

const (
	EventMonitoringStarted EventType = "monitoring-started"
	EventWentLive          EventType = "went-live"
	EventRecordingStarted  EventType = "recording-started"
	EventRecordingStopped  EventType = "recording-stopped"
	EventChat              EventType = "chat-event"
	EventCompleted         EventType = "session-completed"
	EventFailed            EventType = "session-failed"
)

// Event is sent to the orchestrator's event channel. Only the fields that
// matter for Type are set.
type Event struct {
	Type      EventType
	Username  string
	SessionID string
	Time      time.Time

	Title     string           // went-live
	Quality   upstream.Quality // recording-started
	Requested upstream.Quality // recording-started
	Reason    string           // recording-stopped, session-completed, session-failed
	Chat      *chat.Event      // chat-event
	Err       error            // session-failed
}
