package hub

import (
	"encoding/json"
	"time"

	"github.com/modeltest/reviewboard/internal/annotation"
	"github.com/modeltest/reviewboard/internal/watcher"
)

// EventType defines the kind of a broadcast event.
type EventType string

const (
	// EventConnected is delivered to a session immediately after it
	// registers, and to no one else.
	EventConnected EventType = "connected"

	// EventDiagnosisUpdated indicates an annotation record was saved.
	EventDiagnosisUpdated EventType = "diagnosis_updated"

	// EventReportsChanged indicates the report collection membership
	// changed.
	EventReportsChanged EventType = "reports_changed"

	// EventChecksChanged indicates the check collection membership
	// changed.
	EventChecksChanged EventType = "checks_changed"

	// EventNotificationDeleted indicates a ledger entry was removed.
	EventNotificationDeleted EventType = "notification_deleted"
)

// Event is one entry in a session's ordered event stream.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ConnectedData accompanies EventConnected.
type ConnectedData struct {
	SessionID string `json:"sessionId"`
}

// DiagnosisUpdatedData accompanies EventDiagnosisUpdated.
type DiagnosisUpdatedData struct {
	FileID         string             `json:"fileId"`
	Section        annotation.Section `json:"section"`
	SenderID       string             `json:"senderId"`
	NotificationID int64              `json:"notificationId"`
	Message        string             `json:"message"`
}

// CollectionChangedData accompanies EventReportsChanged and
// EventChecksChanged.
type CollectionChangedData struct {
	Filename   string             `json:"filename"`
	ChangeType watcher.ChangeType `json:"changeType"`
}

// NotificationDeletedData accompanies EventNotificationDeleted.
type NotificationDeletedData struct {
	ID int64 `json:"id"`
}

// NewEvent builds an event of the given type carrying data as its
// JSON-encoded payload. A nil data leaves the payload empty.
func NewEvent(eventType EventType, data any) Event {
	ev := Event{Type: eventType, Timestamp: time.Now()}
	if data != nil {
		// The payload structs above contain nothing unmarshalable.
		raw, err := json.Marshal(data)
		if err == nil {
			ev.Data = raw
		}
	}
	return ev
}

// CollectionEventType maps a watched collection to its event kind.
func CollectionEventType(kind watcher.Kind) EventType {
	if kind == watcher.KindChecks {
		return EventChecksChanged
	}
	return EventReportsChanged
}
