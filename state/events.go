package state

import "time"

// EventType enumerates the events the core emits towards the
// presentation layer.
type EventType string

const (
	EventDeviceStateChanged      EventType = "device_state_changed"
	EventReconnectAttemptStarted EventType = "reconnect_attempt_started"
	EventReconnectSucceeded      EventType = "reconnect_succeeded"
	EventReconnectFailed         EventType = "reconnect_failed"
	EventReconnectAutoDisabled   EventType = "reconnect_auto_disabled"
	EventBulkOperationCompleted  EventType = "bulk_operation_completed"
)

// Event is one notification. Fields beyond Type/Time are filled in
// where they make sense for the event kind.
type Event struct {
	Type EventType `json:"type"`
	Time time.Time `json:"time"`

	Host  string `json:"host,omitempty"`
	Side  Side   `json:"side,omitempty"`
	BusId string `json:"bus_id,omitempty"`

	// Attempt counters for reconnect events.
	Attempt     int `json:"attempt,omitempty"`
	MaxAttempts int `json:"max_attempts,omitempty"`

	// OperationId and Outcomes for bulk_operation_completed.
	OperationId string          `json:"operation_id,omitempty"`
	Operation   string          `json:"operation,omitempty"`
	Outcomes    map[string]bool `json:"outcomes,omitempty"`

	Err string `json:"err,omitempty"`
}
