package events

import "time"

// Event defines the contract for all stream lifecycle events.
type Event interface {
	// EventType returns the unique code for this event (e.g., "OPERATION_STARTED").
	EventType() string

	// Payload returns the data associated with the event.
	Payload() map[string]interface{}

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

const (
	TypeOperationStarted   = "OPERATION_STARTED"
	TypeStageAdvanced      = "STAGE_ADVANCED"
	TypeReasoningComplete  = "REASONING_COMPLETE"
	TypeOperationCompleted = "OPERATION_COMPLETED"
	TypeOperationFailed    = "OPERATION_FAILED"
	TypeOperationCancelled = "OPERATION_CANCELLED"
)

// BaseEvent is the concrete carrier for all event types above.
type BaseEvent struct {
	Type       string
	Data       map[string]interface{}
	OccurredAt time.Time
}

func (e BaseEvent) EventType() string {
	return e.Type
}

func (e BaseEvent) Payload() map[string]interface{} {
	return e.Data
}

func (e BaseEvent) Timestamp() time.Time {
	return e.OccurredAt
}

func newEvent(eventType string, data map[string]interface{}) BaseEvent {
	return BaseEvent{Type: eventType, Data: data, OccurredAt: time.Now()}
}

func NewOperationStarted(kind, sessionToken string) Event {
	return newEvent(TypeOperationStarted, map[string]interface{}{
		"kind":          kind,
		"session_token": sessionToken,
	})
}

func NewStageAdvanced(sessionToken, stage string, progress float64) Event {
	return newEvent(TypeStageAdvanced, map[string]interface{}{
		"session_token": sessionToken,
		"stage":         stage,
		"progress":      progress,
	})
}

func NewReasoningComplete(sessionToken string) Event {
	return newEvent(TypeReasoningComplete, map[string]interface{}{
		"session_token": sessionToken,
	})
}

func NewOperationCompleted(sessionToken, resultID string, elapsedMs int64) Event {
	return newEvent(TypeOperationCompleted, map[string]interface{}{
		"session_token": sessionToken,
		"result_id":     resultID,
		"elapsed_ms":    elapsedMs,
	})
}

func NewOperationFailed(sessionToken, reason string) Event {
	return newEvent(TypeOperationFailed, map[string]interface{}{
		"session_token": sessionToken,
		"reason":        reason,
	})
}

func NewOperationCancelled(sessionToken string) Event {
	return newEvent(TypeOperationCancelled, map[string]interface{}{
		"session_token": sessionToken,
	})
}
