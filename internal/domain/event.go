package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle event published to subscribers.
type EventType string

const (
	EventExecutionQueued     EventType = "execution_queued"
	EventExecutionDispatched EventType = "execution_dispatched"
	EventExecutionRunning    EventType = "execution_running"
	EventExecutionProgress   EventType = "execution_progress"
	EventExecutionSucceeded  EventType = "execution_succeeded"
	EventExecutionFailed     EventType = "execution_failed"
	EventExecutionCancelled  EventType = "execution_cancelled"
	EventExecutionTimedOut   EventType = "execution_timed_out"
	EventWorkerJoined        EventType = "worker_joined"
	EventWorkerLeft          EventType = "worker_left"
)

// LifecycleEvent fans out through the broadcast router.
type LifecycleEvent struct {
	Type        EventType       `json:"type"`
	ExecutionID uuid.UUID       `json:"execution_id,omitempty"`
	SessionID   uuid.UUID       `json:"session_id,omitempty"`
	Attempt     int             `json:"attempt,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	At          time.Time       `json:"at"`
}

// StatusEvent maps a terminal or intermediate execution status to its
// lifecycle event type.
func StatusEvent(status ExecutionStatus) EventType {
	switch status {
	case ExecutionStatusQueued:
		return EventExecutionQueued
	case ExecutionStatusDispatched:
		return EventExecutionDispatched
	case ExecutionStatusRunning:
		return EventExecutionRunning
	case ExecutionStatusSucceeded:
		return EventExecutionSucceeded
	case ExecutionStatusFailed:
		return EventExecutionFailed
	case ExecutionStatusCancelled:
		return EventExecutionCancelled
	case ExecutionStatusTimedOut:
		return EventExecutionTimedOut
	}
	return ""
}
