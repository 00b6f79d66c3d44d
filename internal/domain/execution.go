package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ExecutionStatus string

const (
	ExecutionStatusQueued     ExecutionStatus = "queued"
	ExecutionStatusDispatched ExecutionStatus = "dispatched"
	ExecutionStatusRunning    ExecutionStatus = "running"
	ExecutionStatusSucceeded  ExecutionStatus = "succeeded"
	ExecutionStatusFailed     ExecutionStatus = "failed"
	ExecutionStatusCancelled  ExecutionStatus = "cancelled"
	ExecutionStatusTimedOut   ExecutionStatus = "timed_out"
)

// Terminal reports whether the status admits no further transitions
// (other than an explicit retry, which re-queues a new attempt).
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusSucceeded, ExecutionStatusFailed, ExecutionStatusCancelled, ExecutionStatusTimedOut:
		return true
	}
	return false
}

// validTransitions is the directed status graph. Queued re-entry from
// Failed/TimedOut models an explicit retry (same ID, incremented attempt).
var validTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusQueued:     {ExecutionStatusDispatched, ExecutionStatusCancelled, ExecutionStatusFailed},
	ExecutionStatusDispatched: {ExecutionStatusRunning, ExecutionStatusTimedOut, ExecutionStatusFailed, ExecutionStatusCancelled},
	ExecutionStatusRunning:    {ExecutionStatusSucceeded, ExecutionStatusFailed, ExecutionStatusTimedOut, ExecutionStatusCancelled},
	ExecutionStatusFailed:     {ExecutionStatusQueued},
	ExecutionStatusTimedOut:   {ExecutionStatusQueued},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to ExecutionStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityHigh     Priority = "high"
	PriorityStandard Priority = "standard"
)

// ExecutionRecord tracks one requested unit of test work through its
// lifecycle. Only the orchestrator mutates a record once created.
type ExecutionRecord struct {
	ID                 uuid.UUID
	RequesterSessionID uuid.UUID
	WorkerSessionID    uuid.UUID // zero until dispatched

	Name        string
	Parameters  json.RawMessage
	Priority    Priority
	Tags        []string
	Timeout     time.Duration
	MaxAttempts int

	Status  ExecutionStatus
	Attempt int

	StartedAt time.Time // first dispatch of the current attempt
	EndedAt   time.Time // set when terminal

	Result json.RawMessage // opaque until terminal
	Error  *Error          // present only on failed/timed-out records

	CreatedAt time.Time
}

// Clone returns a copy safe to hand outside the orchestrator.
func (r ExecutionRecord) Clone() ExecutionRecord {
	out := r
	if r.Tags != nil {
		out.Tags = append([]string(nil), r.Tags...)
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return out
}
