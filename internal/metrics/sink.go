package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Session metrics
	SessionOpened()
	SessionClosed(reason string)
	SessionAuthenticated(worker bool)

	// Codec metrics
	MessageDecoded(kind string)
	MessageDecodeError(reason string)

	// Orchestrator metrics
	ExecutionSubmitted(priority string)
	ExecutionOutcome(outcome string)
	DispatchAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	RetryScheduled()
	QueueDepthUpdate(priority string, depth int)
	ExecutionsInFlightIncr()
	ExecutionsInFlightDecr()

	// Recovery metrics
	CircuitOpened(target string)
	CircuitClosed(target string)

	// Rate limiter metrics
	RateLimitDenied(quota string)

	// Router metrics
	EventPublished()
	EventDropped()
	GapNotified()

	// Retention metrics
	RecordsArchived(count int)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Outcome constants for ExecutionOutcome.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeTimedOut  = "timed_out"
)

// StatusClass constants for DispatchAttemptCompleted.
const (
	StatusClassOK          = "ok"
	StatusClassTimeout     = "timeout"
	StatusClassCircuitOpen = "circuit_open"
	StatusClassTransient   = "transient"
	StatusClassPermanent   = "permanent"
	StatusClassCancelled   = "cancelled"
	StatusClassInternal    = "internal"
)

// Quota constants for RateLimitDenied.
const (
	QuotaMessages   = "messages"
	QuotaExecutions = "executions"
)
