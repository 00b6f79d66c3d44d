package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) SessionOpened()                                                            {}
func (n *NoopSink) SessionClosed(reason string)                                               {}
func (n *NoopSink) SessionAuthenticated(worker bool)                                          {}
func (n *NoopSink) MessageDecoded(kind string)                                                {}
func (n *NoopSink) MessageDecodeError(reason string)                                          {}
func (n *NoopSink) ExecutionSubmitted(priority string)                                        {}
func (n *NoopSink) ExecutionOutcome(outcome string)                                           {}
func (n *NoopSink) DispatchAttemptCompleted(attempt int, statusClass string, d time.Duration) {}
func (n *NoopSink) RetryScheduled()                                                           {}
func (n *NoopSink) QueueDepthUpdate(priority string, depth int)                               {}
func (n *NoopSink) ExecutionsInFlightIncr()                                                   {}
func (n *NoopSink) ExecutionsInFlightDecr()                                                   {}
func (n *NoopSink) CircuitOpened(target string)                                               {}
func (n *NoopSink) CircuitClosed(target string)                                               {}
func (n *NoopSink) RateLimitDenied(quota string)                                              {}
func (n *NoopSink) EventPublished()                                                           {}
func (n *NoopSink) EventDropped()                                                             {}
func (n *NoopSink) GapNotified()                                                              {}
func (n *NoopSink) RecordsArchived(count int)                                                 {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                         {}
func (n *NoopSink) LeaderAcquired()                                                           {}
func (n *NoopSink) LeaderLost(reason string)                                                  {}
