package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Session metrics
	sessionsOpenedTotal prometheus.Counter
	sessionsClosedTotal *prometheus.CounterVec
	sessionsAuthedTotal *prometheus.CounterVec
	sessionsConnected   prometheus.Gauge

	// Codec metrics
	messagesDecodedTotal *prometheus.CounterVec
	decodeErrorsTotal    *prometheus.CounterVec

	// Orchestrator metrics
	executionsSubmittedTotal *prometheus.CounterVec
	executionOutcomesTotal   *prometheus.CounterVec
	dispatchAttemptsTotal    *prometheus.CounterVec
	dispatchDuration         prometheus.Histogram
	retriesScheduledTotal    prometheus.Counter
	queueDepth               *prometheus.GaugeVec
	executionsInFlight       prometheus.Gauge

	// Recovery metrics
	circuitOpenedTotal *prometheus.CounterVec
	circuitClosedTotal *prometheus.CounterVec

	// Rate limiter metrics
	rateLimitDeniedTotal *prometheus.CounterVec

	// Router metrics
	eventsPublishedTotal prometheus.Counter
	eventsDroppedTotal   prometheus.Counter
	gapsNotifiedTotal    prometheus.Counter

	// Retention metrics
	recordsArchivedTotal prometheus.Counter

	// Leader election metrics
	leaderStatus        prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initSessionMetrics(reg)
	s.initCodecMetrics(reg)
	s.initOrchestratorMetrics(reg)
	s.initRecoveryMetrics(reg)
	s.initRouterMetrics(reg)
	s.initAncillaryMetrics(reg)
	return s
}

func (s *PrometheusSink) initSessionMetrics(reg prometheus.Registerer) {
	s.sessionsOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easygrid_sessions_opened_total",
		Help: "Total number of accepted connections.",
	})
	s.sessionsClosedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easygrid_sessions_closed_total",
		Help: "Total number of closed sessions by reason.",
	}, []string{"reason"})
	s.sessionsAuthedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easygrid_sessions_authenticated_total",
		Help: "Total number of successfully authenticated sessions.",
	}, []string{"role"})
	s.sessionsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easygrid_sessions_connected",
		Help: "Number of currently connected sessions.",
	})

	s.register(reg, s.sessionsOpenedTotal, "easygrid_sessions_opened_total")
	s.register(reg, s.sessionsClosedTotal, "easygrid_sessions_closed_total")
	s.register(reg, s.sessionsAuthedTotal, "easygrid_sessions_authenticated_total")
	s.register(reg, s.sessionsConnected, "easygrid_sessions_connected")
}

func (s *PrometheusSink) initCodecMetrics(reg prometheus.Registerer) {
	s.messagesDecodedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easygrid_messages_decoded_total",
		Help: "Total number of successfully decoded messages by kind.",
	}, []string{"kind"})
	s.decodeErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easygrid_message_decode_errors_total",
		Help: "Total number of per-message decode errors by reason.",
	}, []string{"reason"})

	s.register(reg, s.messagesDecodedTotal, "easygrid_messages_decoded_total")
	s.register(reg, s.decodeErrorsTotal, "easygrid_message_decode_errors_total")
}

func (s *PrometheusSink) initOrchestratorMetrics(reg prometheus.Registerer) {
	s.executionsSubmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easygrid_executions_submitted_total",
		Help: "Total number of accepted execution commands by priority.",
	}, []string{"priority"})
	s.executionOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easygrid_execution_outcomes_total",
		Help: "Total number of terminal execution outcomes.",
	}, []string{"outcome"})
	s.dispatchAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easygrid_dispatch_attempts_total",
		Help: "Total number of dispatch attempts.",
	}, []string{"attempt", "status_class"})
	s.dispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easygrid_dispatch_duration_seconds",
		Help:    "Attempt latency from dispatch to terminal outcome (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
	s.retriesScheduledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easygrid_retries_scheduled_total",
		Help: "Total number of retry re-enqueues.",
	})
	s.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "easygrid_queue_depth",
		Help: "Current number of queued executions per priority class.",
	}, []string{"priority"})
	s.executionsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easygrid_executions_in_flight",
		Help: "Number of executions currently dispatched or running.",
	})

	s.register(reg, s.executionsSubmittedTotal, "easygrid_executions_submitted_total")
	s.register(reg, s.executionOutcomesTotal, "easygrid_execution_outcomes_total")
	s.register(reg, s.dispatchAttemptsTotal, "easygrid_dispatch_attempts_total")
	s.register(reg, s.dispatchDuration, "easygrid_dispatch_duration_seconds")
	s.register(reg, s.retriesScheduledTotal, "easygrid_retries_scheduled_total")
	s.register(reg, s.queueDepth, "easygrid_queue_depth")
	s.register(reg, s.executionsInFlight, "easygrid_executions_in_flight")
}

func (s *PrometheusSink) initRecoveryMetrics(reg prometheus.Registerer) {
	s.circuitOpenedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easygrid_circuit_opened_total",
		Help: "Total number of circuit open transitions per target.",
	}, []string{"target"})
	s.circuitClosedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easygrid_circuit_closed_total",
		Help: "Total number of circuit close transitions per target.",
	}, []string{"target"})

	s.register(reg, s.circuitOpenedTotal, "easygrid_circuit_opened_total")
	s.register(reg, s.circuitClosedTotal, "easygrid_circuit_closed_total")
}

func (s *PrometheusSink) initRouterMetrics(reg prometheus.Registerer) {
	s.eventsPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easygrid_router_events_published_total",
		Help: "Total number of lifecycle events published.",
	})
	s.eventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easygrid_router_events_dropped_total",
		Help: "Total number of events dropped on full subscriber buffers.",
	})
	s.gapsNotifiedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easygrid_router_gaps_notified_total",
		Help: "Total number of subscription gap notifications sent.",
	})

	s.register(reg, s.eventsPublishedTotal, "easygrid_router_events_published_total")
	s.register(reg, s.eventsDroppedTotal, "easygrid_router_events_dropped_total")
	s.register(reg, s.gapsNotifiedTotal, "easygrid_router_gaps_notified_total")
}

func (s *PrometheusSink) initAncillaryMetrics(reg prometheus.Registerer) {
	s.rateLimitDeniedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easygrid_rate_limit_denied_total",
		Help: "Total number of rate limit denials by quota.",
	}, []string{"quota"})
	s.recordsArchivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easygrid_records_archived_total",
		Help: "Total number of execution records archived by retention.",
	})
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easygrid_leader_status",
		Help: "Whether this instance currently holds leadership (1) or not (0).",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easygrid_leader_acquired_total",
		Help: "Total number of leadership acquisitions.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easygrid_leader_lost_total",
		Help: "Total number of leadership losses by reason.",
	}, []string{"reason"})

	s.register(reg, s.rateLimitDeniedTotal, "easygrid_rate_limit_denied_total")
	s.register(reg, s.recordsArchivedTotal, "easygrid_records_archived_total")
	s.register(reg, s.leaderStatus, "easygrid_leader_status")
	s.register(reg, s.leaderAcquiredTotal, "easygrid_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "easygrid_leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Session metrics implementation

func (s *PrometheusSink) SessionOpened() {
	s.sessionsOpenedTotal.Inc()
	s.sessionsConnected.Inc()
}

func (s *PrometheusSink) SessionClosed(reason string) {
	s.sessionsClosedTotal.WithLabelValues(reason).Inc()
	s.sessionsConnected.Dec()
}

func (s *PrometheusSink) SessionAuthenticated(worker bool) {
	role := "client"
	if worker {
		role = "worker"
	}
	s.sessionsAuthedTotal.WithLabelValues(role).Inc()
}

// Codec metrics implementation

func (s *PrometheusSink) MessageDecoded(kind string) {
	s.messagesDecodedTotal.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) MessageDecodeError(reason string) {
	s.decodeErrorsTotal.WithLabelValues(reason).Inc()
}

// Orchestrator metrics implementation

func (s *PrometheusSink) ExecutionSubmitted(priority string) {
	s.executionsSubmittedTotal.WithLabelValues(priority).Inc()
}

func (s *PrometheusSink) ExecutionOutcome(outcome string) {
	s.executionOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) DispatchAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.dispatchAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.dispatchDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) RetryScheduled() {
	s.retriesScheduledTotal.Inc()
}

func (s *PrometheusSink) QueueDepthUpdate(priority string, depth int) {
	s.queueDepth.WithLabelValues(priority).Set(float64(depth))
}

func (s *PrometheusSink) ExecutionsInFlightIncr() {
	s.executionsInFlight.Inc()
}

func (s *PrometheusSink) ExecutionsInFlightDecr() {
	s.executionsInFlight.Dec()
}

// Recovery metrics implementation

func (s *PrometheusSink) CircuitOpened(target string) {
	s.circuitOpenedTotal.WithLabelValues(target).Inc()
}

func (s *PrometheusSink) CircuitClosed(target string) {
	s.circuitClosedTotal.WithLabelValues(target).Inc()
}

// Rate limiter metrics implementation

func (s *PrometheusSink) RateLimitDenied(quota string) {
	s.rateLimitDeniedTotal.WithLabelValues(quota).Inc()
}

// Router metrics implementation

func (s *PrometheusSink) EventPublished() {
	s.eventsPublishedTotal.Inc()
}

func (s *PrometheusSink) EventDropped() {
	s.eventsDroppedTotal.Inc()
}

func (s *PrometheusSink) GapNotified() {
	s.gapsNotifiedTotal.Inc()
}

// Retention metrics implementation

func (s *PrometheusSink) RecordsArchived(count int) {
	s.recordsArchivedTotal.Add(float64(count))
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.leaderStatus.Set(1)
	} else {
		s.leaderStatus.Set(0)
	}
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}
