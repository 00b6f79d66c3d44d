package orchestrator

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-grid/internal/domain"
	"github.com/djlord-it/easy-grid/internal/recovery"
)

// Defaults applied when the caller leaves Config fields zero.
const (
	DefaultMaxInFlight     = 10
	DefaultMaxPerWorker    = 4
	DefaultAckTimeout      = 10 * time.Second
	DefaultExecTimeout     = 5 * time.Minute
	DefaultMaxExecTimeout  = 30 * time.Minute
	DefaultMaxAttempts     = 3
	DefaultAttemptsCap     = 5
	DefaultCancelGrace     = 10 * time.Second
	DefaultQueueLimit      = 1000
	DefaultCommandBacklog  = 256
	DefaultDrainTimeout    = 5 * time.Second
	DefaultPersistAttempts = 3
)

// ErrStopped is returned by the public API after Run has exited.
var ErrStopped = errors.New("orchestrator stopped")

// WorkerSlot describes a ready worker and its advertised capacity.
type WorkerSlot struct {
	SessionID uuid.UUID
	Slots     int
}

// WorkerRegistry lists workers eligible for dispatch.
type WorkerRegistry interface {
	ReadyWorkers() []WorkerSlot
}

// WorkerInvoker pushes commands to worker sessions.
type WorkerInvoker interface {
	Dispatch(workerID uuid.UUID, p domain.DispatchPayload) error
	NotifyCancel(workerID uuid.UUID, executionID uuid.UUID) error
}

// ResultSender delivers the final result message to the requester session.
// correlationID is the id of the original submit message.
type ResultSender interface {
	SendResult(sessionID uuid.UUID, correlationID uuid.UUID, p domain.ResultPayload) error
}

// PersistenceSink archives terminal execution records.
type PersistenceSink interface {
	AppendResult(ctx context.Context, rec domain.ExecutionRecord) error
}

// AnalyticsSink records per-identity outcome counters.
type AnalyticsSink interface {
	RecordExecution(ctx context.Context, identity string, status domain.ExecutionStatus, at time.Time) error
}

// EventPublisher fans lifecycle events out to subscribers.
type EventPublisher interface {
	Publish(ev domain.LifecycleEvent)
}

// Quota bounds concurrent executions per identity.
type Quota interface {
	AcquireExecution(identity string) bool
	ReleaseExecution(identity string)
}

// MetricsSink receives orchestrator counters. All methods must be safe for
// concurrent use.
type MetricsSink interface {
	ExecutionSubmitted(priority string)
	ExecutionOutcome(outcome string)
	DispatchAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	RetryScheduled()
	QueueDepthUpdate(priority string, depth int)
	ExecutionsInFlightIncr()
	ExecutionsInFlightDecr()
	RateLimitDenied(quota string)
}

// Config bounds the orchestrator.
type Config struct {
	// MaxInFlight is the global cap on concurrently dispatched executions.
	MaxInFlight int
	// MaxPerWorker caps in-flight executions per worker session. A worker
	// advertising fewer slots is bounded by its own count.
	MaxPerWorker int
	// AckTimeout is how long a dispatch may sit unacknowledged.
	AckTimeout time.Duration
	// DefaultTimeout applies when a submit carries no timeout.
	DefaultTimeout time.Duration
	// MaxTimeout caps requested execution timeouts.
	MaxTimeout time.Duration
	// DefaultMaxAttempts applies when a submit carries no attempt budget.
	DefaultMaxAttempts int
	// AttemptsCap caps requested attempt budgets.
	AttemptsCap int
	// CancelGrace is how long a worker has to confirm a cancel before the
	// orchestrator logs it as unconfirmed.
	CancelGrace time.Duration
	// QueueLimit caps queued (not yet dispatched) executions.
	QueueLimit int
	// DrainTimeout bounds command draining on shutdown.
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.MaxPerWorker <= 0 {
		c.MaxPerWorker = DefaultMaxPerWorker
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultExecTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = DefaultMaxExecTimeout
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = DefaultMaxAttempts
	}
	if c.AttemptsCap <= 0 {
		c.AttemptsCap = DefaultAttemptsCap
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = DefaultCancelGrace
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = DefaultQueueLimit
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return c
}

// SubmitRequest is a validated-enough submit handed over by the session layer.
type SubmitRequest struct {
	RequesterSessionID uuid.UUID
	RequesterIdentity  string
	SubmitMsgID        uuid.UUID
	Payload            domain.SubmitPayload
}

// Snapshot is a point-in-time view of orchestrator state.
type Snapshot struct {
	Records       []domain.ExecutionRecord
	QueuedHigh    int
	QueuedStd     int
	InFlight      int
	ActiveWorkers int
}

// Orchestrator owns the execution lifecycle. All state lives inside a single
// goroutine started by Run; the public API posts commands to it.
type Orchestrator struct {
	config    Config
	workers   WorkerRegistry
	invoker   WorkerInvoker
	results   ResultSender
	breaker   *recovery.Breaker
	backoff   recovery.BackoffConfig
	persister PersistenceSink
	analytics AnalyticsSink
	publisher EventPublisher
	quota     Quota
	metrics   MetricsSink
	clock     func() time.Time

	commands chan command
	done     chan struct{}

	// Owned by the Run goroutine.
	records   map[uuid.UUID]*domain.ExecutionRecord
	queueHigh fifo
	queueStd  fifo
	inFlight  int
	perWorker map[uuid.UUID]int
	// submitMsg maps execution id to the originating submit message id so
	// the final result can be correlated.
	submitMsg map[uuid.UUID]uuid.UUID
	// identities maps execution id to the requester identity for quota
	// release and analytics.
	identities map[uuid.UUID]string
	// timers holds the one pending deadline per execution (ack, run or
	// retry). Grace timers for cancels live in cancelGrace.
	timers      map[uuid.UUID]*time.Timer
	cancelGrace map[uuid.UUID]*time.Timer
	draining    bool
}

// New builds an orchestrator. workers, invoker, results and breaker are
// required; the rest are attached with WithX options.
func New(cfg Config, workers WorkerRegistry, invoker WorkerInvoker, results ResultSender, breaker *recovery.Breaker, backoff recovery.BackoffConfig) *Orchestrator {
	return &Orchestrator{
		config:      cfg.withDefaults(),
		workers:     workers,
		invoker:     invoker,
		results:     results,
		breaker:     breaker,
		backoff:     backoff,
		clock:       time.Now,
		commands:    make(chan command, DefaultCommandBacklog),
		done:        make(chan struct{}),
		records:     make(map[uuid.UUID]*domain.ExecutionRecord),
		perWorker:   make(map[uuid.UUID]int),
		submitMsg:   make(map[uuid.UUID]uuid.UUID),
		identities:  make(map[uuid.UUID]string),
		timers:      make(map[uuid.UUID]*time.Timer),
		cancelGrace: make(map[uuid.UUID]*time.Timer),
	}
}

// WithPersistence attaches an archive for terminal records.
func (o *Orchestrator) WithPersistence(s PersistenceSink) *Orchestrator {
	o.persister = s
	return o
}

// WithAnalytics attaches per-identity outcome recording.
func (o *Orchestrator) WithAnalytics(a AnalyticsSink) *Orchestrator {
	o.analytics = a
	return o
}

// WithPublisher attaches the lifecycle event router.
func (o *Orchestrator) WithPublisher(p EventPublisher) *Orchestrator {
	o.publisher = p
	return o
}

// WithQuota attaches per-identity concurrency limiting.
func (o *Orchestrator) WithQuota(q Quota) *Orchestrator {
	o.quota = q
	return o
}

// WithMetrics attaches a metrics sink.
func (o *Orchestrator) WithMetrics(m MetricsSink) *Orchestrator {
	o.metrics = m
	return o
}

// WithClock overrides the time source for tests.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

type command interface {
	apply(o *Orchestrator)
}

func (o *Orchestrator) post(ctx context.Context, c command) error {
	select {
	case o.commands <- c:
		return nil
	case <-o.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postAsync is used by timer callbacks which have no context and must never
// block past shutdown.
func (o *Orchestrator) postAsync(c command) {
	select {
	case o.commands <- c:
	case <-o.done:
	}
}

// Run processes commands until ctx is cancelled, then drains the backlog for
// at most DrainTimeout. It must be called exactly once.
func (o *Orchestrator) Run(ctx context.Context) {
	log.Printf("orchestrator: started max_in_flight=%d max_per_worker=%d", o.config.MaxInFlight, o.config.MaxPerWorker)
	for {
		select {
		case c := <-o.commands:
			c.apply(o)
		case <-ctx.Done():
			o.drain()
			close(o.done)
			for _, t := range o.timers {
				t.Stop()
			}
			for _, t := range o.cancelGrace {
				t.Stop()
			}
			log.Printf("orchestrator: stopped records=%d queued=%d", len(o.records), o.queueHigh.len()+o.queueStd.len())
			return
		}
	}
}

func (o *Orchestrator) drain() {
	deadline := time.NewTimer(o.config.DrainTimeout)
	defer deadline.Stop()
	for {
		select {
		case c := <-o.commands:
			c.apply(o)
		case <-deadline.C:
			return
		default:
			return
		}
	}
}

type submitCmd struct {
	req  SubmitRequest
	resp chan submitResult
}

type submitResult struct {
	id  uuid.UUID
	err *domain.Error
}

func (c submitCmd) apply(o *Orchestrator) { o.handleSubmit(c) }

// Submit validates and enqueues an execution, returning its id. Errors are
// *domain.Error values suitable for an error reply.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (uuid.UUID, error) {
	resp := make(chan submitResult, 1)
	if err := o.post(ctx, submitCmd{req: req, resp: resp}); err != nil {
		return uuid.Nil, err
	}
	select {
	case r := <-resp:
		if r.err != nil {
			return uuid.Nil, r.err
		}
		return r.id, nil
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
}

type cancelCmd struct {
	executionID uuid.UUID
	sessionID   uuid.UUID
	resp        chan cancelResult
}

type cancelResult struct {
	status domain.ExecutionStatus
	err    *domain.Error
}

func (c cancelCmd) apply(o *Orchestrator) { o.handleCancel(c) }

// Cancel requests cancellation of an execution and reports the resulting
// status. Cancelling a terminal execution is a no-op returning its status.
func (o *Orchestrator) Cancel(ctx context.Context, executionID, sessionID uuid.UUID) (domain.ExecutionStatus, error) {
	resp := make(chan cancelResult, 1)
	if err := o.post(ctx, cancelCmd{executionID: executionID, sessionID: sessionID, resp: resp}); err != nil {
		return "", err
	}
	select {
	case r := <-resp:
		if r.err != nil {
			return "", r.err
		}
		return r.status, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type ackCmd struct {
	workerID    uuid.UUID
	executionID uuid.UUID
	attempt     int
}

func (c ackCmd) apply(o *Orchestrator) { o.handleAck(c) }

// HandleAck records a worker's dispatch acknowledgement.
func (o *Orchestrator) HandleAck(workerID, executionID uuid.UUID, attempt int) {
	o.postAsync(ackCmd{workerID: workerID, executionID: executionID, attempt: attempt})
}

type progressCmd struct {
	workerID uuid.UUID
	payload  domain.ProgressPayload
}

func (c progressCmd) apply(o *Orchestrator) { o.handleProgress(c) }

// HandleProgress forwards a worker progress report to subscribers.
func (o *Orchestrator) HandleProgress(workerID uuid.UUID, p domain.ProgressPayload) {
	o.postAsync(progressCmd{workerID: workerID, payload: p})
}

type resultCmd struct {
	workerID uuid.UUID
	payload  domain.ResultPayload
}

func (c resultCmd) apply(o *Orchestrator) { o.handleResult(c) }

// HandleResult records a worker's attempt outcome. Results carrying a stale
// attempt counter are discarded.
func (o *Orchestrator) HandleResult(workerID uuid.UUID, p domain.ResultPayload) {
	o.postAsync(resultCmd{workerID: workerID, payload: p})
}

type workerJoinedCmd struct {
	workerID uuid.UUID
}

func (c workerJoinedCmd) apply(o *Orchestrator) {
	if o.publisher != nil {
		o.publisher.Publish(domain.LifecycleEvent{
			Type:      domain.EventWorkerJoined,
			SessionID: c.workerID,
			At:        o.clock(),
		})
	}
	o.trySchedule()
}

// WorkerJoined announces a newly authenticated worker and retriggers
// scheduling for anything queued while no capacity was available.
func (o *Orchestrator) WorkerJoined(workerID uuid.UUID) {
	o.postAsync(workerJoinedCmd{workerID: workerID})
}

type workerGoneCmd struct {
	workerID uuid.UUID
}

func (c workerGoneCmd) apply(o *Orchestrator) { o.handleWorkerGone(c.workerID) }

// WorkerGone fails over all executions in flight on a departed worker.
func (o *Orchestrator) WorkerGone(workerID uuid.UUID) {
	o.postAsync(workerGoneCmd{workerID: workerID})
}

type drainingCmd struct{}

func (drainingCmd) apply(o *Orchestrator) {
	if !o.draining {
		o.draining = true
		log.Printf("orchestrator: draining, rejecting new submissions")
	}
}

// SetDraining makes the orchestrator reject new submissions while letting
// in-flight executions finish.
func (o *Orchestrator) SetDraining() {
	o.postAsync(drainingCmd{})
}

type snapshotCmd struct {
	resp chan Snapshot
}

func (c snapshotCmd) apply(o *Orchestrator) {
	snap := Snapshot{
		Records:       make([]domain.ExecutionRecord, 0, len(o.records)),
		QueuedHigh:    o.queueHigh.len(),
		QueuedStd:     o.queueStd.len(),
		InFlight:      o.inFlight,
		ActiveWorkers: len(o.perWorker),
	}
	for _, rec := range o.records {
		snap.Records = append(snap.Records, rec.Clone())
	}
	c.resp <- snap
}

// Snapshot returns a copy of all live records and queue depths.
func (o *Orchestrator) Snapshot(ctx context.Context) (Snapshot, error) {
	resp := make(chan Snapshot, 1)
	if err := o.post(ctx, snapshotCmd{resp: resp}); err != nil {
		return Snapshot{}, err
	}
	select {
	case s := <-resp:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

type ackTimeoutCmd struct {
	executionID uuid.UUID
	attempt     int
}

func (c ackTimeoutCmd) apply(o *Orchestrator) { o.handleAckTimeout(c.executionID, c.attempt) }

type execTimeoutCmd struct {
	executionID uuid.UUID
	attempt     int
}

func (c execTimeoutCmd) apply(o *Orchestrator) { o.handleExecTimeout(c.executionID, c.attempt) }

type retryDueCmd struct {
	executionID uuid.UUID
}

func (c retryDueCmd) apply(o *Orchestrator) { o.handleRetryDue(c.executionID) }

type cancelGraceCmd struct {
	executionID uuid.UUID
}

func (c cancelGraceCmd) apply(o *Orchestrator) { o.handleCancelGrace(c.executionID) }

// kickCmd retriggers scheduling after a rolled-back dispatch.
type kickCmd struct{}

func (kickCmd) apply(o *Orchestrator) { o.trySchedule() }

type evictCmd struct {
	cutoff time.Time
	resp   chan int
}

func (c evictCmd) apply(o *Orchestrator) {
	evicted := 0
	for id, rec := range o.records {
		if !rec.Status.Terminal() || o.timers[id] != nil {
			continue
		}
		if rec.EndedAt.Before(c.cutoff) {
			delete(o.records, id)
			evicted++
		}
	}
	c.resp <- evicted
}

// EvictTerminalBefore drops finalized records that ended before cutoff
// from the in-memory table and reports how many were removed. The archive
// keeps its own copy.
func (o *Orchestrator) EvictTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	resp := make(chan int, 1)
	if err := o.post(ctx, evictCmd{cutoff: cutoff, resp: resp}); err != nil {
		return 0, err
	}
	select {
	case n := <-resp:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
