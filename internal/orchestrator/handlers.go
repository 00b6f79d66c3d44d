package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-grid/internal/domain"
	"github.com/djlord-it/easy-grid/internal/metrics"
	"github.com/djlord-it/easy-grid/internal/recovery"
)

// ErrStatusTransitionDenied guards the execution status graph. Seeing it
// logged means a handler raced a terminal transition; the record is left
// untouched.
var ErrStatusTransitionDenied = errors.New("execution status transition denied")

func (o *Orchestrator) transition(rec *domain.ExecutionRecord, to domain.ExecutionStatus) error {
	if !domain.CanTransition(rec.Status, to) {
		return fmt.Errorf("%w: %s -> %s (execution %s)", ErrStatusTransitionDenied, rec.Status, to, rec.ID)
	}
	rec.Status = to
	return nil
}

func (o *Orchestrator) handleSubmit(c submitCmd) {
	if o.draining {
		c.resp <- submitResult{err: domain.NewError(domain.ErrorKindCapacity, domain.CodeServerDraining, "server is draining, not accepting new executions")}
		return
	}

	p := c.req.Payload
	if p.Name == "" {
		c.resp <- submitResult{err: domain.NewError(domain.ErrorKindValidation, domain.CodeValidationFailed, "name is required")}
		return
	}

	priority := domain.PriorityStandard
	switch p.Priority {
	case "", string(domain.PriorityStandard):
	case string(domain.PriorityHigh):
		priority = domain.PriorityHigh
	default:
		c.resp <- submitResult{err: domain.NewError(domain.ErrorKindValidation, domain.CodeValidationFailed, "priority must be high or standard").WithContext("priority", p.Priority)}
		return
	}

	if o.queueHigh.len()+o.queueStd.len() >= o.config.QueueLimit {
		c.resp <- submitResult{err: domain.NewError(domain.ErrorKindCapacity, domain.CodeCapacityExceeded, "execution queue is full")}
		return
	}

	if o.quota != nil && !o.quota.AcquireExecution(c.req.RequesterIdentity) {
		if o.metrics != nil {
			o.metrics.RateLimitDenied(metrics.QuotaExecutions)
		}
		c.resp <- submitResult{err: domain.NewError(domain.ErrorKindCapacity, domain.CodeQuotaExceeded, "concurrent execution quota exceeded")}
		return
	}

	timeout := time.Duration(p.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = o.config.DefaultTimeout
	}
	if timeout > o.config.MaxTimeout {
		timeout = o.config.MaxTimeout
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = o.config.DefaultMaxAttempts
	}
	if maxAttempts > o.config.AttemptsCap {
		maxAttempts = o.config.AttemptsCap
	}

	now := o.clock()
	rec := &domain.ExecutionRecord{
		ID:                 uuid.New(),
		RequesterSessionID: c.req.RequesterSessionID,
		Name:               p.Name,
		Parameters:         p.Parameters,
		Priority:           priority,
		Tags:               append([]string(nil), p.Tags...),
		Timeout:            timeout,
		MaxAttempts:        maxAttempts,
		Status:             domain.ExecutionStatusQueued,
		CreatedAt:          now,
	}

	o.records[rec.ID] = rec
	o.submitMsg[rec.ID] = c.req.SubmitMsgID
	o.identities[rec.ID] = c.req.RequesterIdentity
	o.enqueue(rec)

	if o.metrics != nil {
		o.metrics.ExecutionSubmitted(string(priority))
	}
	o.publish(rec, domain.EventExecutionQueued, nil)
	log.Printf("orchestrator: submitted execution=%s name=%s priority=%s max_attempts=%d", rec.ID, rec.Name, priority, maxAttempts)

	c.resp <- submitResult{id: rec.ID}
	o.trySchedule()
}

func (o *Orchestrator) handleCancel(c cancelCmd) {
	rec, ok := o.records[c.executionID]
	if !ok {
		c.resp <- cancelResult{err: domain.NewError(domain.ErrorKindValidation, domain.CodeNotFound, "unknown execution").WithContext("execution_id", c.executionID.String())}
		return
	}

	if rec.Status.Terminal() {
		// A retry-pending record reads as failed/timed-out but holds a
		// live retry timer; cancelling stops the retry and finalizes it.
		if _, pending := o.timers[rec.ID]; pending {
			o.stopTimer(rec.ID)
			o.finalize(rec, rec.Status, false)
		}
		c.resp <- cancelResult{status: rec.Status}
		return
	}

	switch rec.Status {
	case domain.ExecutionStatusQueued:
		o.queueFor(rec.Priority).remove(rec.ID)
		o.updateQueueDepth()
		if err := o.transition(rec, domain.ExecutionStatusCancelled); err != nil {
			log.Printf("orchestrator: %v", err)
			c.resp <- cancelResult{err: domain.NewError(domain.ErrorKindInternal, domain.CodeInternal, "cancel failed")}
			return
		}
		o.finalize(rec, rec.Status, false)
		c.resp <- cancelResult{status: rec.Status}

	case domain.ExecutionStatusDispatched, domain.ExecutionStatusRunning:
		worker := rec.WorkerSessionID
		if err := o.transition(rec, domain.ExecutionStatusCancelled); err != nil {
			log.Printf("orchestrator: %v", err)
			c.resp <- cancelResult{err: domain.NewError(domain.ErrorKindInternal, domain.CodeInternal, "cancel failed")}
			return
		}
		// Optimistic: the slot frees now; the worker gets a grace period
		// to confirm, and a late result is fenced off by the terminal
		// status.
		o.stopTimer(rec.ID)
		o.releaseSlot(worker)
		o.finalize(rec, rec.Status, false)

		if err := o.invoker.NotifyCancel(worker, rec.ID); err != nil {
			log.Printf("orchestrator: cancel notify execution=%s worker=%s failed: %v", rec.ID, worker, err)
		}
		id := rec.ID
		o.cancelGrace[id] = time.AfterFunc(o.config.CancelGrace, func() {
			o.postAsync(cancelGraceCmd{executionID: id})
		})

		c.resp <- cancelResult{status: rec.Status}
		o.trySchedule()

	default:
		c.resp <- cancelResult{status: rec.Status}
	}
}

func (o *Orchestrator) handleAck(c ackCmd) {
	rec, ok := o.records[c.executionID]
	if !ok || rec.Status != domain.ExecutionStatusDispatched || rec.WorkerSessionID != c.workerID || rec.Attempt != c.attempt {
		log.Printf("orchestrator: stale ack execution=%s worker=%s attempt=%d discarded", c.executionID, c.workerID, c.attempt)
		return
	}

	if err := o.transition(rec, domain.ExecutionStatusRunning); err != nil {
		log.Printf("orchestrator: %v", err)
		return
	}
	o.setTimer(rec.ID, rec.Timeout, execTimeoutCmd{executionID: rec.ID, attempt: rec.Attempt})
	o.publish(rec, domain.EventExecutionRunning, nil)
}

func (o *Orchestrator) handleProgress(c progressCmd) {
	execID, err := uuid.Parse(c.payload.ExecutionID)
	if err != nil {
		return
	}
	rec, ok := o.records[execID]
	if !ok || rec.Status != domain.ExecutionStatusRunning || rec.WorkerSessionID != c.workerID || rec.Attempt != c.payload.Attempt {
		return
	}
	o.publish(rec, domain.EventExecutionProgress, c.payload.Data)
}

func (o *Orchestrator) handleResult(c resultCmd) {
	execID, err := uuid.Parse(c.payload.ExecutionID)
	if err != nil {
		log.Printf("orchestrator: result with bad execution id %q from worker=%s", c.payload.ExecutionID, c.workerID)
		return
	}

	rec, ok := o.records[execID]
	if !ok {
		log.Printf("orchestrator: result for unknown execution=%s discarded", execID)
		return
	}

	// A result landing on a terminal record is either the worker confirming
	// a cancel or a stale attempt racing a timeout; both are dropped.
	if rec.Status.Terminal() && o.timers[rec.ID] == nil {
		if t, pending := o.cancelGrace[rec.ID]; pending {
			t.Stop()
			delete(o.cancelGrace, rec.ID)
			return
		}
		log.Printf("orchestrator: late result execution=%s attempt=%d discarded (already %s)", execID, c.payload.Attempt, rec.Status)
		return
	}

	if rec.WorkerSessionID != c.workerID || rec.Attempt != c.payload.Attempt {
		log.Printf("orchestrator: stale result execution=%s attempt=%d (current %d) discarded", execID, c.payload.Attempt, rec.Attempt)
		return
	}

	if rec.Status == domain.ExecutionStatusDispatched {
		// Result outran the ack; move through running first.
		o.stopTimer(rec.ID)
		if err := o.transition(rec, domain.ExecutionStatusRunning); err != nil {
			log.Printf("orchestrator: %v", err)
			return
		}
	}
	if rec.Status != domain.ExecutionStatusRunning {
		log.Printf("orchestrator: result for execution=%s in status %s discarded", execID, rec.Status)
		return
	}

	duration := time.Duration(c.payload.DurationMs) * time.Millisecond
	workerKey := c.workerID.String()

	switch c.payload.Status {
	case string(domain.ExecutionStatusSucceeded):
		o.stopTimer(rec.ID)
		o.releaseSlot(rec.WorkerSessionID)
		o.breaker.RecordSuccess(workerKey)
		if err := o.transition(rec, domain.ExecutionStatusSucceeded); err != nil {
			log.Printf("orchestrator: %v", err)
			return
		}
		rec.Result = c.payload.ResultData
		if o.metrics != nil {
			o.metrics.DispatchAttemptCompleted(rec.Attempt, metrics.StatusClassOK, duration)
		}
		o.finalize(rec, rec.Status, false)
		o.trySchedule()

	case string(domain.ExecutionStatusCancelled):
		o.stopTimer(rec.ID)
		o.releaseSlot(rec.WorkerSessionID)
		if err := o.transition(rec, domain.ExecutionStatusCancelled); err != nil {
			log.Printf("orchestrator: %v", err)
			return
		}
		o.finalize(rec, rec.Status, false)
		o.trySchedule()

	case string(domain.ExecutionStatusFailed):
		kind := parseErrorKind(c.payload.ErrorKind)
		o.attemptFailed(rec, kind, c.payload.Error, duration, true)

	case string(domain.ExecutionStatusTimedOut):
		o.attemptFailed(rec, domain.ErrorKindTimeout, "worker-side timeout", duration, true)

	default:
		log.Printf("orchestrator: result with unknown status %q for execution=%s discarded", c.payload.Status, execID)
	}
}

func parseErrorKind(s string) domain.ErrorKind {
	switch k := domain.ErrorKind(s); k {
	case domain.ErrorKindTransient, domain.ErrorKindTimeout, domain.ErrorKindValidation, domain.ErrorKindInternal, domain.ErrorKindCancelled:
		return k
	}
	return domain.ErrorKindInternal
}

func (o *Orchestrator) handleAckTimeout(executionID uuid.UUID, attempt int) {
	rec, ok := o.records[executionID]
	if !ok || rec.Status != domain.ExecutionStatusDispatched || rec.Attempt != attempt {
		return
	}
	log.Printf("orchestrator: dispatch ack timeout execution=%s worker=%s attempt=%d", executionID, rec.WorkerSessionID, attempt)
	o.attemptFailed(rec, domain.ErrorKindTimeout, "dispatch not acknowledged in time", o.clock().Sub(rec.StartedAt), true)
}

func (o *Orchestrator) handleExecTimeout(executionID uuid.UUID, attempt int) {
	rec, ok := o.records[executionID]
	if !ok || rec.Status != domain.ExecutionStatusRunning || rec.Attempt != attempt {
		return
	}
	log.Printf("orchestrator: execution deadline exceeded execution=%s worker=%s attempt=%d timeout=%s", executionID, rec.WorkerSessionID, attempt, rec.Timeout)
	o.attemptFailed(rec, domain.ErrorKindTimeout, "execution deadline exceeded", rec.Timeout, true)
}

// attemptFailed handles one failed attempt: it releases the worker slot,
// feeds the circuit breaker, and either schedules a retry or finalizes the
// record.
func (o *Orchestrator) attemptFailed(rec *domain.ExecutionRecord, kind domain.ErrorKind, msg string, duration time.Duration, blameWorker bool) {
	o.stopTimer(rec.ID)
	o.releaseSlot(rec.WorkerSessionID)
	if blameWorker {
		o.breaker.RecordFailure(rec.WorkerSessionID.String())
	}

	status := domain.ExecutionStatusFailed
	if kind == domain.ErrorKindTimeout {
		status = domain.ExecutionStatusTimedOut
	}
	if err := o.transition(rec, status); err != nil {
		log.Printf("orchestrator: %v", err)
		return
	}
	rec.Error = domain.NewError(kind, "", msg).WithContext("attempt", fmt.Sprintf("%d", rec.Attempt))

	if o.metrics != nil {
		o.metrics.DispatchAttemptCompleted(rec.Attempt, statusClassFor(kind), duration)
	}
	o.publish(rec, domain.StatusEvent(rec.Status), nil)

	if kind.Retryable() && rec.Attempt < rec.MaxAttempts {
		delay := o.backoff.Delay(rec.Attempt + 1)
		log.Printf("orchestrator: retry scheduled execution=%s attempt=%d/%d delay=%s", rec.ID, rec.Attempt+1, rec.MaxAttempts, delay)
		o.setTimer(rec.ID, delay, retryDueCmd{executionID: rec.ID})
		if o.metrics != nil {
			o.metrics.RetryScheduled()
		}
	} else {
		o.finalize(rec, rec.Status, true)
	}
	o.trySchedule()
}

func statusClassFor(kind domain.ErrorKind) string {
	switch kind {
	case domain.ErrorKindTimeout:
		return metrics.StatusClassTimeout
	case domain.ErrorKindTransient:
		return metrics.StatusClassTransient
	case domain.ErrorKindCancelled:
		return metrics.StatusClassCancelled
	case domain.ErrorKindInternal:
		return metrics.StatusClassInternal
	}
	return metrics.StatusClassPermanent
}

func (o *Orchestrator) handleRetryDue(executionID uuid.UUID) {
	rec, ok := o.records[executionID]
	if !ok {
		return
	}
	delete(o.timers, executionID)
	if rec.Status != domain.ExecutionStatusFailed && rec.Status != domain.ExecutionStatusTimedOut {
		return
	}
	if err := o.transition(rec, domain.ExecutionStatusQueued); err != nil {
		log.Printf("orchestrator: %v", err)
		return
	}
	rec.WorkerSessionID = uuid.Nil
	rec.Error = nil
	o.enqueue(rec)
	o.publish(rec, domain.EventExecutionQueued, nil)
	o.trySchedule()
}

func (o *Orchestrator) handleCancelGrace(executionID uuid.UUID) {
	if _, ok := o.cancelGrace[executionID]; !ok {
		return
	}
	delete(o.cancelGrace, executionID)
	log.Printf("orchestrator: cancel unconfirmed by worker execution=%s", executionID)
}

func (o *Orchestrator) handleWorkerGone(workerID uuid.UUID) {
	var orphaned []*domain.ExecutionRecord
	for _, rec := range o.records {
		if rec.WorkerSessionID == workerID &&
			(rec.Status == domain.ExecutionStatusDispatched || rec.Status == domain.ExecutionStatusRunning) {
			orphaned = append(orphaned, rec)
		}
	}
	if len(orphaned) > 0 {
		log.Printf("orchestrator: worker=%s gone, failing over %d executions", workerID, len(orphaned))
	}
	for _, rec := range orphaned {
		o.attemptFailed(rec, domain.ErrorKindTransient, "worker disconnected", o.clock().Sub(rec.StartedAt), false)
	}
	o.breaker.Forget(workerID.String())
	delete(o.perWorker, workerID)

	if o.publisher != nil {
		o.publisher.Publish(domain.LifecycleEvent{
			Type:      domain.EventWorkerLeft,
			SessionID: workerID,
			At:        o.clock(),
		})
	}
	o.trySchedule()
}

// trySchedule dispatches queued executions while the global bound, a
// worker slot and a closed (or probing) circuit are all available. Heads
// of the high queue go first.
func (o *Orchestrator) trySchedule() {
	for o.inFlight < o.config.MaxInFlight {
		q := &o.queueHigh
		id, ok := q.peek()
		if !ok {
			q = &o.queueStd
			id, ok = q.peek()
		}
		if !ok {
			return
		}

		worker, found := o.pickWorker()
		if !found {
			return
		}

		q.pop()
		o.updateQueueDepth()
		rec := o.records[id]
		if rec == nil || rec.Status != domain.ExecutionStatusQueued {
			continue
		}
		if !o.dispatch(rec, worker) {
			// Rolled back to queued; wait for the next trigger instead of
			// hammering a failing worker.
			q.pushFront(id)
			o.updateQueueDepth()
			kick := o.backoff.Base
			if kick <= 0 {
				kick = 250 * time.Millisecond
			}
			o.setTimer(uuid.Nil, kick, kickCmd{})
			return
		}
	}
}

// pickWorker returns the least-loaded ready worker with free capacity and
// an admitting circuit.
func (o *Orchestrator) pickWorker() (uuid.UUID, bool) {
	best := uuid.Nil
	bestLoad := -1
	for _, w := range o.workers.ReadyWorkers() {
		limit := o.config.MaxPerWorker
		if w.Slots > 0 && w.Slots < limit {
			limit = w.Slots
		}
		load := o.perWorker[w.SessionID]
		if load >= limit {
			continue
		}
		if bestLoad == -1 || load < bestLoad {
			best = w.SessionID
			bestLoad = load
		}
	}
	if bestLoad == -1 {
		return uuid.Nil, false
	}
	// Allow may admit a half-open probe; only ask for the worker we will
	// actually use.
	if err := o.breaker.Allow(best.String()); err != nil {
		return uuid.Nil, false
	}
	return best, true
}

// dispatch reserves a slot, marks the record and pushes the command to the
// worker as a compensated sequence. It reports whether the dispatch went
// out; on failure every step is rolled back.
func (o *Orchestrator) dispatch(rec *domain.ExecutionRecord, worker uuid.UUID) bool {
	attempt := rec.Attempt + 1
	prevStarted := rec.StartedAt

	saga := recovery.NewSaga("dispatch",
		recovery.Step{
			Name: "reserve_slot",
			Execute: func(ctx context.Context) error {
				o.inFlight++
				o.perWorker[worker]++
				if o.metrics != nil {
					o.metrics.ExecutionsInFlightIncr()
				}
				return nil
			},
			Compensate: func(ctx context.Context) error {
				o.releaseSlot(worker)
				return nil
			},
		},
		recovery.Step{
			Name: "mark_dispatched",
			Execute: func(ctx context.Context) error {
				if err := o.transition(rec, domain.ExecutionStatusDispatched); err != nil {
					return err
				}
				rec.WorkerSessionID = worker
				rec.Attempt = attempt
				rec.StartedAt = o.clock()
				return nil
			},
			Compensate: func(ctx context.Context) error {
				rec.Status = domain.ExecutionStatusQueued
				rec.WorkerSessionID = uuid.Nil
				rec.Attempt = attempt - 1
				rec.StartedAt = prevStarted
				return nil
			},
		},
		recovery.Step{
			Name: "send_dispatch",
			Execute: func(ctx context.Context) error {
				return o.invoker.Dispatch(worker, domain.DispatchPayload{
					ExecutionID: rec.ID.String(),
					Name:        rec.Name,
					Parameters:  rec.Parameters,
					Attempt:     attempt,
					TimeoutMs:   rec.Timeout.Milliseconds(),
				})
			},
		},
	)

	if err := saga.Run(context.Background()); err != nil {
		log.Printf("orchestrator: dispatch execution=%s worker=%s failed: %v", rec.ID, worker, err)
		o.breaker.RecordFailure(worker.String())
		if o.metrics != nil {
			o.metrics.DispatchAttemptCompleted(attempt, statusClassFor(domain.Classify(err)), 0)
		}
		return false
	}

	o.setTimer(rec.ID, o.config.AckTimeout, ackTimeoutCmd{executionID: rec.ID, attempt: attempt})
	o.publish(rec, domain.EventExecutionDispatched, nil)
	log.Printf("orchestrator: dispatched execution=%s worker=%s attempt=%d/%d", rec.ID, worker, attempt, rec.MaxAttempts)
	return true
}

// finalize completes a terminal record: exactly one result message goes to
// the requester, the archive and analytics sinks get the outcome, and the
// quota slot is released. fromFailure callers already published the status
// event in attemptFailed.
func (o *Orchestrator) finalize(rec *domain.ExecutionRecord, status domain.ExecutionStatus, fromFailure bool) {
	rec.EndedAt = o.clock()

	identity := o.identities[rec.ID]
	delete(o.identities, rec.ID)
	if o.quota != nil && identity != "" {
		o.quota.ReleaseExecution(identity)
	}

	if o.metrics != nil {
		o.metrics.ExecutionOutcome(string(status))
	}
	if !fromFailure {
		// Failure paths publish their status event in attemptFailed.
		o.publish(rec, domain.StatusEvent(status), nil)
	}

	msgID, hasMsg := o.submitMsg[rec.ID]
	delete(o.submitMsg, rec.ID)
	if hasMsg {
		o.sendResult(*rec, msgID)
	}

	snapshot := rec.Clone()
	o.persistRecord(snapshot)
	o.recordAnalytics(identity, status, rec.EndedAt)

	log.Printf("orchestrator: finalized execution=%s status=%s attempts=%d", rec.ID, status, rec.Attempt)
}

func (o *Orchestrator) sendResult(rec domain.ExecutionRecord, correlationID uuid.UUID) {
	p := domain.ResultPayload{
		ExecutionID: rec.ID.String(),
		Status:      string(rec.Status),
		Attempt:     rec.Attempt,
		ResultData:  rec.Result,
	}
	if !rec.StartedAt.IsZero() && rec.EndedAt.After(rec.StartedAt) {
		p.DurationMs = rec.EndedAt.Sub(rec.StartedAt).Milliseconds()
	}
	if rec.Error != nil {
		p.Error = rec.Error.Message
		p.ErrorKind = string(rec.Error.Kind)
	}
	if err := o.results.SendResult(rec.RequesterSessionID, correlationID, p); err != nil {
		log.Printf("orchestrator: result delivery execution=%s session=%s failed: %v", rec.ID, rec.RequesterSessionID, err)
	}
}

func (o *Orchestrator) persistRecord(rec domain.ExecutionRecord) {
	if o.persister == nil {
		return
	}
	retryer := recovery.NewRetryer(o.backoff, DefaultPersistAttempts)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := retryer.Do(ctx, func(ctx context.Context) error {
			return o.persister.AppendResult(ctx, rec)
		}); err != nil {
			log.Printf("orchestrator: archive execution=%s failed: %v", rec.ID, err)
		}
	}()
}

func (o *Orchestrator) recordAnalytics(identity string, status domain.ExecutionStatus, at time.Time) {
	if o.analytics == nil || identity == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.analytics.RecordExecution(ctx, identity, status, at); err != nil {
			log.Printf("orchestrator: analytics identity=%s failed: %v", identity, err)
		}
	}()
}

func (o *Orchestrator) publish(rec *domain.ExecutionRecord, ev domain.EventType, data []byte) {
	if o.publisher == nil || ev == "" {
		return
	}
	o.publisher.Publish(domain.LifecycleEvent{
		Type:        ev,
		ExecutionID: rec.ID,
		SessionID:   rec.WorkerSessionID,
		Attempt:     rec.Attempt,
		Tags:        rec.Tags,
		Data:        data,
		At:          o.clock(),
	})
}

func (o *Orchestrator) enqueue(rec *domain.ExecutionRecord) {
	o.queueFor(rec.Priority).push(rec.ID)
	o.updateQueueDepth()
}

func (o *Orchestrator) queueFor(p domain.Priority) *fifo {
	if p == domain.PriorityHigh {
		return &o.queueHigh
	}
	return &o.queueStd
}

func (o *Orchestrator) updateQueueDepth() {
	if o.metrics == nil {
		return
	}
	o.metrics.QueueDepthUpdate(string(domain.PriorityHigh), o.queueHigh.len())
	o.metrics.QueueDepthUpdate(string(domain.PriorityStandard), o.queueStd.len())
}

func (o *Orchestrator) releaseSlot(worker uuid.UUID) {
	if o.inFlight > 0 {
		o.inFlight--
	}
	if n := o.perWorker[worker]; n > 1 {
		o.perWorker[worker] = n - 1
	} else {
		delete(o.perWorker, worker)
	}
	if o.metrics != nil {
		o.metrics.ExecutionsInFlightDecr()
	}
}

func (o *Orchestrator) setTimer(id uuid.UUID, d time.Duration, c command) {
	o.stopTimer(id)
	o.timers[id] = time.AfterFunc(d, func() {
		o.postAsync(c)
	})
}

func (o *Orchestrator) stopTimer(id uuid.UUID) {
	if t, ok := o.timers[id]; ok {
		t.Stop()
		delete(o.timers, id)
	}
}
