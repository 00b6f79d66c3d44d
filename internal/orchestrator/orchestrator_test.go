package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-grid/internal/domain"
	"github.com/djlord-it/easy-grid/internal/recovery"
	"github.com/djlord-it/easy-grid/internal/testutil"
)

type mockRegistry struct {
	mu      sync.Mutex
	workers []WorkerSlot
}

func (m *mockRegistry) ReadyWorkers() []WorkerSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]WorkerSlot(nil), m.workers...)
}

func (m *mockRegistry) add(id uuid.UUID, slots int) {
	m.mu.Lock()
	m.workers = append(m.workers, WorkerSlot{SessionID: id, Slots: slots})
	m.mu.Unlock()
}

func (m *mockRegistry) drop(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.workers {
		if w.SessionID == id {
			m.workers = append(m.workers[:i], m.workers[i+1:]...)
			return
		}
	}
}

type dispatched struct {
	worker  uuid.UUID
	payload domain.DispatchPayload
}

type mockInvoker struct {
	mu         sync.Mutex
	dispatches []dispatched
	cancels    []uuid.UUID
	dispatchErr error
}

func (m *mockInvoker) Dispatch(workerID uuid.UUID, p domain.DispatchPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dispatchErr != nil {
		return m.dispatchErr
	}
	m.dispatches = append(m.dispatches, dispatched{worker: workerID, payload: p})
	return nil
}

func (m *mockInvoker) NotifyCancel(workerID uuid.UUID, executionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, executionID)
	return nil
}

func (m *mockInvoker) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dispatches)
}

func (m *mockInvoker) last() dispatched {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dispatches[len(m.dispatches)-1]
}

func (m *mockInvoker) failWith(err error) {
	m.mu.Lock()
	m.dispatchErr = err
	m.mu.Unlock()
}

type mockResults struct {
	mu      sync.Mutex
	results []domain.ResultPayload
}

func (m *mockResults) SendResult(sessionID uuid.UUID, correlationID uuid.UUID, p domain.ResultPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, p)
	return nil
}

func (m *mockResults) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

func (m *mockResults) last() domain.ResultPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[len(m.results)-1]
}

func (m *mockResults) all() []domain.ResultPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ResultPayload(nil), m.results...)
}

type testHarness struct {
	orch     *Orchestrator
	registry *mockRegistry
	invoker  *mockInvoker
	results  *mockResults
	breaker  *recovery.Breaker
}

func fastBackoff() recovery.BackoffConfig {
	return recovery.BackoffConfig{Base: time.Millisecond, Multiplier: 2.0, Max: 10 * time.Millisecond, JitterFrac: 0.2}
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	return newHarnessWith(t, cfg, recovery.NewBreaker(recovery.DefaultBreakerConfig()))
}

func newHarnessWith(t *testing.T, cfg Config, breaker *recovery.Breaker, opts ...func(*Orchestrator)) *testHarness {
	t.Helper()
	h := &testHarness{
		registry: &mockRegistry{},
		invoker:  &mockInvoker{},
		results:  &mockResults{},
		breaker:  breaker,
	}
	h.orch = New(cfg, h.registry, h.invoker, h.results, h.breaker, fastBackoff())
	for _, opt := range opts {
		opt(h.orch)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.orch.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *testHarness) submit(t *testing.T, p domain.SubmitPayload) uuid.UUID {
	t.Helper()
	id, err := h.orch.Submit(testutil.TestContext(t), SubmitRequest{
		RequesterSessionID: uuid.New(),
		RequesterIdentity:  "tester",
		SubmitMsgID:        uuid.New(),
		Payload:            p,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return id
}

func TestSubmitDispatchSucceed(t *testing.T) {
	h := newHarness(t, Config{AckTimeout: time.Second})
	worker := uuid.New()
	h.registry.add(worker, 4)

	execID := h.submit(t, domain.SubmitPayload{Name: "smoke"})

	testutil.Eventually(t, time.Second, func() bool { return h.invoker.count() == 1 }, "dispatch sent")
	d := h.invoker.last()
	if d.worker != worker {
		t.Errorf("dispatched to %s, want %s", d.worker, worker)
	}
	if d.payload.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", d.payload.Attempt)
	}

	h.orch.HandleAck(worker, execID, 1)
	h.orch.HandleResult(worker, domain.ResultPayload{
		ExecutionID: execID.String(),
		Status:      string(domain.ExecutionStatusSucceeded),
		Attempt:     1,
		DurationMs:  42,
	})

	testutil.Eventually(t, time.Second, func() bool { return h.results.count() == 1 }, "result delivered")
	r := h.results.last()
	if r.Status != string(domain.ExecutionStatusSucceeded) || r.Attempt != 1 {
		t.Errorf("result = %+v", r)
	}

	snap, err := h.orch.Snapshot(testutil.TestContext(t))
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.InFlight != 0 {
		t.Errorf("in flight = %d after terminal result", snap.InFlight)
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	h := newHarness(t, Config{AckTimeout: time.Second})
	worker := uuid.New()
	h.registry.add(worker, 4)

	execID := h.submit(t, domain.SubmitPayload{Name: "flaky", MaxAttempts: 3})

	for attempt := 1; attempt <= 2; attempt++ {
		want := attempt
		testutil.Eventually(t, time.Second, func() bool { return h.invoker.count() == want }, "dispatch sent")
		h.orch.HandleAck(worker, execID, attempt)
		h.orch.HandleResult(worker, domain.ResultPayload{
			ExecutionID: execID.String(),
			Status:      string(domain.ExecutionStatusFailed),
			Attempt:     attempt,
			Error:       "connection reset",
			ErrorKind:   string(domain.ErrorKindTransient),
		})
	}

	testutil.Eventually(t, time.Second, func() bool { return h.invoker.count() == 3 }, "third attempt dispatched")
	h.orch.HandleAck(worker, execID, 3)
	h.orch.HandleResult(worker, domain.ResultPayload{
		ExecutionID: execID.String(),
		Status:      string(domain.ExecutionStatusSucceeded),
		Attempt:     3,
	})

	testutil.Eventually(t, time.Second, func() bool { return h.results.count() == 1 }, "single final result")
	r := h.results.last()
	if r.Status != string(domain.ExecutionStatusSucceeded) {
		t.Errorf("final status = %s", r.Status)
	}
	if r.Attempt != 3 {
		t.Errorf("final attempt = %d, want 3", r.Attempt)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	h := newHarness(t, Config{AckTimeout: time.Second})
	worker := uuid.New()
	h.registry.add(worker, 4)

	execID := h.submit(t, domain.SubmitPayload{Name: "doomed", MaxAttempts: 2})

	for attempt := 1; attempt <= 2; attempt++ {
		want := attempt
		testutil.Eventually(t, time.Second, func() bool { return h.invoker.count() == want }, "dispatch sent")
		h.orch.HandleAck(worker, execID, attempt)
		h.orch.HandleResult(worker, domain.ResultPayload{
			ExecutionID: execID.String(),
			Status:      string(domain.ExecutionStatusFailed),
			Attempt:     attempt,
			ErrorKind:   string(domain.ErrorKindTransient),
		})
	}

	testutil.Eventually(t, time.Second, func() bool { return h.results.count() == 1 }, "final result delivered")
	r := h.results.last()
	if r.Status != string(domain.ExecutionStatusFailed) {
		t.Errorf("final status = %s, want failed", r.Status)
	}
	if r.Attempt != 2 {
		t.Errorf("attempts = %d, want 2", r.Attempt)
	}

	// No further dispatches after the budget is spent.
	time.Sleep(50 * time.Millisecond)
	if h.invoker.count() != 2 {
		t.Errorf("dispatch count = %d after budget exhausted", h.invoker.count())
	}
	if h.results.count() != 1 {
		t.Errorf("result count = %d, want exactly 1", h.results.count())
	}
}

func TestPermanentFailureNotRetried(t *testing.T) {
	h := newHarness(t, Config{AckTimeout: time.Second})
	worker := uuid.New()
	h.registry.add(worker, 4)

	execID := h.submit(t, domain.SubmitPayload{Name: "broken", MaxAttempts: 3})

	testutil.Eventually(t, time.Second, func() bool { return h.invoker.count() == 1 }, "dispatch sent")
	h.orch.HandleAck(worker, execID, 1)
	h.orch.HandleResult(worker, domain.ResultPayload{
		ExecutionID: execID.String(),
		Status:      string(domain.ExecutionStatusFailed),
		Attempt:     1,
		Error:       "assertion failed",
		ErrorKind:   string(domain.ErrorKindValidation),
	})

	testutil.Eventually(t, time.Second, func() bool { return h.results.count() == 1 }, "final result delivered")
	if got := h.results.last().Attempt; got != 1 {
		t.Errorf("attempts = %d, want 1 (no retry for permanent failure)", got)
	}
}

func TestAckTimeoutRetries(t *testing.T) {
	h := newHarness(t, Config{AckTimeout: 20 * time.Millisecond})
	worker := uuid.New()
	h.registry.add(worker, 4)

	execID := h.submit(t, domain.SubmitPayload{Name: "slow-worker", MaxAttempts: 2})

	// Never ack the first dispatch; the second attempt must follow.
	testutil.Eventually(t, time.Second, func() bool { return h.invoker.count() == 2 }, "retry after ack timeout")
	if got := h.invoker.last().payload.Attempt; got != 2 {
		t.Errorf("retry attempt = %d, want 2", got)
	}

	h.orch.HandleAck(worker, execID, 2)
	h.orch.HandleResult(worker, domain.ResultPayload{
		ExecutionID: execID.String(),
		Status:      string(domain.ExecutionStatusSucceeded),
		Attempt:     2,
	})
	testutil.Eventually(t, time.Second, func() bool { return h.results.count() == 1 }, "result delivered")
}

func TestStaleResultDiscarded(t *testing.T) {
	h := newHarness(t, Config{AckTimeout: 20 * time.Millisecond})
	worker := uuid.New()
	h.registry.add(worker, 4)

	execID := h.submit(t, domain.SubmitPayload{Name: "laggard", MaxAttempts: 2})

	testutil.Eventually(t, time.Second, func() bool { return h.invoker.count() == 2 }, "retry after ack timeout")
	h.orch.HandleAck(worker, execID, 2)

	// The first attempt reports late; its counter no longer matches.
	h.orch.HandleResult(worker, domain.ResultPayload{
		ExecutionID: execID.String(),
		Status:      string(domain.ExecutionStatusSucceeded),
		Attempt:     1,
	})
	time.Sleep(20 * time.Millisecond)
	if h.results.count() != 0 {
		t.Fatalf("stale result produced a final result")
	}

	h.orch.HandleResult(worker, domain.ResultPayload{
		ExecutionID: execID.String(),
		Status:      string(domain.ExecutionStatusSucceeded),
		Attempt:     2,
	})
	testutil.Eventually(t, time.Second, func() bool { return h.results.count() == 1 }, "current attempt result accepted")
	if got := h.results.last().Attempt; got != 2 {
		t.Errorf("final attempt = %d, want 2", got)
	}
}

func TestCancelQueued(t *testing.T) {
	h := newHarness(t, Config{}) // no workers registered: stays queued

	execID := h.submit(t, domain.SubmitPayload{Name: "parked"})

	status, err := h.orch.Cancel(testutil.TestContext(t), execID, uuid.New())
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if status != domain.ExecutionStatusCancelled {
		t.Errorf("status = %s, want cancelled", status)
	}

	testutil.Eventually(t, time.Second, func() bool { return h.results.count() == 1 }, "cancelled result delivered")
	if got := h.results.last().Status; got != string(domain.ExecutionStatusCancelled) {
		t.Errorf("result status = %s", got)
	}

	// Cancelling again is a no-op reporting the same status.
	again, err := h.orch.Cancel(testutil.TestContext(t), execID, uuid.New())
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if again != domain.ExecutionStatusCancelled {
		t.Errorf("second cancel status = %s", again)
	}
	if h.results.count() != 1 {
		t.Errorf("idempotent cancel produced another result")
	}
}

func TestCancelRunningFreesSlot(t *testing.T) {
	h := newHarness(t, Config{MaxInFlight: 1, AckTimeout: time.Second})
	worker := uuid.New()
	h.registry.add(worker, 1)

	first := h.submit(t, domain.SubmitPayload{Name: "long-haul"})
	testutil.Eventually(t, time.Second, func() bool { return h.invoker.count() == 1 }, "first dispatched")
	h.orch.HandleAck(worker, first, 1)

	second := h.submit(t, domain.SubmitPayload{Name: "waiting"})

	status, err := h.orch.Cancel(testutil.TestContext(t), first, uuid.New())
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if status != domain.ExecutionStatusCancelled {
		t.Errorf("status = %s", status)
	}

	// The freed slot lets the queued execution through.
	testutil.Eventually(t, time.Second, func() bool { return h.invoker.count() == 2 }, "second dispatched after cancel")
	if got := h.invoker.last().payload.ExecutionID; got != second.String() {
		t.Errorf("dispatched %s, want %s", got, second)
	}

	// The worker's late result for the cancelled attempt changes nothing.
	h.orch.HandleResult(worker, domain.ResultPayload{
		ExecutionID: first.String(),
		Status:      string(domain.ExecutionStatusSucceeded),
		Attempt:     1,
	})
	time.Sleep(20 * time.Millisecond)
	for _, r := range h.results.all() {
		if r.ExecutionID == first.String() && r.Status != string(domain.ExecutionStatusCancelled) {
			t.Errorf("cancelled execution reported %s", r.Status)
		}
	}
}

func TestCancelUnknownExecution(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.orch.Cancel(testutil.TestContext(t), uuid.New(), uuid.New())
	var de *domain.Error
	if !errors.As(err, &de) {
		t.Fatalf("expected *domain.Error, got %v", err)
	}
	if de.Code != domain.CodeNotFound {
		t.Errorf("code = %s, want %s", de.Code, domain.CodeNotFound)
	}
}

func TestHighPriorityDispatchedFirst(t *testing.T) {
	h := newHarness(t, Config{MaxInFlight: 1, AckTimeout: time.Second})
	worker := uuid.New()
	h.registry.add(worker, 4)

	first := h.submit(t, domain.SubmitPayload{Name: "occupier"})
	testutil.Eventually(t, time.Second, func() bool { return h.invoker.count() == 1 }, "occupier dispatched")
	h.orch.HandleAck(worker, first, 1)

	h.submit(t, domain.SubmitPayload{Name: "std-waiter"})
	urgent := h.submit(t, domain.SubmitPayload{Name: "urgent", Priority: string(domain.PriorityHigh)})

	h.orch.HandleResult(worker, domain.ResultPayload{
		ExecutionID: first.String(),
		Status:      string(domain.ExecutionStatusSucceeded),
		Attempt:     1,
	})

	testutil.Eventually(t, time.Second, func() bool { return h.invoker.count() == 2 }, "next dispatched")
	if got := h.invoker.last().payload.ExecutionID; got != urgent.String() {
		t.Errorf("dispatched %s first, want high-priority %s", got, urgent)
	}
}

func TestDrainingRejectsSubmissions(t *testing.T) {
	h := newHarness(t, Config{})
	h.orch.SetDraining()

	testutil.Eventually(t, time.Second, func() bool {
		_, err := h.orch.Submit(testutil.TestContext(t), SubmitRequest{
			RequesterSessionID: uuid.New(),
			RequesterIdentity:  "tester",
			SubmitMsgID:        uuid.New(),
			Payload:            domain.SubmitPayload{Name: "late"},
		})
		var de *domain.Error
		return errors.As(err, &de) && de.Code == domain.CodeServerDraining
	}, "submit rejected while draining")
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, Config{})

	tests := []struct {
		name    string
		payload domain.SubmitPayload
	}{
		{"missing name", domain.SubmitPayload{}},
		{"bad priority", domain.SubmitPayload{Name: "x", Priority: "urgent"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Submit(testutil.TestContext(t), SubmitRequest{
				RequesterSessionID: uuid.New(),
				SubmitMsgID:        uuid.New(),
				Payload:            tt.payload,
			})
			var de *domain.Error
			if !errors.As(err, &de) {
				t.Fatalf("expected *domain.Error, got %v", err)
			}
			if de.Code != domain.CodeValidationFailed {
				t.Errorf("code = %s", de.Code)
			}
		})
	}
}

type denyQuota struct{}

func (denyQuota) AcquireExecution(string) bool { return false }
func (denyQuota) ReleaseExecution(string)      {}

func TestQuotaDenied(t *testing.T) {
	h := newHarnessWith(t, Config{}, recovery.NewBreaker(recovery.DefaultBreakerConfig()),
		func(o *Orchestrator) { o.WithQuota(denyQuota{}) })

	_, err := h.orch.Submit(testutil.TestContext(t), SubmitRequest{
		RequesterSessionID: uuid.New(),
		RequesterIdentity:  "greedy",
		SubmitMsgID:        uuid.New(),
		Payload:            domain.SubmitPayload{Name: "x"},
	})
	var de *domain.Error
	if !errors.As(err, &de) {
		t.Fatalf("expected *domain.Error, got %v", err)
	}
	if de.Code != domain.CodeQuotaExceeded {
		t.Errorf("code = %s, want %s", de.Code, domain.CodeQuotaExceeded)
	}
}

func TestWorkerGoneFailsOver(t *testing.T) {
	h := newHarness(t, Config{AckTimeout: time.Second})
	worker1 := uuid.New()
	worker2 := uuid.New()
	h.registry.add(worker1, 4)

	execID := h.submit(t, domain.SubmitPayload{Name: "orphan", MaxAttempts: 2})
	testutil.Eventually(t, time.Second, func() bool { return h.invoker.count() == 1 }, "first dispatch")
	h.orch.HandleAck(worker1, execID, 1)

	h.registry.drop(worker1)
	h.registry.add(worker2, 4)
	h.orch.WorkerGone(worker1)

	testutil.Eventually(t, time.Second, func() bool { return h.invoker.count() == 2 }, "failover dispatch")
	d := h.invoker.last()
	if d.worker != worker2 {
		t.Errorf("failover went to %s, want %s", d.worker, worker2)
	}
	if d.payload.Attempt != 2 {
		t.Errorf("failover attempt = %d, want 2", d.payload.Attempt)
	}
}

func TestCircuitOpensOnDispatchFailures(t *testing.T) {
	h := newHarnessWith(t, Config{AckTimeout: time.Second},
		recovery.NewBreaker(recovery.BreakerConfig{Threshold: 2, Window: time.Minute, Cooldown: time.Hour}))

	worker := uuid.New()
	h.registry.add(worker, 4)
	h.invoker.failWith(domain.NewError(domain.ErrorKindTransient, "", "pipe broken"))

	h.submit(t, domain.SubmitPayload{Name: "unlucky"})

	testutil.Eventually(t, time.Second, func() bool {
		for _, s := range h.breaker.Snapshot() {
			if s.Target == worker.String() && s.State == "open" {
				return true
			}
		}
		return false
	}, "circuit opened after repeated dispatch failures")

	// The execution is still queued, not lost.
	snap, err := h.orch.Snapshot(testutil.TestContext(t))
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.QueuedStd != 1 {
		t.Errorf("queued = %d, want 1", snap.QueuedStd)
	}
}

func TestEvictTerminalRecords(t *testing.T) {
	h := newHarness(t, Config{AckTimeout: time.Second})
	worker := uuid.New()
	h.registry.add(worker, 4)

	execID := h.submit(t, domain.SubmitPayload{Name: "done-soon"})
	testutil.Eventually(t, time.Second, func() bool { return h.invoker.count() == 1 }, "dispatched")
	h.orch.HandleAck(worker, execID, 1)
	h.orch.HandleResult(worker, domain.ResultPayload{
		ExecutionID: execID.String(),
		Status:      string(domain.ExecutionStatusSucceeded),
		Attempt:     1,
	})
	testutil.Eventually(t, time.Second, func() bool { return h.results.count() == 1 }, "finalized")

	n, err := h.orch.EvictTerminalBefore(testutil.TestContext(t), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("EvictTerminalBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("evicted = %d, want 1", n)
	}

	snap, _ := h.orch.Snapshot(testutil.TestContext(t))
	if len(snap.Records) != 0 {
		t.Errorf("records remain after eviction: %d", len(snap.Records))
	}
}
