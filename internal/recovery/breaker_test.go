package recovery

import (
	"testing"
	"time"

	"github.com/djlord-it/easy-grid/internal/testutil"
)

func testBreaker(clock *testutil.FakeClock) *Breaker {
	return NewBreaker(BreakerConfig{
		Threshold:   3,
		Window:      time.Minute,
		Cooldown:    30 * time.Second,
		MaxCooldown: 5 * time.Minute,
	}).WithClock(clock.Now)
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))
	b := testBreaker(clock)

	for i := 0; i < 2; i++ {
		b.RecordFailure("worker-1")
		if err := b.Allow("worker-1"); err != nil {
			t.Fatalf("circuit opened after %d failures, threshold is 3", i+1)
		}
	}

	b.RecordFailure("worker-1")
	if err := b.Allow("worker-1"); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen after threshold, got %v", err)
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))
	b := testBreaker(clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure("worker-1")
	}
	if err := b.Allow("worker-1"); err != ErrCircuitOpen {
		t.Fatal("circuit should be open")
	}

	clock.Advance(30 * time.Second)

	// Exactly one probe is admitted.
	if err := b.Allow("worker-1"); err != nil {
		t.Fatalf("probe should be allowed after cooldown, got %v", err)
	}
	if err := b.Allow("worker-1"); err != ErrCircuitOpen {
		t.Fatalf("second call during half-open should be rejected, got %v", err)
	}

	// Probe success closes the circuit and resets the count.
	b.RecordSuccess("worker-1")
	if err := b.Allow("worker-1"); err != nil {
		t.Fatalf("circuit should be closed after probe success, got %v", err)
	}
	b.RecordFailure("worker-1")
	b.RecordFailure("worker-1")
	if err := b.Allow("worker-1"); err != nil {
		t.Fatal("failure count should have been reset on close")
	}
}

func TestBreakerFailedProbeBacksOff(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))
	b := testBreaker(clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure("worker-1")
	}
	clock.Advance(30 * time.Second)
	if err := b.Allow("worker-1"); err != nil {
		t.Fatal("probe should be allowed")
	}
	b.RecordFailure("worker-1")

	// Cooldown doubled to 60s: still open at +30s, probe allowed at +60s.
	clock.Advance(30 * time.Second)
	if err := b.Allow("worker-1"); err != ErrCircuitOpen {
		t.Fatalf("circuit should still be open during doubled cooldown, got %v", err)
	}
	clock.Advance(30 * time.Second)
	if err := b.Allow("worker-1"); err != nil {
		t.Fatalf("probe should be allowed after doubled cooldown, got %v", err)
	}
}

func TestBreakerWindowExpiryResetsCount(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))
	b := testBreaker(clock)

	b.RecordFailure("worker-1")
	b.RecordFailure("worker-1")
	clock.Advance(2 * time.Minute)
	b.RecordFailure("worker-1")

	if err := b.Allow("worker-1"); err != nil {
		t.Fatal("failures outside the rolling window must not count toward the threshold")
	}
}

func TestBreakerTargetsAreIndependent(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))
	b := testBreaker(clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure("worker-1")
	}
	if err := b.Allow("worker-1"); err != ErrCircuitOpen {
		t.Fatal("worker-1 should be open")
	}
	if err := b.Allow("worker-2"); err != nil {
		t.Fatal("worker-2 must not be affected by worker-1 failures")
	}
}

func TestBreakerSnapshot(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))
	b := testBreaker(clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure("worker-1")
	}
	snap := b.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 target, got %d", len(snap))
	}
	if snap[0].State != "open" || snap[0].FailureCount != 3 {
		t.Errorf("snapshot = %+v", snap[0])
	}
}

type breakerMetrics struct {
	opened []string
	closed []string
}

func (m *breakerMetrics) CircuitOpened(target string) { m.opened = append(m.opened, target) }
func (m *breakerMetrics) CircuitClosed(target string) { m.closed = append(m.closed, target) }

func TestBreakerReportsStateChanges(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))
	sink := &breakerMetrics{}
	b := testBreaker(clock).WithMetrics(sink)

	for i := 0; i < 3; i++ {
		b.RecordFailure("worker-1")
	}
	if len(sink.opened) != 1 || sink.opened[0] != "worker-1" {
		t.Fatalf("opened = %v, want one worker-1 entry", sink.opened)
	}

	clock.Advance(31 * time.Second)
	if err := b.Allow("worker-1"); err != nil {
		t.Fatalf("probe not admitted: %v", err)
	}
	b.RecordSuccess("worker-1")
	if len(sink.closed) != 1 || sink.closed[0] != "worker-1" {
		t.Fatalf("closed = %v, want one worker-1 entry", sink.closed)
	}

	// reopening after a failed probe reports again
	for i := 0; i < 3; i++ {
		b.RecordFailure("worker-1")
	}
	if len(sink.opened) != 2 {
		t.Fatalf("opened = %v, want two entries", sink.opened)
	}
}
