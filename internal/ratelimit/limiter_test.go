package ratelimit

import (
	"testing"
	"time"

	"github.com/djlord-it/easy-grid/internal/testutil"
)

func testLimiter(clock *testutil.FakeClock) *Limiter {
	return New(Config{
		MessagesPerWindow:       5,
		Window:                  time.Second,
		MaxConcurrentExecutions: 2,
	}).WithClock(clock.Now)
}

func TestOverQuotaDeniedWithRetryAfter(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))
	l := testLimiter(clock)

	for i := 0; i < 5; i++ {
		if d := l.CheckAndConsume("alice", 1); !d.Allowed {
			t.Fatalf("request %d within quota denied", i+1)
		}
		clock.Advance(100 * time.Millisecond)
	}

	// Sixth request inside the same window. The oldest stamp is 500ms
	// old, so 500ms of the window remain.
	d := l.CheckAndConsume("alice", 1)
	if d.Allowed {
		t.Fatal("request over quota should be denied")
	}
	if d.RetryAfter < 500*time.Millisecond {
		t.Errorf("retryAfter = %s, want >= remaining window (500ms)", d.RetryAfter)
	}
}

func TestQuotaRefillsAsWindowSlides(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))
	l := testLimiter(clock)

	for i := 0; i < 5; i++ {
		l.CheckAndConsume("alice", 1)
	}
	if d := l.CheckAndConsume("alice", 1); d.Allowed {
		t.Fatal("should be at quota")
	}

	clock.Advance(1100 * time.Millisecond)
	if d := l.CheckAndConsume("alice", 1); !d.Allowed {
		t.Fatal("quota should refill after the window slides past old stamps")
	}
}

func TestIdentitiesAreIndependent(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))
	l := testLimiter(clock)

	for i := 0; i < 5; i++ {
		l.CheckAndConsume("alice", 1)
	}
	if d := l.CheckAndConsume("bob", 1); !d.Allowed {
		t.Fatal("bob must not be throttled by alice's traffic")
	}
}

func TestConcurrentExecutionSlots(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))
	l := testLimiter(clock)

	if d := l.AcquireExecution("alice"); !d.Allowed {
		t.Fatal("first slot")
	}
	if d := l.AcquireExecution("alice"); !d.Allowed {
		t.Fatal("second slot")
	}
	if d := l.AcquireExecution("alice"); d.Allowed {
		t.Fatal("third slot should be denied")
	}

	l.ReleaseExecution("alice")
	if d := l.AcquireExecution("alice"); !d.Allowed {
		t.Fatal("slot should be available after release")
	}
}

func TestCostConsumesMultipleUnits(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))
	l := testLimiter(clock)

	if d := l.CheckAndConsume("alice", 4); !d.Allowed {
		t.Fatal("cost 4 within quota 5")
	}
	if d := l.CheckAndConsume("alice", 2); d.Allowed {
		t.Fatal("cost 2 with 1 unit left should be denied")
	}
	if d := l.CheckAndConsume("alice", 1); !d.Allowed {
		t.Fatal("denial must not consume quota")
	}
}
