package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/easy-grid/internal/testutil"
)

type mockTable struct {
	mu      sync.Mutex
	cutoffs []time.Time
	evicted int
	err     error
}

func (m *mockTable) EvictTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.cutoffs = append(m.cutoffs, cutoff)
	return m.evicted, nil
}

func (m *mockTable) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cutoffs)
}

type mockArchive struct {
	mu      sync.Mutex
	cutoffs []time.Time
	pruned  int64
	err     error
}

func (m *mockArchive) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.cutoffs = append(m.cutoffs, cutoff)
	return m.pruned, nil
}

func (m *mockArchive) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cutoffs)
}

func TestNewValidatesSchedule(t *testing.T) {
	_, err := New(Config{Schedule: "not a cron"}, &mockTable{})
	if err == nil {
		t.Fatal("expected parse error")
	}

	for _, expr := range []string{"*/5 * * * *", "0 3 * * *", "@every 1h"} {
		if _, err := New(Config{Schedule: expr}, &mockTable{}); err != nil {
			t.Errorf("%q rejected: %v", expr, err)
		}
	}
}

func TestCycleUsesWindowCutoff(t *testing.T) {
	table := &mockTable{evicted: 3}
	archive := &mockArchive{pruned: 7}

	s, err := New(Config{Window: 6 * time.Hour}, table)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.WithArchive(archive).WithClock(func() time.Time { return now })

	s.runCycle(context.Background())

	want := now.Add(-6 * time.Hour)
	if table.calls() != 1 || !table.cutoffs[0].Equal(want) {
		t.Errorf("table cutoffs = %v, want [%s]", table.cutoffs, want)
	}
	if archive.calls() != 1 || !archive.cutoffs[0].Equal(want) {
		t.Errorf("archive cutoffs = %v, want [%s]", archive.cutoffs, want)
	}
}

func TestEvictErrorSkipsArchivePrune(t *testing.T) {
	table := &mockTable{err: errors.New("actor stopped")}
	archive := &mockArchive{}

	s, err := New(Config{}, table)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.WithArchive(archive)

	s.runCycle(context.Background())
	if archive.calls() != 0 {
		t.Error("archive pruned despite eviction failure")
	}
}

func TestRunSweepsOnSchedule(t *testing.T) {
	table := &mockTable{}
	s, err := New(Config{Schedule: "@every 10ms", Window: time.Hour}, table)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	testutil.Eventually(t, time.Second, func() bool { return table.calls() >= 2 }, "at least two sweep cycles")
	cancel()
	<-done
}
