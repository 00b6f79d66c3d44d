// Package retention prunes terminal execution records past the retention
// window.
//
// Each cycle evicts finalized records from the orchestrator's in-memory
// table and, when this instance is the retention leader, deletes expired
// rows from the archive. Eviction is safe because records are archived at
// finalization; the sweep only drops what is already persisted.
package retention

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// RecordTable evicts finalized records from live state.
type RecordTable interface {
	EvictTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Archive prunes persisted results.
type Archive interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MetricsSink defines the interface for recording retention metrics.
type MetricsSink interface {
	RecordsArchived(count int)
}

// Config holds sweeper configuration.
type Config struct {
	// Schedule is a cron expression (5-field or @every descriptor) for
	// sweep cycles. Default: every 5 minutes.
	Schedule string
	// Window is how long terminal records are kept. Default: 24h.
	Window time.Duration
	// Timezone resolves the cron expression. Default: UTC.
	Timezone string
}

// DefaultConfig returns the default sweeper configuration.
func DefaultConfig() Config {
	return Config{
		Schedule: "*/5 * * * *",
		Window:   24 * time.Hour,
		Timezone: "UTC",
	}
}

// Sweeper runs retention cycles on a cron schedule.
type Sweeper struct {
	config   Config
	schedule cron.Schedule
	loc      *time.Location
	table    RecordTable
	archive  Archive     // optional, nil = in-memory eviction only
	metrics  MetricsSink // optional, nil = disabled
	clock    func() time.Time
}

// New creates a sweeper over the orchestrator's record table. The
// schedule expression is validated here.
func New(config Config, table RecordTable) (*Sweeper, error) {
	if config.Schedule == "" {
		config.Schedule = "*/5 * * * *"
	}
	if config.Window <= 0 {
		config.Window = 24 * time.Hour
	}
	if config.Timezone == "" {
		config.Timezone = "UTC"
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(config.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule: %w", err)
	}
	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	return &Sweeper{
		config:   config,
		schedule: sched,
		loc:      loc,
		table:    table,
		clock:    time.Now,
	}, nil
}

// WithArchive attaches database pruning; only the retention leader should
// do this.
func (s *Sweeper) WithArchive(a Archive) *Sweeper {
	s.archive = a
	return s
}

// WithMetrics attaches a metrics sink to the sweeper.
func (s *Sweeper) WithMetrics(sink MetricsSink) *Sweeper {
	s.metrics = sink
	return s
}

// WithClock overrides the time source for tests.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

// Run sweeps on schedule until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Printf("retention: started (schedule=%q, window=%s)", s.config.Schedule, s.config.Window)

	for {
		now := s.clock().In(s.loc)
		next := s.schedule.Next(now)
		wait := next.Sub(now)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Println("retention: stopped")
			return
		case <-timer.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle performs one sweep.
func (s *Sweeper) runCycle(ctx context.Context) {
	cutoff := s.clock().Add(-s.config.Window)

	evicted, err := s.table.EvictTerminalBefore(ctx, cutoff)
	if err != nil {
		log.Printf("retention: evict failed: %v", err)
		return
	}
	if evicted > 0 && s.metrics != nil {
		s.metrics.RecordsArchived(evicted)
	}

	var pruned int64
	if s.archive != nil {
		pruned, err = s.archive.DeleteBefore(ctx, cutoff)
		if err != nil {
			// Archive pruning retries next cycle; eviction already ran.
			log.Printf("retention: archive prune failed: %v", err)
		}
	}

	if evicted > 0 || pruned > 0 {
		log.Printf("retention: cycle complete, evicted=%d pruned=%d cutoff=%s",
			evicted, pruned, cutoff.UTC().Format(time.RFC3339))
	}
}
