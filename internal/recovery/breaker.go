// Package recovery provides the failure-recovery mechanisms wrapped around
// every call to a dispatch target: circuit breaking, retry with backoff,
// and saga-style compensation.
package recovery

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type targetState struct {
	state        breakerState
	failureCount int
	windowStart  time.Time
	lastFailure  time.Time
	nextProbeAt  time.Time
	cooldown     time.Duration // current cooldown, doubled on failed probes
}

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	// Threshold is the failure count within Window that opens the circuit.
	Threshold int
	// Window is the rolling window for counting failures while closed.
	Window time.Duration
	// Cooldown is the initial open duration before the first probe.
	Cooldown time.Duration
	// MaxCooldown caps the backed-off cooldown after failed probes.
	MaxCooldown time.Duration
}

// DefaultBreakerConfig returns the default breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:   5,
		Window:      time.Minute,
		Cooldown:    30 * time.Second,
		MaxCooldown: 10 * time.Minute,
	}
}

// MetricsSink receives circuit state changes.
type MetricsSink interface {
	CircuitOpened(target string)
	CircuitClosed(target string)
}

// Breaker tracks per-target circuit state. Targets are keyed by opaque
// string (worker session id, collaborator name).
type Breaker struct {
	mu      sync.Mutex
	targets map[string]*targetState
	config  BreakerConfig
	clock   func() time.Time
	metrics MetricsSink
}

// NewBreaker creates a circuit breaker with the given tuning.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.MaxCooldown < config.Cooldown {
		config.MaxCooldown = 10 * config.Cooldown
	}
	return &Breaker{
		targets: make(map[string]*targetState),
		config:  config,
		clock:   time.Now,
	}
}

// WithClock overrides the time source for tests.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// WithMetrics attaches a metrics sink to the breaker.
func (b *Breaker) WithMetrics(sink MetricsSink) *Breaker {
	b.metrics = sink
	return b
}

// Allow reports whether a call to target may proceed. When the circuit is
// open and the probe time has passed, the circuit moves to half-open and
// this call admits exactly one trial; concurrent callers see ErrCircuitOpen
// until the trial resolves.
func (b *Breaker) Allow(target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.targets[target]
	if !ok {
		return nil
	}

	switch s.state {
	case stateClosed:
		return nil
	case stateOpen:
		if !b.clock().Before(s.nextProbeAt) {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		// trial already in flight
		return ErrCircuitOpen
	default:
		return nil
	}
}

// RecordSuccess resets the target after a successful call. A half-open
// trial success fully closes the circuit.
func (b *Breaker) RecordSuccess(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.targets[target]
	if !ok {
		return
	}
	if s.state != stateClosed && b.metrics != nil {
		b.metrics.CircuitClosed(target)
	}
	s.state = stateClosed
	s.failureCount = 0
	s.cooldown = b.config.Cooldown
}

// RecordFailure counts a failure against the target. Crossing the
// threshold while closed opens the circuit; a failed half-open trial
// reopens it with a doubled cooldown.
func (b *Breaker) RecordFailure(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	s, ok := b.targets[target]
	if !ok {
		s = &targetState{cooldown: b.config.Cooldown, windowStart: now}
		b.targets[target] = s
	}
	s.lastFailure = now

	switch s.state {
	case stateHalfOpen:
		s.cooldown = s.cooldown * 2
		if s.cooldown > b.config.MaxCooldown {
			s.cooldown = b.config.MaxCooldown
		}
		s.state = stateOpen
		s.nextProbeAt = now.Add(s.cooldown)
		if b.metrics != nil {
			b.metrics.CircuitOpened(target)
		}
	default:
		if now.Sub(s.windowStart) > b.config.Window {
			s.windowStart = now
			s.failureCount = 0
		}
		s.failureCount++
		if s.failureCount >= b.config.Threshold {
			s.state = stateOpen
			s.cooldown = b.config.Cooldown
			s.nextProbeAt = now.Add(s.cooldown)
			if b.metrics != nil {
				b.metrics.CircuitOpened(target)
			}
		}
	}
}

// Forget drops all state for a target (e.g., when a worker disconnects).
func (b *Breaker) Forget(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.targets, target)
}

// TargetSnapshot is a read-only view of one circuit for monitoring.
type TargetSnapshot struct {
	Target       string    `json:"target"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	LastFailure  time.Time `json:"last_failure_at,omitempty"`
	NextProbeAt  time.Time `json:"next_probe_at,omitempty"`
}

// Snapshot returns the current state of every tracked circuit.
func (b *Breaker) Snapshot() []TargetSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]TargetSnapshot, 0, len(b.targets))
	for target, s := range b.targets {
		out = append(out, TargetSnapshot{
			Target:       target,
			State:        s.state.String(),
			FailureCount: s.failureCount,
			LastFailure:  s.lastFailure,
			NextProbeAt:  s.nextProbeAt,
		})
	}
	return out
}
